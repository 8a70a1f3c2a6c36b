// pkg/chunk/chunk.go

package chunk

// ScanChunk is one scan window over the evidence. Length includes the
// trailing overlap bytes; ValidLength is the authoritative span: hits whose
// local offset falls at or beyond ValidLength belong to the next chunk and
// must be dropped by the producer of this one.
type ScanChunk struct {
	ID          uint64
	Start       uint64
	Length      uint64
	ValidLength uint64
}

// Plan partitions totalLen into ordered, overlapping scan windows.
// Chunk i starts at i*chunkSize and extends chunkSize+overlap bytes,
// clipped to the end of the evidence.
func Plan(totalLen, chunkSize, overlap uint64) []ScanChunk {
	if chunkSize == 0 {
		return nil
	}

	var chunks []ScanChunk
	var start, id uint64
	for start < totalLen {
		remaining := totalLen - start
		length := chunkSize + overlap
		if length > remaining {
			length = remaining
		}
		valid := chunkSize
		if valid > remaining {
			valid = remaining
		}
		chunks = append(chunks, ScanChunk{
			ID:          id,
			Start:       start,
			Length:      length,
			ValidLength: valid,
		})
		start += chunkSize
		id++
	}
	return chunks
}

// Count returns the number of chunks Plan would produce.
func Count(totalLen, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return (totalLen + chunkSize - 1) / chunkSize
}
