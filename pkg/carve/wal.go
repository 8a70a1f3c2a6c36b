// pkg/carve/wal.go

package carve

import (
	"encoding/binary"
	"fmt"
	"os"

	"Kerf/pkg/config"
	"Kerf/pkg/scanner"
)

const (
	walHeaderLen      = 32
	walFrameHeaderLen = 24

	// big-endian header magic; low bit selects the checksum word order
	walMagicLittle = 0x377f0682
	walMagicBig    = 0x377f0683
)

type walHeader struct {
	pageSize      uint32
	checkpointSeq uint32
	salt1         uint32
	salt2         uint32
	bigEndian     bool
}

// walChecksum is the rolling frame checksum: two 32-bit accumulators fed
// 8-byte word pairs, carried across frames so each frame's checksum is a
// function of everything before it.
type walChecksum struct {
	s0, s1    uint32
	bigEndian bool
}

func (c *walChecksum) update(data []byte) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x0, x1 uint32
		if c.bigEndian {
			x0 = binary.BigEndian.Uint32(data[i:])
			x1 = binary.BigEndian.Uint32(data[i+4:])
		} else {
			x0 = binary.LittleEndian.Uint32(data[i:])
			x1 = binary.LittleEndian.Uint32(data[i+4:])
		}
		c.s0 += x0 + c.s1
		c.s1 += x1 + c.s0
	}
}

func parseWalHeader(b []byte) *walHeader {
	if len(b) < walHeaderLen {
		return nil
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != walMagicLittle && magic != walMagicBig {
		return nil
	}
	pageSize := binary.BigEndian.Uint32(b[8:12])
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return nil
	}
	return &walHeader{
		pageSize:      pageSize,
		checkpointSeq: binary.BigEndian.Uint32(b[12:16]),
		salt1:         binary.BigEndian.Uint32(b[16:20]),
		salt2:         binary.BigEndian.Uint32(b[20:24]),
		bigEndian:     magic == walMagicBig,
	}
}

type walWalk struct {
	size             uint64
	frames           uint32
	checksumFailures uint32
	truncated        bool
	errors           []string
}

type walHandler struct {
	extension string
	minSize   uint64
	maxSize   uint64
	// consecutive checksum failures tolerated before the walk stops;
	// zero means stop at the first mismatch
	failureThreshold uint32
}

func newWalHandler(ft config.FileTypeConfig, failureThreshold uint32) *walHandler {
	return &walHandler{
		extension:        ft.Extension,
		minSize:          ft.MinSize,
		maxSize:          ft.MaxSize,
		failureThreshold: failureThreshold,
	}
}

func (h *walHandler) FileType() string  { return "sqlite_wal" }
func (h *walHandler) Extension() string { return h.extension }

func (h *walHandler) ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error) {
	headerBytes := make([]byte, walHeaderLen)
	ok, err := readExact(ctx.Evidence, hit.GlobalOffset, headerBytes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	header := parseWalHeader(headerBytes)
	if header == nil {
		return nil, nil
	}

	walked, err := h.walkFrames(ctx, hit.GlobalOffset, header, headerBytes)
	if err != nil {
		return nil, err
	}
	if walked.frames == 0 {
		return nil, nil
	}

	fullPath, relPath, err := outputPath(ctx.OutputRoot, h.FileType(), h.extension, hit.GlobalOffset)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	truncated := walked.truncated
	walkErrors := walked.errors

	s := newStream(ctx.Evidence, hit.GlobalOffset, f)
	eof, err := s.copyRange(hit.GlobalOffset + walked.size)
	if err != nil {
		return nil, err
	}
	if eof {
		truncated = true
		walkErrors = append(walkErrors, "eof before WAL end")
	}
	written, md5Hex, sha256Hex, contentKey, err := s.finish()
	if err != nil {
		return nil, err
	}

	if discardUndersized(fullPath, written, h.minSize) {
		return nil, nil
	}

	return &CarvedFile{
		RunID:       ctx.RunID,
		FileType:    h.FileType(),
		Path:        relPath,
		Extension:   h.extension,
		GlobalStart: hit.GlobalOffset,
		GlobalEnd:   globalEnd(hit.GlobalOffset, written),
		Size:        written,
		MD5:         md5Hex,
		SHA256:      sha256Hex,
		ContentKey:  contentKey,
		Validated:   walked.frames > 0 && !truncated && walked.checksumFailures == 0,
		Truncated:   truncated,
		Errors:      walkErrors,
		PatternID:   hit.PatternID,
	}, nil
}

// walkFrames validates frames sequentially from the WAL header onward.
// A frame that fails the rolling checksum still counts toward the carve as
// long as the consecutive-failure budget holds; the frame that exhausts the
// budget is excluded and ends the walk.
func (h *walHandler) walkFrames(ctx *Context, start uint64, header *walHeader, headerBytes []byte) (*walWalk, error) {
	evidenceLen := ctx.Evidence.Len()
	hardEnd := evidenceLen
	if h.maxSize > 0 && start+h.maxSize < hardEnd {
		hardEnd = start + h.maxSize
	}

	cksum := walChecksum{bigEndian: header.bigEndian}
	cksum.update(headerBytes[0:8])

	walk := &walWalk{}
	offset := start + walHeaderLen
	frameSize := uint64(walFrameHeaderLen) + uint64(header.pageSize)
	frameHeader := make([]byte, walFrameHeaderLen)
	payload := make([]byte, header.pageSize)
	var consecutiveFailures uint32

	for offset+walFrameHeaderLen <= hardEnd {
		ok, err := readExact(ctx.Evidence, offset, frameHeader)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		pageNo := binary.BigEndian.Uint32(frameHeader[0:4])
		frameSalt1 := binary.BigEndian.Uint32(frameHeader[8:12])
		frameSalt2 := binary.BigEndian.Uint32(frameHeader[12:16])
		if pageNo == 0 || frameSalt1 != header.salt1 || frameSalt2 != header.salt2 {
			break
		}

		frameEnd := offset + frameSize
		if frameEnd > hardEnd {
			walk.truncated = true
			if h.maxSize > 0 && start+h.maxSize <= evidenceLen {
				walk.errors = append(walk.errors, "max_size reached before WAL frame end")
			} else {
				walk.errors = append(walk.errors, "eof before WAL frame end")
			}
			break
		}
		ok, err = readExact(ctx.Evidence, offset+walFrameHeaderLen, payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			walk.truncated = true
			walk.errors = append(walk.errors, "eof before WAL frame end")
			break
		}

		cksum.update(frameHeader[0:16])
		cksum.update(payload)
		stored0 := binary.BigEndian.Uint32(frameHeader[16:20])
		stored1 := binary.BigEndian.Uint32(frameHeader[20:24])
		if cksum.s0 != stored0 || cksum.s1 != stored1 {
			consecutiveFailures++
			walk.checksumFailures++
			if consecutiveFailures > h.failureThreshold {
				// the frame that exhausts the budget stays out of the carve
				walk.checksumFailures--
				break
			}
		} else {
			consecutiveFailures = 0
		}

		walk.frames++
		offset = frameEnd
	}

	if walk.checksumFailures > 0 {
		walk.errors = append(walk.errors,
			fmt.Sprintf("checksum mismatch in %d frame(s) retained below failure threshold", walk.checksumFailures))
	}
	walk.size = offset - start
	return walk, nil
}
