// pkg/carve/png.go

package carve

import (
	"bytes"
	"encoding/binary"
	"os"

	"Kerf/pkg/config"
	"Kerf/pkg/scanner"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

type pngHandler struct {
	extension string
	minSize   uint64
	maxSize   uint64
}

func newPngHandler(ft config.FileTypeConfig) *pngHandler {
	return &pngHandler{extension: ft.Extension, minSize: ft.MinSize, maxSize: ft.MaxSize}
}

func (h *pngHandler) FileType() string  { return "png" }
func (h *pngHandler) Extension() string { return h.extension }

// ProcessHit walks PNG chunks (length, type, data, CRC) until IEND. A
// malformed chunk type or a chunk running past the size cap ends the carve.
func (h *pngHandler) ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error) {
	fullPath, relPath, err := outputPath(ctx.OutputRoot, h.FileType(), h.extension, hit.GlobalOffset)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := newStream(ctx.Evidence, hit.GlobalOffset, f)

	var validated, truncated bool
	var carveErrors []string

	sig, ok, err := s.readThrough(len(pngSignature))
	if err != nil {
		return nil, err
	}
	if !ok || !bytes.Equal(sig, pngSignature) {
		_ = os.Remove(fullPath)
		return nil, nil
	}

walk:
	for {
		hdr, ok, err := s.readThrough(8)
		if err != nil {
			return nil, err
		}
		if !ok {
			truncated = true
			carveErrors = append(carveErrors, "eof before IEND")
			break
		}
		length := binary.BigEndian.Uint32(hdr[0:4])
		chunkType := hdr[4:8]
		for _, c := range chunkType {
			if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
				truncated = true
				carveErrors = append(carveErrors, "malformed png chunk type")
				break walk
			}
		}
		if h.maxSize > 0 && s.written+uint64(length)+4 > h.maxSize {
			truncated = true
			carveErrors = append(carveErrors, "max_size reached before IEND")
			break
		}
		// chunk data plus CRC
		remaining := int(length) + 4
		for remaining > 0 {
			step := remaining
			if step > 64<<10 {
				step = 64 << 10
			}
			_, ok, err := s.readThrough(step)
			if err != nil {
				return nil, err
			}
			if !ok {
				truncated = true
				carveErrors = append(carveErrors, "eof before IEND")
				break walk
			}
			remaining -= step
		}
		if bytes.Equal(chunkType, []byte("IEND")) {
			validated = true
			break
		}
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
		Validated:   validated,
		Truncated:   truncated,
		Errors:      carveErrors,
		PatternID:   hit.PatternID,
	}, nil
}
