// pkg/carve/jpeg.go

package carve

import (
	"os"

	"Kerf/pkg/config"
	"Kerf/pkg/scanner"
)

type jpegHandler struct {
	extension string
	minSize   uint64
	maxSize   uint64
}

func newJpegHandler(ft config.FileTypeConfig) *jpegHandler {
	return &jpegHandler{extension: ft.Extension, minSize: ft.MinSize, maxSize: ft.MaxSize}
}

func (h *jpegHandler) FileType() string  { return "jpeg" }
func (h *jpegHandler) Extension() string { return h.extension }

// ProcessHit streams forward from the SOI marker until the EOI marker
// (FF D9), a size cap, or the end of evidence.
func (h *jpegHandler) ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error) {
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
	var prev byte

	const bufSize = 64 << 10
	buf := make([]byte, bufSize)
	readOff := hit.GlobalOffset
	for {
		if h.maxSize > 0 && s.written >= h.maxSize {
			truncated = true
			carveErrors = append(carveErrors, "max_size reached before EOI")
			break
		}
		want := uint64(bufSize)
		if h.maxSize > 0 && h.maxSize-s.written < want {
			want = h.maxSize - s.written
		}
		n, err := ctx.Evidence.ReadAt(readOff, buf[:want])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			truncated = true
			carveErrors = append(carveErrors, "eof before EOI")
			break
		}

		writeLen := n
		for i := 0; i < n; i++ {
			if prev == 0xFF && buf[i] == 0xD9 {
				writeLen = i + 1
				validated = true
				break
			}
			prev = buf[i]
		}
		if err := s.writeBytes(buf[:writeLen]); err != nil {
			return nil, err
		}
		readOff += uint64(writeLen)
		if validated {
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
