// pkg/carve/gzip.go

package carve

import (
	"bytes"
	"os"

	"Kerf/pkg/config"
	"Kerf/pkg/scanner"
)

// gzip streams carry no end marker that can be found without inflating the
// deflate payload, so the carve extends to the next gzip header, the size
// cap, or the end of evidence.
var gzipMagic = []byte{0x1F, 0x8B, 0x08}

type gzipHandler struct {
	extension string
	minSize   uint64
	maxSize   uint64
}

func newGzipHandler(ft config.FileTypeConfig) *gzipHandler {
	return &gzipHandler{extension: ft.Extension, minSize: ft.MinSize, maxSize: ft.MaxSize}
}

func (h *gzipHandler) FileType() string  { return "gzip" }
func (h *gzipHandler) Extension() string { return h.extension }

func (h *gzipHandler) ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error) {
	header := make([]byte, 10)
	ok, err := readExact(ctx.Evidence, hit.GlobalOffset, header)
	if err != nil {
		return nil, err
	}
	// reserved flag bits must be zero in a real member header
	if !ok || header[3]&0xE0 != 0 {
		return nil, nil
	}

	end, validated, truncated, searchErr := h.findEnd(ctx, hit.GlobalOffset)
	if searchErr != nil {
		return nil, searchErr
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

	var carveErrors []string
	if truncated {
		carveErrors = append(carveErrors, "max_size reached before next gzip member or eof")
	}

	s := newStream(ctx.Evidence, hit.GlobalOffset, f)
	eof, err := s.copyRange(end)
	if err != nil {
		return nil, err
	}
	if eof && !validated {
		truncated = true
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

// findEnd scans past the header for the next gzip magic or end of evidence.
func (h *gzipHandler) findEnd(ctx *Context, start uint64) (end uint64, validated, truncated bool, err error) {
	maxEnd := ctx.Evidence.Len()
	if h.maxSize > 0 && start+h.maxSize < maxEnd {
		maxEnd = start + h.maxSize
		truncated = true
	}

	const bufSize = 64 << 10
	buf := make([]byte, bufSize)
	var carry []byte
	offset := start + uint64(len(gzipMagic))
	for offset < maxEnd {
		want := maxEnd - offset
		if want > bufSize {
			want = bufSize
		}
		n, rerr := ctx.Evidence.ReadAt(offset, buf[:want])
		if rerr != nil {
			return 0, false, false, rerr
		}
		if n == 0 {
			// evidence ended with no terminator in sight
			return offset, false, true, nil
		}

		search := append(append([]byte(nil), carry...), buf[:n]...)
		if idx := bytes.Index(search, gzipMagic); idx >= 0 {
			return offset - uint64(len(carry)) + uint64(idx), true, false, nil
		}

		offset += uint64(n)
		if n >= len(gzipMagic)-1 {
			carry = append(carry[:0], buf[n-(len(gzipMagic)-1):n]...)
		} else {
			carry = append(carry, buf[:n]...)
		}
	}
	return maxEnd, false, true, nil
}
