// pkg/carve/page.go

package carve

import (
	"encoding/binary"
	"os"

	"Kerf/pkg/config"
	"Kerf/pkg/scanner"
)

// Single-byte leaf markers show up constantly in arbitrary data, so a page
// candidate is only accepted after the full structural validation below.
const (
	sqliteTableLeafPage = 0x0D
	sqliteIndexLeafPage = 0x0A

	maxFragmentedFreeBytes = 60
	pageHeaderSize         = 8
)

type pageHeader struct {
	pageType            byte
	firstFreeblock      uint16
	cellCount           uint16
	cellContentArea     uint16
	fragmentedFreeBytes byte
}

func parsePageHeader(page []byte) *pageHeader {
	if len(page) < pageHeaderSize {
		return nil
	}
	if page[0] != sqliteTableLeafPage && page[0] != sqliteIndexLeafPage {
		return nil
	}
	return &pageHeader{
		pageType:            page[0],
		firstFreeblock:      binary.BigEndian.Uint16(page[1:3]),
		cellCount:           binary.BigEndian.Uint16(page[3:5]),
		cellContentArea:     binary.BigEndian.Uint16(page[5:7]),
		fragmentedFreeBytes: page[7],
	}
}

// cellContentStart resolves the header field; the on-disk encoding uses 0
// to mean 65536, which only fits the largest page size.
func cellContentStart(cellContentArea uint16, pageSize int) (int, bool) {
	if cellContentArea == 0 {
		if pageSize == 65536 {
			return pageSize, true
		}
		return 0, false
	}
	v := int(cellContentArea)
	if v <= pageHeaderSize || v > pageSize {
		return 0, false
	}
	return v, true
}

func quickValidateHeader(h *pageHeader, pageSize int) bool {
	if h.cellCount == 0 || int(h.cellCount) >= pageSize/4 {
		return false
	}
	cellContent, ok := cellContentStart(h.cellContentArea, pageSize)
	if !ok {
		return false
	}
	pointerTableEnd := pageHeaderSize + int(h.cellCount)*2
	if pointerTableEnd > pageSize || pointerTableEnd > cellContent {
		return false
	}
	if h.firstFreeblock != 0 {
		free := int(h.firstFreeblock)
		if free < cellContent || free+4 > pageSize {
			return false
		}
	}
	return true
}

func validatePageStructure(page []byte) bool {
	h := parsePageHeader(page)
	if h == nil {
		return false
	}
	if h.fragmentedFreeBytes > maxFragmentedFreeBytes {
		return false
	}
	pageSize := len(page)
	if !quickValidateHeader(h, pageSize) {
		return false
	}
	cellContent, _ := cellContentStart(h.cellContentArea, pageSize)

	seen := make(map[int]bool, h.cellCount)
	for i := 0; i < int(h.cellCount); i++ {
		off := pageHeaderSize + i*2
		ptr := int(binary.BigEndian.Uint16(page[off : off+2]))
		if ptr < cellContent || ptr >= pageSize {
			return false
		}
		if seen[ptr] {
			return false
		}
		seen[ptr] = true
	}

	return validateFreeblockChain(page, int(h.firstFreeblock), cellContent)
}

// validateFreeblockChain walks the chain from firstFreeblock. Links must
// move strictly forward, stay inside [cellContent, pageSize), and reach 0
// within pageSize/4 hops; anything else rejects the candidate.
func validateFreeblockChain(page []byte, firstFreeblock, cellContent int) bool {
	if firstFreeblock == 0 {
		return true
	}
	pageSize := len(page)
	maxSteps := pageSize / 4
	if maxSteps < 1 {
		maxSteps = 1
	}
	visited := make(map[int]bool)
	current := firstFreeblock
	steps := 0
	for current != 0 {
		if current < cellContent || current+4 > pageSize {
			return false
		}
		if visited[current] {
			return false
		}
		visited[current] = true

		next := int(binary.BigEndian.Uint16(page[current : current+2]))
		size := int(binary.BigEndian.Uint16(page[current+2 : current+4]))
		if size < 4 || current+size > pageSize {
			return false
		}
		if next != 0 && (next <= current || next+4 > pageSize) {
			return false
		}

		current = next
		steps++
		if steps > maxSteps {
			return false
		}
	}
	return true
}

type pageHandler struct {
	extension string
	minSize   uint64
	maxSize   uint64
	sizes     []uint32
}

func newPageHandler(ft config.FileTypeConfig, sizes []uint32) *pageHandler {
	return &pageHandler{
		extension: ft.Extension,
		minSize:   ft.MinSize,
		maxSize:   ft.MaxSize,
		sizes:     sizes,
	}
}

func (h *pageHandler) FileType() string  { return "sqlite_page" }
func (h *pageHandler) Extension() string { return h.extension }

// detectPageSize tries the allow-list in order and returns the first size
// whose full structural validation passes. No best-fit search: first match
// is authoritative.
func (h *pageHandler) detectPageSize(ctx *Context, start uint64) (uint32, error) {
	header := make([]byte, pageHeaderSize)
	ok, err := readExact(ctx.Evidence, start, header)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	parsed := parsePageHeader(header)
	if parsed == nil || parsed.cellCount == 0 || parsed.fragmentedFreeBytes > maxFragmentedFreeBytes {
		return 0, nil
	}

	evidenceLen := ctx.Evidence.Len()
	for _, pageSize := range h.sizes {
		if start+uint64(pageSize) > evidenceLen {
			continue
		}
		if !quickValidateHeader(parsed, int(pageSize)) {
			continue
		}
		page := make([]byte, pageSize)
		ok, err := readExact(ctx.Evidence, start, page)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if validatePageStructure(page) {
			return pageSize, nil
		}
	}
	return 0, nil
}

func (h *pageHandler) ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error) {
	pageSize, err := h.detectPageSize(ctx, hit.GlobalOffset)
	if err != nil {
		return nil, err
	}
	if pageSize == 0 {
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

	targetSize := uint64(pageSize)
	var truncated bool
	var carveErrors []string
	if h.maxSize > 0 && targetSize > h.maxSize {
		targetSize = h.maxSize
		truncated = true
		carveErrors = append(carveErrors, "max_size reached before sqlite page end")
	}

	s := newStream(ctx.Evidence, hit.GlobalOffset, f)
	eof, err := s.copyRange(hit.GlobalOffset + targetSize)
	if err != nil {
		return nil, err
	}
	if eof {
		truncated = true
		carveErrors = append(carveErrors, "eof before sqlite page end")
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
		Validated:   !truncated,
		Truncated:   truncated,
		Errors:      carveErrors,
		PatternID:   hit.PatternID,
	}, nil
}
