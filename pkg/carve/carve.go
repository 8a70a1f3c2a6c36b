// pkg/carve/carve.go

package carve

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"Kerf/pkg/config"
	"Kerf/pkg/evidence"
	"Kerf/pkg/scanner"
	"Kerf/pkg/utils"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var logger = utils.GetLogger("kerf")

// CarvedFile is the provenance record for one recovered artifact. It is
// immutable once emitted; ownership passes to the metadata sink.
type CarvedFile struct {
	RunID       string   `json:"run_id"`
	FileType    string   `json:"file_type"`
	Path        string   `json:"path"`
	Extension   string   `json:"extension"`
	GlobalStart uint64   `json:"global_start"`
	GlobalEnd   uint64   `json:"global_end"`
	Size        uint64   `json:"size"`
	MD5         string   `json:"md5,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	ContentKey  uint64   `json:"content_key"`
	Validated   bool     `json:"validated"`
	Truncated   bool     `json:"truncated"`
	Errors      []string `json:"errors,omitempty"`
	PatternID   string   `json:"pattern_id,omitempty"`
}

// Context gives a handler read access to evidence and the run output root.
type Context struct {
	RunID      string
	OutputRoot string
	Evidence   evidence.Source
}

// Handler validates a candidate hit and extracts its bytes. A nil file with
// a nil error means a low-confidence rejection: the hit is simply dropped.
// Handlers must not read before the hit offset and must stream large
// candidates instead of materializing them.
type Handler interface {
	FileType() string
	Extension() string
	ProcessHit(hit *scanner.NormalizedHit, ctx *Context) (*CarvedFile, error)
}

// Registry routes a normalized hit to the handler for its candidate type.
type Registry struct {
	handlers map[string]Handler
}

func (r *Registry) Get(fileTypeID string) Handler {
	return r.handlers[fileTypeID]
}

// BuildRegistry wires one handler per configured file type.
func BuildRegistry(cfg *config.Config) *Registry {
	handlers := make(map[string]Handler)
	for _, ft := range cfg.FileTypes {
		switch ft.ID {
		case "sqlite_wal":
			handlers[ft.ID] = newWalHandler(ft, cfg.SqliteWalMaxConsecutiveChecksumFailures)
		case "sqlite_page":
			handlers[ft.ID] = newPageHandler(ft, cfg.SqlitePageSizes)
		case "jpeg":
			handlers[ft.ID] = newJpegHandler(ft)
		case "png":
			handlers[ft.ID] = newPngHandler(ft)
		case "gzip":
			handlers[ft.ID] = newGzipHandler(ft)
		default:
			logger.Warnf("no handler for file type %s, hits will be dropped", ft.ID)
		}
	}
	return &Registry{handlers: handlers}
}

// outputPath builds carved/<type>/<type>_<offset>.<ext> under the run root,
// creating the directory. Components are sanitized against traversal.
func outputPath(outputRoot, fileType, extension string, globalStart uint64) (string, string, error) {
	safeType := sanitizeComponent(fileType)
	safeExt := sanitizeExtension(extension)
	dir := filepath.Join(outputRoot, safeType)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", errors.Wrapf(err, "create %s", dir)
	}
	name := fmt.Sprintf("%s_%012X", safeType, globalStart)
	if safeExt != "" {
		name += "." + safeExt
	}
	full := filepath.Join(dir, name)
	rel := filepath.Join(safeType, name)
	return full, rel, nil
}

func sanitizeComponent(value string) string {
	var b strings.Builder
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '_', ch == '-', ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", "_")
	}
	out = strings.Trim(out, ".")
	if out == "" {
		return "unknown"
	}
	return out
}

func sanitizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(sanitizeComponent(ext), "."))
}

// stream copies evidence bytes into a carve output file while computing the
// digests forensic consumers expect plus a fast dedup key.
type stream struct {
	evidence evidence.Source
	offset   uint64
	written  uint64
	w        *bufio.Writer
	f        *os.File
	md5      hash.Hash
	sha256   hash.Hash
	xxh      *xxhash.Digest
}

func newStream(ev evidence.Source, offset uint64, f *os.File) *stream {
	return &stream{
		evidence: ev,
		offset:   offset,
		w:        bufio.NewWriter(f),
		f:        f,
		md5:      md5.New(),
		sha256:   sha256.New(),
		xxh:      xxhash.New(),
	}
}

func (s *stream) writeBytes(buf []byte) error {
	if _, err := s.w.Write(buf); err != nil {
		return errors.Wrap(err, "write carve output")
	}
	s.md5.Write(buf)
	s.sha256.Write(buf)
	_, _ = s.xxh.Write(buf)
	s.offset += uint64(len(buf))
	s.written += uint64(len(buf))
	return nil
}

// copyRange streams [start, end) from evidence into the output. It returns
// true when evidence ran out before end.
func (s *stream) copyRange(end uint64) (bool, error) {
	const bufSize = 64 << 10
	buf := make([]byte, bufSize)
	for s.offset < end {
		want := end - s.offset
		if want > bufSize {
			want = bufSize
		}
		n, err := s.evidence.ReadAt(s.offset, buf[:want])
		if err != nil {
			return false, err
		}
		if n == 0 {
			return true, nil
		}
		if err := s.writeBytes(buf[:n]); err != nil {
			return false, err
		}
	}
	return false, nil
}

// readThrough reads exactly n bytes at the current offset and writes them
// through to the output. ok is false when evidence ended first.
func (s *stream) readThrough(n int) ([]byte, bool, error) {
	buf := make([]byte, n)
	got, err := evidence.ReadFull(s.evidence, s.offset, buf)
	if err != nil {
		return nil, false, err
	}
	if got > 0 {
		if err := s.writeBytes(buf[:got]); err != nil {
			return nil, false, err
		}
	}
	if got < n {
		return buf[:got], false, nil
	}
	return buf, true, nil
}

func (s *stream) finish() (uint64, string, string, uint64, error) {
	if err := s.w.Flush(); err != nil {
		return 0, "", "", 0, errors.Wrap(err, "flush carve output")
	}
	return s.written,
		hex.EncodeToString(s.md5.Sum(nil)),
		hex.EncodeToString(s.sha256.Sum(nil)),
		s.xxh.Sum64(),
		nil
}

// discardUndersized drops a carve that fell below the configured minimum.
func discardUndersized(fullPath string, size, minSize uint64) bool {
	if size < minSize {
		_ = os.Remove(fullPath)
		return true
	}
	return false
}

// globalEnd is the inclusive end offset of a carve of `size` bytes.
func globalEnd(start, size uint64) uint64 {
	if size == 0 {
		return start
	}
	return start + size - 1
}

// readExact reads len(buf) bytes at off; ok is false when evidence ended.
func readExact(ev evidence.Source, off uint64, buf []byte) (bool, error) {
	n, err := evidence.ReadFull(ev, off, buf)
	if err != nil {
		return false, err
	}
	return n == len(buf), nil
}
