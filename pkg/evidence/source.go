// pkg/evidence/source.go

package evidence

import (
	stderrors "errors"
	"os"
	"strings"

	"Kerf/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("kerf")

// IOError marks an unreadable evidence source. It is fatal: the pipeline
// aborts the run after a best-effort metadata flush.
type IOError struct {
	Cause error
}

func (e *IOError) Error() string { return "evidence: " + e.Cause.Error() }
func (e *IOError) Unwrap() error { return e.Cause }

// IsIOError reports whether err originated from an evidence read failure.
func IsIOError(err error) bool {
	var io *IOError
	return stderrors.As(err, &io)
}

// Source is an immutable, randomly-readable byte space. Implementations
// must allow ReadAt from multiple goroutines with no shared cursor, and
// must never mutate the underlying bytes.
type Source interface {
	Len() uint64
	ReadAt(off uint64, buf []byte) (int, error)
	Close() error
}

type fileSource struct {
	f    *os.File
	size uint64
}

// OpenFile opens a raw image or block device as an evidence source.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open evidence %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat evidence %s", path)
	}
	size := uint64(st.Size())
	if st.Mode()&os.ModeDevice != 0 {
		// block devices report zero size through Stat
		end, err := f.Seek(0, 2)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "seek end of %s", path)
		}
		size = uint64(end)
	}
	return &fileSource{f: f, size: size}, nil
}

func (s *fileSource) Len() uint64 { return s.size }

func (s *fileSource) ReadAt(off uint64, buf []byte) (int, error) {
	if off >= s.size {
		return 0, nil
	}
	if rest := s.size - off; uint64(len(buf)) > rest {
		buf = buf[:rest]
	}
	n, err := s.f.ReadAt(buf, int64(off))
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, &IOError{Cause: errors.Wrapf(err, "read at %d", off)}
	}
	return n, nil
}

func (s *fileSource) Close() error { return s.f.Close() }

// Open dispatches on the address scheme: plain paths open local files,
// sftp://user@host/path opens a remote capture.
func Open(addr string) (Source, error) {
	if strings.HasPrefix(addr, "sftp://") {
		return openSftp(addr)
	}
	return OpenFile(addr)
}

// ReadFull reads exactly len(buf) bytes or reports how many were available.
func ReadFull(src Source, off uint64, buf []byte) (int, error) {
	var read int
	for read < len(buf) {
		n, err := src.ReadAt(off+uint64(read), buf[read:])
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
		read += n
	}
	return read, nil
}
