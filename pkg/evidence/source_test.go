// pkg/evidence/source_test.go

package evidence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvidenceFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.dd")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestFileSourceReadAt(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 256)
	src, err := OpenFile(writeEvidenceFile(t, data))
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, uint64(len(data)), src.Len())

	buf := make([]byte, 8)
	n, err := src.ReadAt(4, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, data[4:12], buf)

	// reads near the end are clipped, not failed
	n, err = src.ReadAt(uint64(len(data))-3, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// reads past the end return zero bytes
	n, err = src.ReadAt(uint64(len(data))+10, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile("/nonexistent/image.dd")
	assert.Error(t, err)
}

func TestBytesSource(t *testing.T) {
	src := NewBytes([]byte("hello world"))
	assert.Equal(t, uint64(11), src.Len())

	buf := make([]byte, 5)
	n, err := src.ReadAt(6, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	n, err = src.ReadAt(100, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadFull(t *testing.T) {
	src := NewBytes(bytes.Repeat([]byte{0xAB}, 100))

	buf := make([]byte, 50)
	n, err := ReadFull(src, 10, buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	// short read at the end of evidence reports what was available
	n, err = ReadFull(src, 80, buf)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestIsIOError(t *testing.T) {
	cause := errors.New("pread failed")
	err := &IOError{Cause: cause}
	assert.True(t, IsIOError(err))
	assert.True(t, IsIOError(errors.Wrap(err, "carving")))
	assert.False(t, IsIOError(cause))
	assert.False(t, IsIOError(nil))
}

func TestNewLimitedPassThrough(t *testing.T) {
	src := NewBytes([]byte("data"))
	assert.Equal(t, src, NewLimited(src, 0))
	assert.NotEqual(t, src, NewLimited(src, 1<<20))

	limited := NewLimited(src, 1<<20)
	buf := make([]byte, 4)
	n, err := limited.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "data", string(buf))
}
