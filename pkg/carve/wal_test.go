// pkg/carve/wal_test.go

package carve

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"Kerf/pkg/config"
	"Kerf/pkg/evidence"
	"Kerf/pkg/scanner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type walFixture struct {
	pageSize  uint32
	salt1     uint32
	salt2     uint32
	bigEndian bool
}

func defaultWalFixture() *walFixture {
	return &walFixture{pageSize: 512, salt1: 0x11223344, salt2: 0x55667788}
}

// build assembles a WAL image: 32-byte header followed by one frame per
// payload, with rolling checksums carried across frames.
func (w *walFixture) build(payloads ...[]byte) []byte {
	header := make([]byte, walHeaderLen)
	magic := uint32(walMagicLittle)
	if w.bigEndian {
		magic = walMagicBig
	}
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], 3007000)
	binary.BigEndian.PutUint32(header[8:12], w.pageSize)
	binary.BigEndian.PutUint32(header[12:16], 1)
	binary.BigEndian.PutUint32(header[16:20], w.salt1)
	binary.BigEndian.PutUint32(header[20:24], w.salt2)

	cksum := walChecksum{bigEndian: w.bigEndian}
	cksum.update(header[0:8])

	out := append([]byte(nil), header...)
	for i, payload := range payloads {
		if uint32(len(payload)) != w.pageSize {
			panic("payload size must equal page size")
		}
		frame := make([]byte, walFrameHeaderLen)
		binary.BigEndian.PutUint32(frame[0:4], uint32(i+1)) // page number
		binary.BigEndian.PutUint32(frame[4:8], 0)
		binary.BigEndian.PutUint32(frame[8:12], w.salt1)
		binary.BigEndian.PutUint32(frame[12:16], w.salt2)
		cksum.update(frame[0:16])
		cksum.update(payload)
		binary.BigEndian.PutUint32(frame[16:20], cksum.s0)
		binary.BigEndian.PutUint32(frame[20:24], cksum.s1)
		out = append(out, frame...)
		out = append(out, payload...)
	}
	return out
}

func (w *walFixture) payload(fill byte) []byte {
	p := make([]byte, w.pageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func walCarve(t *testing.T, data []byte, offset uint64, threshold uint32) (*CarvedFile, string) {
	t.Helper()
	h := newWalHandler(config.FileTypeConfig{ID: "sqlite_wal", Extension: "wal", MinSize: 32}, threshold)
	outDir := t.TempDir()
	ctx := &Context{RunID: "test", OutputRoot: outDir, Evidence: evidence.NewBytes(data)}
	file, err := h.ProcessHit(&scanner.NormalizedHit{GlobalOffset: offset, FileTypeID: "sqlite_wal"}, ctx)
	require.NoError(t, err)
	return file, outDir
}

func TestWalCarveValid(t *testing.T) {
	w := defaultWalFixture()
	wal := w.build(w.payload(0xAA), w.payload(0xBB), w.payload(0xCC))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)

	// junk after the WAL must not extend the carve: page number 0 stops it
	data := append(append([]byte(nil), wal...), make([]byte, 4096)...)
	file, outDir := walCarve(t, data, 0, 2)
	require.NotNil(t, file)

	assert.Equal(t, uint64(walHeaderLen)+3*frameLen, file.Size)
	assert.True(t, file.Validated)
	assert.False(t, file.Truncated)
	assert.Empty(t, file.Errors)
	assert.Equal(t, uint64(0), file.GlobalStart)
	assert.Equal(t, file.Size-1, file.GlobalEnd)

	carved, err := os.ReadFile(filepath.Join(outDir, file.Path))
	require.NoError(t, err)
	assert.Equal(t, wal, carved)
}

func TestWalCarveAtOffset(t *testing.T) {
	w := defaultWalFixture()
	wal := w.build(w.payload(0x01))
	data := append(make([]byte, 1000), wal...)
	file, _ := walCarve(t, data, 1000, 2)
	require.NotNil(t, file)
	assert.Equal(t, uint64(1000), file.GlobalStart)
	assert.Equal(t, uint64(walHeaderLen+walFrameHeaderLen)+uint64(w.pageSize), file.Size)
	assert.True(t, file.Validated)
}

func TestWalCarveBigEndianChecksums(t *testing.T) {
	w := defaultWalFixture()
	w.bigEndian = true
	file, _ := walCarve(t, w.build(w.payload(0x42), w.payload(0x43)), 0, 2)
	require.NotNil(t, file)
	assert.True(t, file.Validated)
	assert.Equal(t, uint64(walHeaderLen)+2*(uint64(walFrameHeaderLen)+uint64(w.pageSize)), file.Size)
}

func TestWalChecksumFailuresWithinThreshold(t *testing.T) {
	w := defaultWalFixture()
	data := w.build(w.payload(0xAA), w.payload(0xBB), w.payload(0xCC))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)

	// corrupting frame 2's payload breaks its checksum and, because the
	// checksum rolls, frame 3's as well
	data[walHeaderLen+int(frameLen)+walFrameHeaderLen+10] ^= 0xFF

	file, _ := walCarve(t, data, 0, 2)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+3*frameLen, file.Size)
	assert.False(t, file.Validated)
	assert.False(t, file.Truncated)
	require.Len(t, file.Errors, 1)
	assert.Contains(t, file.Errors[0], "checksum mismatch in 2 frame(s)")
}

func TestWalChecksumFailureExhaustsThreshold(t *testing.T) {
	w := defaultWalFixture()
	data := w.build(w.payload(0xAA), w.payload(0xBB), w.payload(0xCC))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)
	data[walHeaderLen+int(frameLen)+walFrameHeaderLen+10] ^= 0xFF

	// threshold 1: frame 2 is retained, frame 3 trips the budget and is cut
	file, _ := walCarve(t, data, 0, 1)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+2*frameLen, file.Size)
	assert.False(t, file.Validated)
	require.Len(t, file.Errors, 1)
	assert.Contains(t, file.Errors[0], "checksum mismatch in 1 frame(s)")

	// threshold 0: the walk stops right at the corrupt frame, and what
	// remains is fully verified
	file, _ = walCarve(t, data, 0, 0)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+frameLen, file.Size)
	assert.True(t, file.Validated)
	assert.Empty(t, file.Errors)
}

func TestWalSaltMismatchStopsWalk(t *testing.T) {
	w := defaultWalFixture()
	data := w.build(w.payload(0xAA), w.payload(0xBB))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)

	// frame 2 belongs to a different WAL generation
	binary.BigEndian.PutUint32(data[walHeaderLen+int(frameLen)+8:], w.salt1+1)

	file, _ := walCarve(t, data, 0, 2)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+frameLen, file.Size)
	assert.True(t, file.Validated)
}

func TestWalZeroPageNumberStopsWalk(t *testing.T) {
	w := defaultWalFixture()
	data := w.build(w.payload(0xAA), w.payload(0xBB))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)
	binary.BigEndian.PutUint32(data[walHeaderLen+int(frameLen):], 0)

	file, _ := walCarve(t, data, 0, 2)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+frameLen, file.Size)
}

func TestWalTruncatedFrame(t *testing.T) {
	w := defaultWalFixture()
	full := w.build(w.payload(0xAA), w.payload(0xBB))
	frameLen := uint64(walFrameHeaderLen) + uint64(w.pageSize)

	// evidence ends inside frame 2's payload
	data := full[:walHeaderLen+int(frameLen)+300]
	file, _ := walCarve(t, data, 0, 2)
	require.NotNil(t, file)
	assert.Equal(t, uint64(walHeaderLen)+frameLen, file.Size)
	assert.False(t, file.Validated)
	assert.True(t, file.Truncated)
	assert.Contains(t, file.Errors, "eof before WAL frame end")
}

func TestWalHeaderOnlyRejected(t *testing.T) {
	w := defaultWalFixture()
	file, _ := walCarve(t, w.build(), 0, 2)
	assert.Nil(t, file)
}

func TestWalUndersizedDiscarded(t *testing.T) {
	w := defaultWalFixture()
	data := w.build(w.payload(0x33))
	h := newWalHandler(config.FileTypeConfig{ID: "sqlite_wal", Extension: "wal", MinSize: 1 << 20}, 2)
	ctx := &Context{RunID: "test", OutputRoot: t.TempDir(), Evidence: evidence.NewBytes(data)}
	file, err := h.ProcessHit(&scanner.NormalizedHit{GlobalOffset: 0}, ctx)
	require.NoError(t, err)
	assert.Nil(t, file)
}

func TestParseWalHeader(t *testing.T) {
	w := defaultWalFixture()
	header := w.build()[:walHeaderLen]

	h := parseWalHeader(header)
	require.NotNil(t, h)
	assert.Equal(t, uint32(512), h.pageSize)
	assert.Equal(t, w.salt1, h.salt1)
	assert.Equal(t, w.salt2, h.salt2)
	assert.False(t, h.bigEndian)

	// encoded page size 1 means 65536
	big := append([]byte(nil), header...)
	binary.BigEndian.PutUint32(big[8:12], 1)
	h = parseWalHeader(big)
	require.NotNil(t, h)
	assert.Equal(t, uint32(65536), h.pageSize)

	// non-power-of-two page size
	bad := append([]byte(nil), header...)
	binary.BigEndian.PutUint32(bad[8:12], 600)
	assert.Nil(t, parseWalHeader(bad))

	// unknown magic
	bad = append([]byte(nil), header...)
	binary.BigEndian.PutUint32(bad[0:4], 0x12345678)
	assert.Nil(t, parseWalHeader(bad))

	assert.Nil(t, parseWalHeader(header[:16]))
}
