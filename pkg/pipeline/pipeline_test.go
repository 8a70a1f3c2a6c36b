// pkg/pipeline/pipeline_test.go

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"Kerf/pkg/carve"
	"Kerf/pkg/config"
	"Kerf/pkg/evidence"
	"Kerf/pkg/metadata"
	"Kerf/pkg/scanner"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	files   []*carve.CarvedFile
	summary *metadata.RunSummary
}

func (s *captureSink) RecordFile(file *carve.CarvedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, file)
	return nil
}

func (s *captureSink) RecordRunSummary(summary *metadata.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	return nil
}

func (s *captureSink) Flush() error { return nil }
func (s *captureSink) Close() error { return nil }

var blobPattern = []byte{0xF0, 0xE1, 0xD2, 0xC3, 0xB4, 0xA5, 0x96, 0x87}

func blobConfig() *config.Config {
	return &config.Config{
		RunID:                     "testrun",
		OverlapBytes:              65536,
		SqlitePageMaxHitsPerChunk: 4096,
		FileTypes: []config.FileTypeConfig{
			{
				ID:        "blob",
				Extension: "bin",
				HeaderPatterns: []config.PatternConfig{
					{ID: "blob_magic", Hex: "f0e1d2c3b4a59687"},
				},
			},
		},
	}
}

func runBlobScan(t *testing.T, data []byte, workers int) *Stats {
	t.Helper()
	cfg := blobConfig()
	sc, err := scanner.Build(cfg, false)
	require.NoError(t, err)

	stats, err := Run(context.Background(), cfg, evidence.NewBytes(data), sc,
		carve.BuildRegistry(cfg), metadata.Discard{}, t.TempDir(), Options{
			Workers:      workers,
			CarveWorkers: 1,
			ChunkSize:    1 << 20,
			Overlap:      65536,
		})
	require.NoError(t, err)
	return stats
}

func TestBoundaryHitsReportedExactlyOnce(t *testing.T) {
	const mib = 1 << 20
	data := make([]byte, 3*mib)
	// one pattern straddling the first chunk boundary, one inside the
	// first chunk's trailing overlap, one at exactly a chunk start
	copy(data[mib-4:], blobPattern)
	copy(data[mib+10:], blobPattern)
	copy(data[2*mib:], blobPattern)

	for _, workers := range []int{1, 2, 8} {
		stats := runBlobScan(t, data, workers)
		assert.Equal(t, uint64(3), stats.HitsFound, "workers=%d", workers)
		assert.Equal(t, uint64(3), stats.ChunksProcessed, "workers=%d", workers)
		assert.Equal(t, uint64(3*mib+2*65536), stats.BytesScanned, "workers=%d", workers)
	}
}

func TestScanIsDeterministic(t *testing.T) {
	const mib = 1 << 20
	data := make([]byte, 2*mib)
	copy(data[100:], blobPattern)
	copy(data[mib-4:], blobPattern)
	copy(data[2*mib-8:], blobPattern)

	first := runBlobScan(t, data, 8)
	for i := 0; i < 3; i++ {
		stats := runBlobScan(t, data, 8)
		assert.Equal(t, first.HitsFound, stats.HitsFound)
		assert.Equal(t, first.BytesScanned, stats.BytesScanned)
	}
	assert.Equal(t, uint64(3), first.HitsFound)
}

func jpegAt(data []byte, offset int, fill byte) {
	body := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	for i := 0; i < 100; i++ {
		body = append(body, fill)
	}
	body = append(body, 0xFF, 0xD9)
	copy(data[offset:], body)
}

func jpegConfig() *config.Config {
	return &config.Config{
		RunID:                     "testrun",
		OverlapBytes:              65536,
		SqlitePageMaxHitsPerChunk: 4096,
		FileTypes: []config.FileTypeConfig{
			{
				ID:        "jpeg",
				Extension: "jpg",
				HeaderPatterns: []config.PatternConfig{
					{ID: "jpeg_soi_jfif", Hex: "ffd8ffe0"},
				},
				MinSize: 16,
			},
		},
	}
}

func TestDedupSkipsIdenticalContent(t *testing.T) {
	data := make([]byte, 8192)
	jpegAt(data, 100, 0x20)
	jpegAt(data, 5000, 0x20)

	cfg := jpegConfig()
	sc, err := scanner.Build(cfg, false)
	require.NoError(t, err)
	sink := &captureSink{}
	outDir := t.TempDir()

	stats, err := Run(context.Background(), cfg, evidence.NewBytes(data), sc,
		carve.BuildRegistry(cfg), sink, outDir, Options{
			Workers:      2,
			CarveWorkers: 2,
			ChunkSize:    1 << 20,
			Overlap:      65536,
			Dedup:        true,
		})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), stats.HitsFound)
	assert.Equal(t, uint64(1), stats.FilesCarved)
	assert.Equal(t, uint64(1), stats.DuplicatesSkipped)
	require.Len(t, sink.files, 1)

	// the duplicate's bytes are gone from disk
	entries, err := os.ReadDir(filepath.Join(outDir, "jpeg"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NotNil(t, sink.summary)
	assert.Equal(t, uint64(1), sink.summary.FilesCarved)
	assert.Equal(t, uint64(1), sink.summary.DuplicatesSkipped)
}

func TestMaxFilesStopsCarving(t *testing.T) {
	data := make([]byte, 8192)
	jpegAt(data, 100, 0x20)
	jpegAt(data, 5000, 0x21)

	cfg := jpegConfig()
	sc, err := scanner.Build(cfg, false)
	require.NoError(t, err)
	sink := &captureSink{}

	stats, err := Run(context.Background(), cfg, evidence.NewBytes(data), sc,
		carve.BuildRegistry(cfg), sink, t.TempDir(), Options{
			Workers:      1,
			CarveWorkers: 1,
			ChunkSize:    1 << 20,
			Overlap:      65536,
			MaxFiles:     1,
		})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.FilesCarved)
	assert.Len(t, sink.files, 1)
}

func TestMaxChunksStopsReading(t *testing.T) {
	data := make([]byte, 3<<20)
	stats := func() *Stats {
		cfg := blobConfig()
		sc, err := scanner.Build(cfg, false)
		require.NoError(t, err)
		stats, err := Run(context.Background(), cfg, evidence.NewBytes(data), sc,
			carve.BuildRegistry(cfg), metadata.Discard{}, t.TempDir(), Options{
				Workers:   1,
				ChunkSize: 1 << 20,
				Overlap:   65536,
				MaxChunks: 2,
			})
		require.NoError(t, err)
		return stats
	}()
	assert.Equal(t, uint64(2), stats.ChunksProcessed)
}

func TestCancelledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := blobConfig()
	sc, err := scanner.Build(cfg, false)
	require.NoError(t, err)
	stats, err := Run(ctx, cfg, evidence.NewBytes(make([]byte, 4<<20)), sc,
		carve.BuildRegistry(cfg), metadata.Discard{}, t.TempDir(), Options{
			Workers:   2,
			ChunkSize: 1 << 20,
			Overlap:   65536,
		})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.ChunksProcessed)
}

type brokenSource struct {
	size uint64
}

func (s *brokenSource) Len() uint64 { return s.size }
func (s *brokenSource) ReadAt(off uint64, buf []byte) (int, error) {
	return 0, &evidence.IOError{Cause: errors.New("bad sector")}
}
func (s *brokenSource) Close() error { return nil }

func TestUnreadableEvidenceIsFatal(t *testing.T) {
	cfg := blobConfig()
	sc, err := scanner.Build(cfg, false)
	require.NoError(t, err)

	_, err = Run(context.Background(), cfg, &brokenSource{size: 4 << 20}, sc,
		carve.BuildRegistry(cfg), metadata.Discard{}, t.TempDir(), Options{
			Workers:   2,
			ChunkSize: 1 << 20,
			Overlap:   65536,
		})
	require.Error(t, err)
	assert.True(t, evidence.IsIOError(err))
}

func TestCarveLimiter(t *testing.T) {
	l := newCarveLimiter(2)
	assert.False(t, l.shouldStop())
	l.add()
	assert.False(t, l.shouldStop())
	l.add()
	assert.True(t, l.shouldStop())
	assert.Equal(t, uint64(2), l.count())

	unlimited := newCarveLimiter(0)
	for i := 0; i < 100; i++ {
		unlimited.add()
	}
	assert.False(t, unlimited.shouldStop())
}

func TestDedupIndex(t *testing.T) {
	d := newDedupIndex()
	assert.False(t, d.observe(1, 100))
	assert.True(t, d.observe(1, 100))
	// same key but different size is treated as distinct content
	assert.False(t, d.observe(1, 200))
	assert.False(t, d.observe(2, 100))
}
