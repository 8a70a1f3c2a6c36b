// pkg/scanner/scanner.go

package scanner

import (
	"Kerf/pkg/chunk"
	"Kerf/pkg/config"
	"Kerf/pkg/utils"
)

var logger = utils.GetLogger("kerf")

// Hit is raw scanner output, addressed relative to the producing chunk.
type Hit struct {
	ChunkID     uint64
	LocalOffset uint64
	PatternID   string
	FileTypeID  string
}

// NormalizedHit is globally addressed and overlap-deduplicated.
type NormalizedHit struct {
	GlobalOffset uint64
	FileTypeID   string
	PatternID    string
}

// SignatureScanner finds raw pattern occurrences within a chunk buffer.
// Backends must be safe for concurrent use; a backend that fails mid-scan
// should return no hits rather than panic.
type SignatureScanner interface {
	ScanChunk(c *chunk.ScanChunk, data []byte) []Hit
}

// Build picks a backend once at pipeline construction. A GPU backend that
// fails to initialize falls back to the CPU implementation transparently.
func Build(cfg *config.Config, gpu bool) (SignatureScanner, error) {
	if gpu {
		s, err := newGpuScanner(cfg)
		if err == nil {
			logger.Infof("signature scanner: gpu backend")
			return s, nil
		}
		logger.Warnf("gpu scanner unavailable, falling back to cpu: %s", err)
	}
	return newCpuScanner(cfg)
}
