// pkg/scanner/cpu.go

package scanner

import (
	"bytes"
	"encoding/hex"
	"strings"

	"Kerf/pkg/chunk"
	"Kerf/pkg/config"

	"github.com/pkg/errors"
)

type pattern struct {
	id         string
	fileTypeID string
	bytes      []byte
}

type cpuScanner struct {
	patterns []pattern
}

func newCpuScanner(cfg *config.Config) (*cpuScanner, error) {
	var patterns []pattern
	for _, ft := range cfg.FileTypes {
		for _, p := range ft.HeaderPatterns {
			raw, err := hex.DecodeString(strings.TrimSpace(p.Hex))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid hex pattern %s", p.ID)
			}
			if len(raw) == 0 {
				continue
			}
			patterns = append(patterns, pattern{
				id:         p.ID,
				fileTypeID: ft.ID,
				bytes:      raw,
			})
		}
	}
	return &cpuScanner{patterns: patterns}, nil
}

func (s *cpuScanner) ScanChunk(c *chunk.ScanChunk, data []byte) []Hit {
	var hits []Hit
	for i := range s.patterns {
		p := &s.patterns[i]
		first := p.bytes[0]
		pos := 0
		for pos < len(data) {
			idx := bytes.IndexByte(data[pos:], first)
			if idx < 0 {
				break
			}
			idx += pos
			if idx+len(p.bytes) <= len(data) && bytes.Equal(data[idx:idx+len(p.bytes)], p.bytes) {
				hits = append(hits, Hit{
					ChunkID:     c.ID,
					LocalOffset: uint64(idx),
					PatternID:   p.id,
					FileTypeID:  p.fileTypeID,
				})
			}
			pos = idx + 1
		}
	}
	return hits
}
