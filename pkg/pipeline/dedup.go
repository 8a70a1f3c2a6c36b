// pkg/pipeline/dedup.go

package pipeline

import (
	"os"
	"path/filepath"
	"sync"
)

// dedupIndex tracks content keys of already-carved bytes. Reads dominate
// writes on high-duplication images, hence the reader-writer lock.
type dedupIndex struct {
	mu   sync.RWMutex
	seen map[uint64]uint64 // content key -> size
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{seen: make(map[uint64]uint64)}
}

// observe reports true when identical bytes were carved before. Key
// collisions across different sizes are treated as distinct content.
func (d *dedupIndex) observe(key, size uint64) bool {
	d.mu.RLock()
	prev, ok := d.seen[key]
	d.mu.RUnlock()
	if ok && prev == size {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.seen[key]; ok && prev == size {
		return true
	}
	d.seen[key] = size
	return false
}

// removeCarvedBytes deletes the on-disk copy of a duplicate carve. The
// metadata record is dropped with it, so failure to unlink only wastes disk.
func removeCarvedBytes(outputRoot, relPath string) {
	if relPath == "" {
		return
	}
	_ = os.Remove(filepath.Join(outputRoot, relPath))
}
