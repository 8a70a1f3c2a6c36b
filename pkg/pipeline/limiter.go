// pkg/pipeline/limiter.go

package pipeline

import "sync/atomic"

// carveLimiter enforces the cooperative max_files cap across carve workers.
type carveLimiter struct {
	max    uint64 // 0 means unlimited
	carved uint64
}

func newCarveLimiter(max uint64) *carveLimiter {
	return &carveLimiter{max: max}
}

// add counts one carved file and reports whether the cap is now reached.
func (l *carveLimiter) add() (uint64, bool) {
	total := atomic.AddUint64(&l.carved, 1)
	return total, l.max > 0 && total >= l.max
}

func (l *carveLimiter) shouldStop() bool {
	return l.max > 0 && atomic.LoadUint64(&l.carved) >= l.max
}

func (l *carveLimiter) count() uint64 {
	return atomic.LoadUint64(&l.carved)
}
