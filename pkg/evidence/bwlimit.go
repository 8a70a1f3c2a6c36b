// pkg/evidence/bwlimit.go

package evidence

import "github.com/juju/ratelimit"

type bwlimit struct {
	Source
	downLimit *ratelimit.Bucket
}

// NewLimited throttles reads from a source to `down` bytes per second.
func NewLimited(s Source, down int64) Source {
	if down <= 0 {
		return s
	}
	// leave some headroom for seek overheads on spinning media
	return &bwlimit{s, ratelimit.NewBucketWithRate(float64(down)*0.85, down)}
}

func (b *bwlimit) ReadAt(off uint64, buf []byte) (int, error) {
	n, err := b.Source.ReadAt(off, buf)
	if n > 0 {
		b.downLimit.Wait(int64(n))
	}
	return n, err
}
