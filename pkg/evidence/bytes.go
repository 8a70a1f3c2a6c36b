// pkg/evidence/bytes.go

package evidence

type bytesSource struct {
	data []byte
}

// NewBytes wraps an in-memory buffer as an evidence source. Used by tests
// and by probe mode on small inputs.
func NewBytes(data []byte) Source {
	return &bytesSource{data: data}
}

func (s *bytesSource) Len() uint64 { return uint64(len(s.data)) }

func (s *bytesSource) ReadAt(off uint64, buf []byte) (int, error) {
	if off >= uint64(len(s.data)) {
		return 0, nil
	}
	return copy(buf, s.data[off:]), nil
}

func (s *bytesSource) Close() error { return nil }
