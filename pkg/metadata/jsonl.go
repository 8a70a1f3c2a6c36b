// pkg/metadata/jsonl.go

package metadata

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"Kerf/pkg/carve"

	"github.com/DataDog/zstd"
	"github.com/pkg/errors"
)

// jsonlSink appends one JSON object per line to files.jsonl (optionally
// zstd-compressed) and writes summary.json at the end of the run.
type jsonlSink struct {
	runDir string
	f      *os.File
	zw     io.WriteCloser
	w      *bufio.Writer
	enc    *json.Encoder
}

func newJsonlSink(runDir string, compress bool) (*jsonlSink, error) {
	name := filepath.Join(runDir, "files.jsonl")
	if compress {
		name += ".zst"
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	s := &jsonlSink{runDir: runDir, f: f}
	var out io.Writer = f
	if compress {
		s.zw = zstd.NewWriter(f)
		out = s.zw
	}
	s.w = bufio.NewWriter(out)
	s.enc = json.NewEncoder(s.w)
	return s, nil
}

func (s *jsonlSink) RecordFile(file *carve.CarvedFile) error {
	return s.enc.Encode(file)
}

func (s *jsonlSink) RecordRunSummary(summary *RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	name := filepath.Join(s.runDir, "summary.json")
	return os.WriteFile(name, append(data, '\n'), 0644)
}

func (s *jsonlSink) Flush() error {
	return s.w.Flush()
}

func (s *jsonlSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			return err
		}
	}
	return s.f.Close()
}
