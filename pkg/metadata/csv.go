// pkg/metadata/csv.go

package metadata

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"Kerf/pkg/carve"

	"github.com/pkg/errors"
)

type csvSink struct {
	runDir string
	f      *os.File
	w      *csv.Writer
}

var csvHeader = []string{
	"run_id", "file_type", "path", "extension",
	"global_start", "global_end", "size",
	"md5", "sha256", "validated", "truncated", "errors", "pattern_id",
}

func newCsvSink(runDir string) (*csvSink, error) {
	name := filepath.Join(runDir, "files.csv")
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &csvSink{runDir: runDir, f: f, w: w}, nil
}

func (s *csvSink) RecordFile(file *carve.CarvedFile) error {
	return s.w.Write([]string{
		file.RunID,
		file.FileType,
		file.Path,
		file.Extension,
		strconv.FormatUint(file.GlobalStart, 10),
		strconv.FormatUint(file.GlobalEnd, 10),
		strconv.FormatUint(file.Size, 10),
		file.MD5,
		file.SHA256,
		strconv.FormatBool(file.Validated),
		strconv.FormatBool(file.Truncated),
		strings.Join(file.Errors, "; "),
		file.PatternID,
	})
}

func (s *csvSink) RecordRunSummary(summary *RunSummary) error {
	name := filepath.Join(s.runDir, "summary.csv")
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"run_id", "bytes_scanned", "chunks_processed", "hits_found", "files_carved", "duplicates_skipped", "carve_errors", "metadata_errors"}); err != nil {
		return err
	}
	if err := w.Write([]string{
		summary.RunID,
		strconv.FormatUint(summary.BytesScanned, 10),
		strconv.FormatUint(summary.ChunksProcessed, 10),
		strconv.FormatUint(summary.HitsFound, 10),
		strconv.FormatUint(summary.FilesCarved, 10),
		strconv.FormatUint(summary.DuplicatesSkipped, 10),
		strconv.FormatUint(summary.CarveErrors, 10),
		strconv.FormatUint(summary.MetadataErrors, 10),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (s *csvSink) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

func (s *csvSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
