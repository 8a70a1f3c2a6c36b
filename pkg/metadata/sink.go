// pkg/metadata/sink.go

package metadata

import (
	"strings"

	"Kerf/pkg/carve"
	"Kerf/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("kerf")

// RunSummary is the terminal record for a run.
type RunSummary struct {
	RunID             string `json:"run_id"`
	BytesScanned      uint64 `json:"bytes_scanned"`
	ChunksProcessed   uint64 `json:"chunks_processed"`
	HitsFound         uint64 `json:"hits_found"`
	FilesCarved       uint64 `json:"files_carved"`
	DuplicatesSkipped uint64 `json:"duplicates_skipped"`
	CarveErrors       uint64 `json:"carve_errors"`
	MetadataErrors    uint64 `json:"metadata_errors"`
}

// Sink persists CarvedFile records and the run summary. Implementations are
// driven by a single writer goroutine; they do not need internal locking.
type Sink interface {
	RecordFile(file *carve.CarvedFile) error
	RecordRunSummary(summary *RunSummary) error
	Flush() error
	Close() error
}

// Build selects a sink by backend name: "jsonl", "csv", or "redis://…".
func Build(backend, runID, runDir string, compress bool) (Sink, error) {
	switch {
	case backend == "jsonl" || backend == "":
		return newJsonlSink(runDir, compress)
	case backend == "csv":
		return newCsvSink(runDir)
	case strings.HasPrefix(backend, "redis://"), strings.HasPrefix(backend, "rediss://"):
		return newRedisSink(backend, runID)
	default:
		return nil, errors.Errorf("unknown metadata backend %q", backend)
	}
}

// Discard is the --dry-run sink.
type Discard struct{}

func (Discard) RecordFile(*carve.CarvedFile) error { return nil }
func (Discard) RecordRunSummary(*RunSummary) error { return nil }
func (Discard) Flush() error                       { return nil }
func (Discard) Close() error                       { return nil }
