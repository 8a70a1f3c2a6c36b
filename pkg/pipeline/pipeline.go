// pkg/pipeline/pipeline.go

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"Kerf/pkg/carve"
	"Kerf/pkg/chunk"
	"Kerf/pkg/config"
	"Kerf/pkg/evidence"
	"Kerf/pkg/metadata"
	"Kerf/pkg/scanner"
	"Kerf/pkg/utils"

	"github.com/vbauerster/mpb/v8"
)

var logger = utils.GetLogger("kerf")

// Options tunes one pipeline run.
type Options struct {
	Workers      int    // scan workers
	CarveWorkers int    // carve workers
	ChunkSize    uint64 // authoritative span per chunk
	Overlap      uint64 // trailing overlap bytes
	MaxBytes     uint64 // 0 = unlimited
	MaxChunks    uint64
	MaxFiles     uint64
	Dedup        bool
	Bar          *mpb.Bar // optional progress
}

// Counters carries the run-level atomics. It is passed explicitly so that
// multiple runs can coexist in one process.
type Counters struct {
	BytesScanned      uint64
	ChunksProcessed   uint64
	HitsFound         uint64
	DuplicatesSkipped uint64
	CarveErrors       uint64
	MetadataErrors    uint64
}

// Stats is the immutable result of a finished run.
type Stats struct {
	BytesScanned      uint64
	ChunksProcessed   uint64
	HitsFound         uint64
	FilesCarved       uint64
	DuplicatesSkipped uint64
	CarveErrors       uint64
	MetadataErrors    uint64
}

// Issues counts the recoverable problems of a run; a non-zero value still
// means a clean exit, distinct from a fatal abort.
func (s *Stats) Issues() uint64 {
	return s.CarveErrors + s.MetadataErrors
}

type scanJob struct {
	chunk chunk.ScanChunk
	data  []byte
}

type metaEvent struct {
	file    *carve.CarvedFile
	summary *metadata.RunSummary
}

type runner struct {
	cfg      *config.Config
	ev       evidence.Source
	scanner  scanner.SignatureScanner
	registry *carve.Registry
	sink     metadata.Sink
	carveCtx *carve.Context
	opts     Options

	counters Counters
	limiter  *carveLimiter
	dedup    *dedupIndex

	cancel    context.CancelFunc
	fatalOnce sync.Once
	fatalErr  error
}

// Run drives one scan: a single sequential reader, Workers scan workers,
// CarveWorkers carve workers and exactly one metadata writer, chained by
// bounded channels. A full channel suspends its producer, which bounds
// peak memory to (1 + Workers + CarveWorkers) chunk buffers.
func Run(ctx context.Context, cfg *config.Config, ev evidence.Source,
	sc scanner.SignatureScanner, registry *carve.Registry, sink metadata.Sink,
	outputRoot string, opts Options) (*Stats, error) {

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CarveWorkers < 1 {
		opts.CarveWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &runner{
		cfg:      cfg,
		ev:       ev,
		scanner:  sc,
		registry: registry,
		sink:     sink,
		carveCtx: &carve.Context{RunID: cfg.RunID, OutputRoot: outputRoot, Evidence: ev},
		opts:     opts,
		limiter:  newCarveLimiter(opts.MaxFiles),
		cancel:   cancel,
	}
	if opts.Dedup {
		r.dedup = newDedupIndex()
	}
	return r.run(ctx)
}

func (r *runner) fatal(err error) {
	r.fatalOnce.Do(func() {
		r.fatalErr = err
		r.cancel()
	})
}

func (r *runner) run(ctx context.Context) (*Stats, error) {
	capacity := r.opts.Workers * 2
	if capacity < 4 {
		capacity = 4
	}
	scanCh := make(chan scanJob, capacity)
	hitCh := make(chan scanner.NormalizedHit, capacity*2)
	metaCh := make(chan metaEvent, capacity*2)

	var scanWg, carveWg, metaWg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		scanWg.Add(1)
		go r.scanWorker(&scanWg, scanCh, hitCh)
	}
	for i := 0; i < r.opts.CarveWorkers; i++ {
		carveWg.Add(1)
		go r.carveWorker(ctx, &carveWg, hitCh, metaCh)
	}
	metaWg.Add(1)
	go r.metadataWriter(&metaWg, metaCh)

	r.readLoop(ctx, scanCh)

	close(scanCh)
	scanWg.Wait()
	close(hitCh)
	carveWg.Wait()

	stats := &Stats{
		BytesScanned:      atomic.LoadUint64(&r.counters.BytesScanned),
		ChunksProcessed:   atomic.LoadUint64(&r.counters.ChunksProcessed),
		HitsFound:         atomic.LoadUint64(&r.counters.HitsFound),
		FilesCarved:       r.limiter.count(),
		DuplicatesSkipped: atomic.LoadUint64(&r.counters.DuplicatesSkipped),
		CarveErrors:       atomic.LoadUint64(&r.counters.CarveErrors),
	}
	metaCh <- metaEvent{summary: &metadata.RunSummary{
		RunID:             r.cfg.RunID,
		BytesScanned:      stats.BytesScanned,
		ChunksProcessed:   stats.ChunksProcessed,
		HitsFound:         stats.HitsFound,
		FilesCarved:       stats.FilesCarved,
		DuplicatesSkipped: stats.DuplicatesSkipped,
		CarveErrors:       stats.CarveErrors,
		MetadataErrors:    atomic.LoadUint64(&r.counters.MetadataErrors),
	}}
	close(metaCh)
	metaWg.Wait()
	stats.MetadataErrors = atomic.LoadUint64(&r.counters.MetadataErrors)

	if err := r.sink.Flush(); err != nil {
		logger.Warnf("metadata flush: %s", err)
		stats.MetadataErrors++
	}
	if r.opts.Bar != nil {
		r.opts.Bar.SetCurrent(int64(stats.BytesScanned))
		r.opts.Bar.Abort(false)
	}

	logger.Infof("run_summary bytes_scanned=%d chunks_processed=%d hits_found=%d files_carved=%d duplicates_skipped=%d carve_errors=%d metadata_errors=%d",
		stats.BytesScanned, stats.ChunksProcessed, stats.HitsFound,
		stats.FilesCarved, stats.DuplicatesSkipped, stats.CarveErrors, stats.MetadataErrors)

	return stats, r.fatalErr
}

// readLoop is the single sequential reader: it materializes chunk buffers
// and pushes them onto the bounded scan queue, blocking when it is full.
func (r *runner) readLoop(ctx context.Context, scanCh chan<- scanJob) {
	totalLen := r.ev.Len()
	chunks := chunk.Plan(totalLen, r.opts.ChunkSize, r.opts.Overlap)

	for i := range chunks {
		c := chunks[i]
		if ctx.Err() != nil {
			logger.Infof("shutdown requested; stopping reader")
			return
		}
		if r.limiter.shouldStop() {
			logger.Infof("max_files limit reached; stopping early")
			return
		}
		if r.opts.MaxChunks > 0 && c.ID >= r.opts.MaxChunks {
			logger.Infof("max_chunks limit reached; stopping early")
			return
		}
		scanned := atomic.LoadUint64(&r.counters.BytesScanned)
		if r.opts.MaxBytes > 0 && scanned >= r.opts.MaxBytes {
			logger.Infof("max_bytes limit reached; stopping early")
			return
		}

		length := c.Length
		if r.opts.MaxBytes > 0 && scanned+length > r.opts.MaxBytes {
			length = r.opts.MaxBytes - scanned
		}
		data := make([]byte, length)
		n, err := evidence.ReadFull(r.ev, c.Start, data)
		if err != nil {
			r.fatal(err)
			return
		}
		if n == 0 {
			return
		}
		data = data[:n]

		atomic.AddUint64(&r.counters.BytesScanned, uint64(n))
		atomic.AddUint64(&r.counters.ChunksProcessed, 1)
		if r.opts.Bar != nil {
			r.opts.Bar.SetCurrent(int64(atomic.LoadUint64(&r.counters.BytesScanned)))
		}

		select {
		case scanCh <- scanJob{chunk: c, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// scanWorker runs the signature backend over chunk buffers and keeps only
// the hits inside the chunk's authoritative span: the trailing overlap is
// the next chunk's territory and will be re-reported there. The rule needs
// no cross-chunk coordination, so chunks may be scanned in any order.
func (r *runner) scanWorker(wg *sync.WaitGroup, scanCh <-chan scanJob, hitCh chan<- scanner.NormalizedHit) {
	defer wg.Done()
	for job := range scanCh {
		effectiveValid := job.chunk.ValidLength
		if l := uint64(len(job.data)); l < effectiveValid {
			effectiveValid = l
		}

		pageHits := 0
		for _, hit := range r.scanner.ScanChunk(&job.chunk, job.data) {
			if hit.LocalOffset >= effectiveValid {
				continue
			}
			if hit.FileTypeID == "sqlite_page" {
				// leaf markers are single bytes; cap the flood per chunk
				if pageHits >= r.cfg.SqlitePageMaxHitsPerChunk {
					continue
				}
				pageHits++
			}
			atomic.AddUint64(&r.counters.HitsFound, 1)
			hitCh <- scanner.NormalizedHit{
				GlobalOffset: job.chunk.Start + hit.LocalOffset,
				FileTypeID:   hit.FileTypeID,
				PatternID:    hit.PatternID,
			}
		}
	}
}

func (r *runner) carveWorker(ctx context.Context, wg *sync.WaitGroup, hitCh <-chan scanner.NormalizedHit, metaCh chan<- metaEvent) {
	defer wg.Done()
	for hit := range hitCh {
		if ctx.Err() != nil || r.limiter.shouldStop() {
			continue // drain
		}
		handler := r.registry.Get(hit.FileTypeID)
		if handler == nil {
			logger.Debugf("no handler for file_type=%s", hit.FileTypeID)
			continue
		}
		file, err := handler.ProcessHit(&hit, r.carveCtx)
		if err != nil {
			if evidence.IsIOError(err) {
				logger.Errorf("evidence unreadable at offset %d: %s", hit.GlobalOffset, err)
				r.fatal(err)
				continue
			}
			atomic.AddUint64(&r.counters.CarveErrors, 1)
			logger.Warnf("carve error at offset %d: %s", hit.GlobalOffset, err)
			continue
		}
		if file == nil {
			continue
		}
		if r.dedup != nil && r.dedup.observe(file.ContentKey, file.Size) {
			atomic.AddUint64(&r.counters.DuplicatesSkipped, 1)
			removeCarvedBytes(r.carveCtx.OutputRoot, file.Path)
			continue
		}
		if total, reached := r.limiter.add(); reached {
			logger.Infof("max_files cap reached after %d file(s)", total)
		}
		metaCh <- metaEvent{file: file}
	}
}

// metadataWriter is the single consumer of the output sink.
func (r *runner) metadataWriter(wg *sync.WaitGroup, metaCh <-chan metaEvent) {
	defer wg.Done()
	for ev := range metaCh {
		var err error
		switch {
		case ev.file != nil:
			err = r.sink.RecordFile(ev.file)
		case ev.summary != nil:
			err = r.sink.RecordRunSummary(ev.summary)
		}
		if err != nil {
			atomic.AddUint64(&r.counters.MetadataErrors, 1)
			logger.Warnf("metadata record error: %s", err)
		}
	}
}
