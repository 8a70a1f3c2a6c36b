// cmd/scan.go

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"Kerf/pkg/carve"
	"Kerf/pkg/config"
	"Kerf/pkg/evidence"
	"Kerf/pkg/metadata"
	"Kerf/pkg/pipeline"
	"Kerf/pkg/scanner"
	"Kerf/pkg/utils"

	"github.com/google/gops/agent"
	"github.com/juicedata/godaemon"
	"github.com/urfave/cli/v2"
)

func makeDaemon(c *cli.Context) error {
	var attrs godaemon.DaemonAttr
	if godaemon.Stage() == 0 {
		// the daemon changes its working dir to /, keep paths usable
		for _, name := range []string{"output", "config"} {
			if v := c.String(name); v != "" {
				if abs, err := filepath.Abs(v); err == nil {
					_ = c.Set(name, abs)
				}
			}
		}
		logfile := c.String("log")
		var err error
		attrs.Stdout, err = os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("open log file %s: %s", logfile, err)
		}
	}
	_, _, err := godaemon.MakeDaemon(&attrs)
	if err == nil {
		utils.SetOutFile(c.String("log"))
	}
	return err
}

func loadScanConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("overlap-kib") {
		cfg.OverlapBytes = c.Uint64("overlap-kib") << 10
	}
	if c.IsSet("max-files") {
		cfg.MaxFiles = c.Uint64("max-files")
	}
	if c.IsSet("max-bytes") {
		cfg.MaxBytes = c.Uint64("max-bytes")
	}
	if c.IsSet("max-chunks") {
		cfg.MaxChunks = c.Uint64("max-chunks")
	}
	if c.Bool("dedup") {
		cfg.EnableDedup = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func scan(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("EVIDENCE path is required")
	}
	addr := c.Args().Get(0)

	if c.Bool("background") {
		if err := makeDaemon(c); err != nil {
			logger.Fatalf("daemonize: %s", err)
		}
	}
	if c.Bool("gops") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warnf("gops agent: %s", err)
		}
	}

	cfg, err := loadScanConfig(c)
	if err != nil {
		logger.Fatalf("configuration: %s", err)
	}

	ev, err := evidence.Open(addr)
	if err != nil {
		logger.Fatalf("open evidence: %s", err)
	}
	defer ev.Close()
	if bw := c.Int64("bwlimit"); bw > 0 {
		ev = evidence.NewLimited(ev, bw<<20)
	}

	runDir := filepath.Join(c.String("output"), cfg.RunID)
	carvedRoot := filepath.Join(runDir, "carved")
	if !c.Bool("dry-run") {
		if err := os.MkdirAll(carvedRoot, 0755); err != nil {
			logger.Fatalf("create run dir %s: %s", runDir, err)
		}
	} else {
		carvedRoot = filepath.Join(os.TempDir(), "kerf-dryrun-"+cfg.RunID)
		defer os.RemoveAll(carvedRoot)
	}

	var sink metadata.Sink
	if c.Bool("dry-run") {
		sink = metadata.Discard{}
	} else {
		sink, err = metadata.Build(c.String("metadata"), cfg.RunID, runDir, c.Bool("compress-metadata"))
		if err != nil {
			logger.Fatalf("metadata sink: %s", err)
		}
	}
	defer sink.Close()

	sc, err := scanner.Build(cfg, c.Bool("gpu"))
	if err != nil {
		logger.Fatalf("signature scanner: %s", err)
	}
	registry := carve.BuildRegistry(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("received %s, draining pipeline", sig)
		cancel()
	}()

	progress, bar := utils.NewScanProgressBar("scanning", int64(ev.Len()), c.Bool("quiet") || c.Bool("background"))

	logger.Infof("run %s: evidence %s (%d bytes), %d scan + %d carve workers",
		cfg.RunID, addr, ev.Len(), c.Int("workers"), c.Int("carve-workers"))
	start := time.Now()
	stats, err := pipeline.Run(ctx, cfg, ev, sc, registry, sink, carvedRoot, pipeline.Options{
		Workers:      c.Int("workers"),
		CarveWorkers: c.Int("carve-workers"),
		ChunkSize:    c.Uint64("chunk-mib") << 20,
		Overlap:      cfg.OverlapBytes,
		MaxBytes:     cfg.MaxBytes,
		MaxChunks:    cfg.MaxChunks,
		MaxFiles:     cfg.MaxFiles,
		Dedup:        cfg.EnableDedup,
		Bar:          bar,
	})
	progress.Wait()

	ru := utils.GetRusage()
	logger.Infof("finished in %s (cpu: user %.2fs sys %.2fs)",
		time.Since(start).Round(time.Millisecond), ru.GetUtime(), ru.GetStime())

	if err != nil {
		logger.Errorf("run aborted: %s", err)
		return err
	}
	if issues := stats.Issues(); issues > 0 {
		logger.Warnf("run completed with %d recoverable issue(s)", issues)
		return cli.Exit("", 2)
	}
	return nil
}

func scanFlags() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "scan an evidence image or device and carve recognized artifacts",
		ArgsUsage: "EVIDENCE",
		Action:    scan,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "output",
				Usage:   "directory to hold per-run output",
			},
			&cli.IntFlag{
				Name:  "workers",
				Value: runtime.NumCPU(),
				Usage: "number of scan workers",
			},
			&cli.IntFlag{
				Name:  "carve-workers",
				Value: 2,
				Usage: "number of carve workers",
			},
			&cli.Uint64Flag{
				Name:  "chunk-mib",
				Value: 64,
				Usage: "chunk size in MiB",
			},
			&cli.Uint64Flag{
				Name:  "overlap-kib",
				Usage: "chunk overlap in KiB (default from config)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path of a YAML config overriding the built-in defaults",
			},
			&cli.StringFlag{
				Name:  "metadata",
				Value: "jsonl",
				Usage: "metadata backend (jsonl, csv or a redis:// URL)",
			},
			&cli.BoolFlag{
				Name:  "compress-metadata",
				Usage: "zstd-compress the JSONL metadata stream",
			},
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit evidence read rate in MiB/s",
			},
			&cli.Uint64Flag{
				Name:  "max-files",
				Usage: "stop after carving this many files",
			},
			&cli.Uint64Flag{
				Name:  "max-bytes",
				Usage: "stop after scanning this many bytes",
			},
			&cli.Uint64Flag{
				Name:  "max-chunks",
				Usage: "stop after scanning this many chunks",
			},
			&cli.BoolFlag{
				Name:  "dedup",
				Usage: "skip re-carving identical content",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "scan and validate but keep neither carves nor metadata",
			},
			&cli.BoolFlag{
				Name:  "gpu",
				Usage: "try the GPU signature backend first",
			},
			&cli.BoolFlag{
				Name:    "background",
				Aliases: []string{"d"},
				Usage:   "run in background",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: "/var/log/kerf.log",
				Usage: "path of log file when running in background",
			},
			&cli.BoolFlag{
				Name:  "gops",
				Usage: "start a gops diagnostics agent",
			},
		},
	}
}
