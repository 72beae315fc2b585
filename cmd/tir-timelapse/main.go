package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/config"
	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/extract"
	"github.com/felixriese/thermal-image-processing/internal/ingest"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/storage"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		input      = flag.String("in", "", "Timelapse container (.tlc)")
		list       = flag.String("list", "", "Semicolon separated list of containers with rotation, date and times")
		endpoint   = flag.String("endpoint", "", "Read a live series from this ZeroMQ endpoint instead of a file")
		record     = flag.String("record", "", "Also record the live series to this .tlc file")
		outputDir  = flag.String("out", "output", "Directory for CSV output")
		layout     = flag.String("layout", "long", "CSV layout: long or grid")
		rotation   = flag.Int("rotation", 0, "Rotate frames clockwise by 0, 90, 180 or 270 degrees")
		timeShift  = flag.Duration("time-shift", 0, "Duration added to every timestamp")
		prefix     = flag.String("prefix", "", "Output file prefix")
		workers    = flag.Int("workers", 4, "Number of frame workers")
		logEvery   = flag.Int("log-every", 100, "Log every Nth skipped live message")
		timeout    = flag.Duration("timeout", 0, "Abort a live series after this long without messages")
		upload     = flag.Bool("upload", false, "Upload results to the configured object storage")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		exit(nil, err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.OutputDir = *outputDir
		case "layout":
			cfg.Layout = *layout
		case "rotation":
			cfg.Rotation = *rotation
		case "time-shift":
			cfg.TimeShift = *timeShift
		case "prefix":
			cfg.Prefix = *prefix
		case "workers":
			cfg.Workers = *workers
		case "endpoint":
			cfg.Ingest.Endpoint = *endpoint
		case "log-every":
			cfg.Ingest.LogEvery = *logEvery
		case "timeout":
			cfg.Ingest.Timeout = *timeout
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		exit(nil, err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		exit(nil, err)
	}
	defer logger.Sync()

	modes := 0
	for _, set := range []bool{*input != "", *list != "", *endpoint != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		exit(logger, errors.New("use exactly one of -in, -list or -endpoint"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lay, err := csvframes.ParseLayout(cfg.Layout)
	if err != nil {
		exit(logger, err)
	}
	base := extract.Options{
		OutputDir: cfg.OutputDir,
		Prefix:    cfg.Prefix,
		Layout:    lay,
		Rotation:  cfg.Rotation,
		TimeShift: cfg.TimeShift,
		Workers:   cfg.Workers,
	}
	if *upload {
		u, err := storage.NewMinIOUploader(storage.Config(cfg.Storage))
		if err != nil {
			exit(logger, err)
		}
		if err := u.EnsureBucket(ctx); err != nil {
			exit(logger, err)
		}
		base.Uploader = u
	}

	switch {
	case *input != "":
		opts := base
		opts.Source = *input
		opts.Name = extract.DefaultName(absPath(*input))
		err = extractFile(ctx, *input, nil, opts, logger)
	case *list != "":
		err = extractList(ctx, *list, base, logger)
	default:
		err = extractLive(ctx, cfg, *record, base, logger)
	}
	if err != nil {
		exit(logger, err)
	}
}

func extractFile(ctx context.Context, path string, entry *extract.ManifestEntry, opts extract.Options, logger *zap.Logger) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if kind := r.Header().Kind; kind != types.KindTimelapse {
		return types.NewDecodeError(path, -1, "container is a %s, want timelapse", kind)
	}
	if entry != nil {
		if err := entry.Check(r.Header()); err != nil {
			return err
		}
	}
	_, err = extract.Run(ctx, r, opts, logger)
	return err
}

// extractList converts every container of a batch list with the rotation and
// schedule of its row.
func extractList(ctx context.Context, path string, base extract.Options, logger *zap.Logger) error {
	entries, err := extract.ReadManifest(path)
	if err != nil {
		return err
	}
	for i, entry := range entries {
		schedule, err := entry.Schedule(time.UTC)
		if err != nil {
			return types.NewValidationError(path, -1, "row %d: %v", i+1, err)
		}
		opts := base
		opts.Source = entry.File
		opts.Rotation = entry.Rotation
		opts.Schedule = schedule
		if opts.Prefix == "" {
			opts.Prefix = entry.Prefix()
		} else {
			opts.Prefix = fmt.Sprintf("%s_%d", base.Prefix, i+1)
		}
		if err := extractFile(ctx, entry.File, &entry, opts, logger); err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("File %d of %d extracted", i+1, len(entries)), zap.String("file", entry.File))
	}
	return nil
}

func extractLive(ctx context.Context, cfg config.AppConfig, recordPath string, opts extract.Options, logger *zap.Logger) error {
	ingestOpts := ingest.Options{
		LogEvery: cfg.Ingest.LogEvery,
		Idle:     cfg.Ingest.Timeout,
	}
	var recorder io.WriteCloser
	if recordPath != "" {
		f, err := os.Create(recordPath)
		if err != nil {
			return err
		}
		recorder = f
		ingestOpts.Recorder = f
		defer recorder.Close()
	}

	r, err := ingest.Dial(ctx, cfg.Ingest.Endpoint, ingestOpts, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	opts.Source = cfg.Ingest.Endpoint
	opts.Name = fmt.Sprintf("live_series%d", r.Header().SeriesID)
	opts.LogEvery = cfg.Ingest.LogEvery
	res, err := extract.Run(ctx, r, opts, logger)
	if err != nil {
		return err
	}
	logger.Info("live series extracted",
		zap.Int("frames", res.Frames),
		zap.Int("skipped_messages", r.Skipped()))
	return nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func exit(logger *zap.Logger, err error) {
	if logger != nil {
		logger.Error("timelapse extraction failed", zap.Error(err))
		_ = logger.Sync()
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(types.ExitCode(err))
}
