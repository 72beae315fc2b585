package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/config"
	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/extract"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/storage"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		input      = flag.String("in", "", "Movie container (.tmv) or a folder of them")
		outputDir  = flag.String("out", "output", "Directory for CSV output")
		layout     = flag.String("layout", "long", "CSV layout: long (one file) or grid (one file per frame)")
		rotation   = flag.Int("rotation", 0, "Rotate frames clockwise by 0, 90, 180 or 270 degrees")
		timeShift  = flag.Duration("time-shift", 0, "Duration added to every timestamp, e.g. -2h")
		prefix     = flag.String("prefix", "", "Output file prefix (default ir_export_<date>_<folder>)")
		workers    = flag.Int("workers", 4, "Number of frame workers")
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

	if *input == "" {
		exit(logger, fmt.Errorf("missing -in"))
	}
	files, err := movieFiles(*input)
	if err != nil {
		exit(logger, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var uploader storage.Uploader
	if *upload {
		u, err := storage.NewMinIOUploader(storage.Config(cfg.Storage))
		if err != nil {
			exit(logger, err)
		}
		if err := u.EnsureBucket(ctx); err != nil {
			exit(logger, err)
		}
		uploader = u
	}

	lay, err := csvframes.ParseLayout(cfg.Layout)
	if err != nil {
		exit(logger, err)
	}
	for i, file := range files {
		opts := extract.Options{
			Source:    file,
			Name:      extract.DefaultName(absPath(file)),
			OutputDir: cfg.OutputDir,
			Prefix:    cfg.Prefix,
			Layout:    lay,
			Rotation:  cfg.Rotation,
			TimeShift: cfg.TimeShift,
			Workers:   cfg.Workers,
			Uploader:  uploader,
		}
		if cfg.Prefix != "" && len(files) > 1 {
			opts.Prefix = fmt.Sprintf("%s_%s", cfg.Prefix, strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
		}
		if err := extractOne(ctx, file, opts, logger); err != nil {
			exit(logger, err)
		}
		logger.Info(fmt.Sprintf("File %d of %d extracted", i+1, len(files)), zap.String("file", file))
	}
}

func extractOne(ctx context.Context, path string, opts extract.Options, logger *zap.Logger) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if kind := r.Header().Kind; kind != types.KindMovie {
		return types.NewDecodeError(path, -1, "container is a %s, want movie", kind)
	}
	_, err = extract.Run(ctx, r, opts, logger)
	return err
}

// movieFiles returns path itself, or every .tmv file of a folder in name order.
func movieFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".tmv") {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no .tmv files in %s", path)
	}
	return files, nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func exit(logger *zap.Logger, err error) {
	if logger != nil {
		logger.Error("movie extraction failed", zap.Error(err))
		_ = logger.Sync()
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(types.ExitCode(err))
}
