// Package analysis computes zone statistics over extracted CSV frames.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/metrics"
	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/types"
	"github.com/felixriese/thermal-image-processing/internal/zones"
)

// Sink receives every statistic as soon as it is computed.
type Sink interface {
	Name() string
	Publish(stat types.ZoneStat) error
}

type Options struct {
	// Inputs are CSV files or directories holding them.
	Inputs []string
	// Zones applies to every input. Positions instead picks the zones of each
	// input by the measurement date in its file name.
	Zones     []zones.Definition
	Positions *zones.Positions
	// Output is the statistics table; empty skips writing it.
	Output  string
	Wide    bool
	Sinks   []Sink
	Tracker *Tracker
}

type Result struct {
	Stats  []types.ZoneStat
	Zones  []string
	Files  int
	Frames int
	Output string
}

type input struct {
	source string
	frames []types.Frame
	masks  []processing.Mask
}

// Run loads every input, validates all zones against the frame sizes and only
// then computes one statistic per zone and frame, in input order.
func Run(ctx context.Context, opts Options, logger *zap.Logger) (Result, error) {
	logger = logging.OrNop(logger)
	if len(opts.Zones) == 0 && opts.Positions == nil {
		return Result{}, types.NewValidationError("", -1, "no zones given")
	}
	paths, err := ExpandInputs(opts.Inputs)
	if err != nil {
		return Result{}, err
	}
	if len(paths) == 0 {
		return Result{}, fmt.Errorf("no CSV input files")
	}
	if opts.Tracker != nil {
		opts.Tracker.begin(len(paths))
	}

	inputs := make([]input, 0, len(paths))
	var zoneOrder []string
	seenZone := make(map[string]bool)
	sources, err := csvframes.ReadFiles(ctx, paths)
	if err != nil {
		return Result{}, err
	}
	for _, src := range sources {
		path := src.Path
		if len(src.Frames) == 0 {
			logger.Warn("input holds no frames", zap.String("file", path))
			continue
		}
		width, height := src.Frames[0].Width, src.Frames[0].Height
		for _, f := range src.Frames {
			if f.Width != width || f.Height != height {
				return Result{}, types.NewValidationError(path, f.Index, "frame is %dx%d, first frame is %dx%d", f.Width, f.Height, width, height)
			}
		}

		defs := opts.Zones
		if opts.Positions != nil {
			date, ok := csvframes.ParseDate(path)
			if !ok {
				return Result{}, types.NewValidationError(path, -1, "file name carries no measurement date")
			}
			if defs, err = opts.Positions.ForDate(date); err != nil {
				return Result{}, err
			}
		}
		resolved, err := zones.ResolveAll(defs, width, height)
		if err != nil {
			return Result{}, withPath(err, path)
		}
		if err := zones.Validate(resolved, width, height); err != nil {
			return Result{}, withPath(err, path)
		}
		masks := make([]processing.Mask, len(resolved))
		for j, z := range resolved {
			masks[j] = processing.NewMask(z, width, height)
			if !seenZone[z.Name] {
				seenZone[z.Name] = true
				zoneOrder = append(zoneOrder, z.Name)
			}
		}
		inputs = append(inputs, input{source: filepath.Base(path), frames: src.Frames, masks: masks})
	}
	if opts.Tracker != nil {
		opts.Tracker.setZones(zoneOrder)
	}

	res := Result{Zones: zoneOrder, Output: opts.Output}
	for i, in := range inputs {
		agg := processing.NewAggregator(in.source, in.masks)
		for _, frame := range in.frames {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			start := time.Now()
			stats := agg.AddFrame(frame)
			metrics.FrameProcessingDuration.WithLabelValues("zones").Observe(time.Since(start).Seconds())
			for _, stat := range stats {
				metrics.ZoneStatsTotal.WithLabelValues(stat.Status()).Inc()
				emit(opts.Sinks, stat, logger)
			}
			if opts.Tracker != nil {
				opts.Tracker.observe(in.source, frame, stats)
			}
		}
		res.Stats = append(res.Stats, agg.Snapshot()...)
		res.Frames += agg.Frames()
		res.Files++
		if opts.Tracker != nil {
			opts.Tracker.fileDone()
		}
		logger.Info(fmt.Sprintf("File %d of %d analyzed", i+1, len(inputs)),
			zap.String("file", in.source),
			zap.Int("frames", agg.Frames()))
	}

	if opts.Output != "" {
		if err := output.WriteZoneStatsFile(opts.Output, opts.Wide, zoneOrder, res.Stats); err != nil {
			return res, fmt.Errorf("write statistics: %w", err)
		}
		metrics.FilesWrittenTotal.Inc()
		logger.Info("statistics written", zap.String("file", opts.Output), zap.Int("rows", len(res.Stats)))
	}
	return res, nil
}

func emit(sinks []Sink, stat types.ZoneStat, logger *zap.Logger) {
	for _, sink := range sinks {
		if err := sink.Publish(stat); err != nil {
			metrics.StatsPublishedTotal.WithLabelValues(sink.Name(), "error").Inc()
			logger.Warn("publish failed", zap.String("sink", sink.Name()), zap.Error(err))
			continue
		}
		metrics.StatsPublishedTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

func withPath(err error, path string) error {
	var verr *types.ValidationError
	if errors.As(err, &verr) && verr.Path == "" {
		verr.Path = path
	}
	return err
}

// ExpandInputs replaces directories by the CSV files they hold, in name
// order. Grid frame index files are skipped.
func ExpandInputs(inputs []string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, in)
			continue
		}
		entries, err := os.ReadDir(in)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".csv") {
				continue
			}
			path := filepath.Join(in, name)
			if csvframes.IsFrameIndex(path) {
				continue
			}
			files = append(files, path)
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}
