// Package extract converts the frames of a container into CSV files. Frames
// are calibrated and transformed on a pool of workers and written by a single
// writer in capture order.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/metrics"
	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/storage"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

type Options struct {
	// Source is the input path used in errors and metadata.
	Source string
	// Name is the recording name used in the default prefix. Defaults to
	// DefaultName(Source).
	Name      string
	OutputDir string
	Prefix    string
	Layout    csvframes.Layout
	Rotation  int
	TimeShift time.Duration
	Schedule  processing.Schedule
	Workers   int
	LogEvery  int
	Uploader  storage.Uploader
}

type Result struct {
	RunID    string
	Header   types.Header
	Prefix   string
	Frames   int
	Rows     int
	Files    []string
	Metadata string
	Uploaded []string
	Duration time.Duration
}

type frameWriter interface {
	WriteFrame(types.Frame) error
	Rows() int
	Close() error
}

// contextReader is implemented by readers whose Next may block on a live
// feed. Run hands them its own context so a failed run releases them.
type contextReader interface {
	NextContext(ctx context.Context) (types.RawFrame, error)
}

type job struct {
	seq int
	raw types.RawFrame
}

type result struct {
	seq   int
	frame types.Frame
}

// Run reads every frame of r and writes it as CSV. The number of frames
// written must equal the frame count declared by the header. The input is
// only read.
func Run(ctx context.Context, r container.Reader, opts Options, logger *zap.Logger) (Result, error) {
	started := time.Now()
	logger = logging.OrNop(logger)
	header := r.Header()
	if err := normalize(&opts, header); err != nil {
		return Result{}, err
	}
	res := Result{RunID: uuid.NewString(), Header: header, Prefix: opts.Prefix}
	log := logger.With(zap.String("source", opts.Source), zap.String("run_id", res.RunID))
	log.Info("container opened",
		zap.String("kind", string(header.Kind)),
		zap.Int("width", header.Width),
		zap.Int("height", header.Height),
		zap.Int("frame_count", header.FrameCount),
		zap.Float64("frame_rate", header.FrameRate),
		zap.Float64("gain", header.Calibration.Gain),
		zap.Float64("offset", header.Calibration.Offset))

	meta := output.Metadata{
		RunID:    res.RunID,
		Source:   opts.Source,
		Layout:   string(opts.Layout),
		Rotation: opts.Rotation,
		Header:   header,
		Width:    header.Width,
		Height:   header.Height,
		Frames:   header.FrameCount,
		Created:  time.Now().UTC(),
	}
	if opts.TimeShift != 0 {
		meta.TimeShift = opts.TimeShift.String()
	}
	if opts.Rotation == 90 || opts.Rotation == 270 {
		meta.Width, meta.Height = header.Height, header.Width
	}
	res.Metadata = output.MetadataPath(opts.OutputDir, opts.Prefix)
	if err := output.WriteMetadata(res.Metadata, meta); err != nil {
		return res, fmt.Errorf("write metadata: %w", err)
	}

	writer, files, err := newWriter(opts)
	if err != nil {
		return res, err
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}
	failed := func() error {
		errMu.Lock()
		defer errMu.Unlock()
		return firstErr
	}

	incoming := make(chan job, 2*opts.Workers)
	processed := make(chan result, 2*opts.Workers)

	nextFrame := r.Next
	if cr, ok := r.(contextReader); ok {
		nextFrame = func() (types.RawFrame, error) { return cr.NextContext(ctx) }
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(incoming)
		for seq := 0; ; seq++ {
			raw, err := nextFrame()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.DecodeErrorsTotal.WithLabelValues("file").Inc()
				fail(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case incoming <- job{seq: seq, raw: raw}:
			}
		}
	}()

	timing := processing.Timing{Shift: opts.TimeShift, Schedule: opts.Schedule, Count: header.FrameCount}
	var wg sync.WaitGroup
	wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go func() {
			defer wg.Done()
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			for j := range incoming {
				start := time.Now()
				frame, err := processing.ProcessRawFrame(j.raw, header.Calibration)
				if err != nil {
					metrics.DecodeErrorsTotal.WithLabelValues("file").Inc()
					fail(&types.DecodeError{Path: opts.Source, Frame: j.raw.Index, Reason: "invalid frame", Err: err})
					continue
				}
				if opts.Rotation != 0 {
					if frame, err = processing.Rotate(frame, opts.Rotation); err != nil {
						fail(err)
						continue
					}
				}
				frame = timing.Apply(frame)
				metrics.FramesDecodedTotal.WithLabelValues(string(header.Kind)).Inc()
				metrics.FrameProcessingDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())
				select {
				case <-ctx.Done():
					return
				case processed <- result{seq: j.seq, frame: frame}:
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(processed)
	}()

	// frames arrive in any order; hold them until their turn
	pending := make(map[int]types.Frame)
	next := 0
	for p := range processed {
		if failed() != nil {
			continue
		}
		pending[p.seq] = p.frame
		for {
			frame, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			start := time.Now()
			if err := writer.WriteFrame(frame); err != nil {
				fail(fmt.Errorf("write frame %d: %w", frame.Index, err))
				break
			}
			metrics.FrameProcessingDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
			next++
			if next%opts.LogEvery == 0 {
				log.Info("frames written", zap.Int("frames", next), zap.Int("frame_count", header.FrameCount))
			}
		}
	}

	// a reader blocked on a live feed returns once ctx is cancelled
	cancel()
	<-readDone

	closeErr := writer.Close()
	res.Frames = next
	res.Rows = writer.Rows()
	res.Files = files()
	metrics.CSVRowsWrittenTotal.WithLabelValues(string(opts.Layout)).Add(float64(res.Rows))
	metrics.FilesWrittenTotal.Add(float64(len(res.Files)))

	if err := failed(); err != nil {
		return res, err
	}
	if err := parent.Err(); err != nil {
		return res, err
	}
	if closeErr != nil {
		return res, fmt.Errorf("close output: %w", closeErr)
	}
	if res.Frames != header.FrameCount {
		return res, types.NewDecodeError(opts.Source, -1, "wrote %d of %d declared frames", res.Frames, header.FrameCount)
	}

	meta.Files = make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		meta.Files = append(meta.Files, filepath.Base(f))
	}
	if err := output.WriteMetadata(res.Metadata, meta); err != nil {
		return res, fmt.Errorf("write metadata: %w", err)
	}

	if opts.Uploader != nil {
		all := append(append([]string(nil), res.Files...), res.Metadata)
		keys, err := opts.Uploader.Upload(parent, res.RunID, all)
		metrics.FilesUploadedTotal.WithLabelValues("ok").Add(float64(len(keys)))
		res.Uploaded = keys
		if err != nil {
			metrics.FilesUploadedTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("upload: %w", err)
		}
	}

	res.Duration = time.Since(started)
	log.Info("extraction finished",
		zap.Int("frames", res.Frames),
		zap.Int("rows", res.Rows),
		zap.Int("files", len(res.Files)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func normalize(opts *Options, header types.Header) error {
	if !processing.ValidRotation(opts.Rotation) {
		return types.NewValidationError(opts.Source, -1, "unsupported rotation %d, use 0, 90, 180 or 270", opts.Rotation)
	}
	if opts.Layout == "" {
		opts.Layout = csvframes.LayoutLong
	}
	if opts.Layout != csvframes.LayoutLong && opts.Layout != csvframes.LayoutGrid {
		return types.NewValidationError(opts.Source, -1, "unknown layout %q", opts.Layout)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 100
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Prefix == "" {
		name := opts.Name
		if name == "" {
			name = DefaultName(opts.Source)
		}
		start := header.Start
		if !opts.Schedule.IsZero() {
			start = opts.Schedule.Start
		}
		if !start.IsZero() {
			start = start.Add(opts.TimeShift)
		}
		opts.Prefix = csvframes.DefaultPrefix(start, name)
	}
	return nil
}

// DefaultName names a recording after its folder and file, so recordings of
// one day kept in one folder get distinct prefixes.
func DefaultName(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	folder := filepath.Base(filepath.Dir(source))
	if folder == "." || folder == string(filepath.Separator) {
		return base
	}
	return folder + "_" + base
}

func newWriter(opts Options) (frameWriter, func() []string, error) {
	switch opts.Layout {
	case csvframes.LayoutGrid:
		g, err := csvframes.NewGridWriter(opts.OutputDir, opts.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Files, nil
	default:
		l, err := csvframes.CreateLong(filepath.Join(opts.OutputDir, opts.Prefix+".csv"))
		if err != nil {
			return nil, nil, err
		}
		return l, func() []string { return []string{l.Path()} }, nil
	}
}
