package extract

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/simulator"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

var start = time.Date(2017, 8, 15, 10, 50, 8, 0, time.UTC)

// sliceReader serves prepared frames.
type sliceReader struct {
	header types.Header
	frames []types.RawFrame
	next   int
}

func (s *sliceReader) Header() types.Header { return s.header }

func (s *sliceReader) Next() (types.RawFrame, error) {
	if s.next >= len(s.frames) {
		return types.RawFrame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *sliceReader) Close() error { return nil }

func rampReader(n int) *sliceReader {
	r := &sliceReader{header: types.Header{
		Kind: types.KindMovie, Width: 3, Height: 2, FrameCount: n, FrameRate: 9,
		Calibration: types.Calibration{Gain: 1, Offset: 0}, Start: start,
	}}
	for i := 0; i < n; i++ {
		counts := make([]uint16, 6)
		for p := range counts {
			counts[p] = uint16(i*10 + p)
		}
		r.frames = append(r.frames, types.RawFrame{
			Index: i, Timestamp: start.Add(time.Duration(i) * time.Second),
			Width: 3, Height: 2, Counts: counts,
		})
	}
	return r
}

type recordingUploader struct {
	runID string
	files []string
}

func (u *recordingUploader) Upload(_ context.Context, runID string, files []string) ([]string, error) {
	u.runID = runID
	u.files = files
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = runID + "/" + filepath.Base(f)
	}
	return keys, nil
}

func TestRunKeepsCaptureOrder(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	res, err := Run(context.Background(), rampReader(50), Options{
		Source: "ramp.tmv", OutputDir: dir, Workers: 8, Uploader: up,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 50, res.Frames)
	assert.Equal(t, 300, res.Rows)
	assert.Equal(t, "ir_export_20170815_ramp", res.Prefix)
	require.Len(t, res.Files, 1)

	frames, err := csvframes.ReadLong(res.Files[0])
	require.NoError(t, err)
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, float64(i*10+5), f.At(2, 1))
	}

	assert.Equal(t, res.RunID, up.runID)
	assert.Equal(t, []string{res.Files[0], res.Metadata}, up.files)
	assert.Len(t, res.Uploaded, 2)

	meta, ok, err := output.ReadMetadata(res.Metadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.RunID, meta.RunID)
	assert.Equal(t, 50, meta.Frames)
	assert.Equal(t, []string{"ir_export_20170815_ramp.csv"}, meta.Files)
}

func TestRunMovieRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.tmv")
	require.NoError(t, simulator.WriteMovie(path, simulator.DefaultScene(4, 3), 6, 9, start))

	r, err := container.Open(path)
	require.NoError(t, err)
	defer r.Close()
	res, err := Run(context.Background(), r, Options{Source: path, OutputDir: filepath.Join(dir, "out"), Workers: 3}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Frames)

	// decode the same container directly and compare temperatures
	r2, err := container.Open(path)
	require.NoError(t, err)
	defer r2.Close()
	frames, err := csvframes.ReadLong(res.Files[0])
	require.NoError(t, err)
	require.Len(t, frames, 6)
	for i := range frames {
		raw, err := r2.Next()
		require.NoError(t, err)
		want, err := processing.ProcessRawFrame(raw, r2.Header().Calibration)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Values, frames[i].Values, 1e-9)
		assert.True(t, want.Timestamp.Equal(frames[i].Timestamp))
	}
}

func TestRunTimelapseGridRotatedAndShifted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "P0000004"), 0o755))
	path := filepath.Join(dir, "P0000004", "series.tlc")
	stamps := []time.Time{start, start.Add(61 * time.Second), start.Add(4 * time.Minute)}
	require.NoError(t, simulator.WriteTimelapse(path, simulator.DefaultScene(4, 2), 1, stamps))

	r, err := container.Open(path)
	require.NoError(t, err)
	defer r.Close()
	res, err := Run(context.Background(), r, Options{
		Source:    path,
		OutputDir: dir,
		Layout:    csvframes.LayoutGrid,
		Rotation:  90,
		TimeShift: -2 * time.Hour,
		Workers:   2,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, res.Files, 4)
	assert.Equal(t, "ir_export_20170815_P0000004_series", res.Prefix)

	srcs, err := csvframes.ReadFiles(context.Background(), res.Files[2:3])
	require.NoError(t, err)
	f := srcs[0].Frames[0]
	assert.Equal(t, 2, f.Index)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 4, f.Height)
	assert.True(t, f.Timestamp.Equal(stamps[2].Add(-2*time.Hour)))
	assert.Equal(t, "ir_export_20170815_P0000004_series_0002_08-54-08.csv", filepath.Base(res.Files[2]))

	meta, _, err := output.ReadMetadata(res.Metadata)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Width)
	assert.Equal(t, 4, meta.Height)
	assert.Equal(t, "-2h0m0s", meta.TimeShift)
}

func TestRunSchedule(t *testing.T) {
	sched := processing.Schedule{Start: start, End: start.Add(40 * time.Second)}
	res, err := Run(context.Background(), rampReader(5), Options{
		Source: "ramp", OutputDir: t.TempDir(), Schedule: sched, Workers: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	frames, err := csvframes.ReadLong(res.Files[0])
	require.NoError(t, err)
	assert.True(t, frames[4].Timestamp.Equal(start.Add(40*time.Second)))
	assert.True(t, frames[1].Timestamp.Equal(start.Add(10*time.Second)))
}

func TestRunTruncatedMovie(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.tmv")
	require.NoError(t, simulator.WriteMovie(path, simulator.DefaultScene(4, 3), 4, 9, start))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	r, err := container.Open(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = Run(context.Background(), r, Options{Source: path, OutputDir: dir, Workers: 2}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestRunFrameCountMismatch(t *testing.T) {
	r := rampReader(3)
	r.header.FrameCount = 4
	_, err := Run(context.Background(), r, Options{Source: "ramp", OutputDir: t.TempDir()}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrDecode)
	assert.Contains(t, err.Error(), "wrote 3 of 4 declared frames")
}

func TestRunBadFrame(t *testing.T) {
	r := rampReader(3)
	r.frames[1].Counts = r.frames[1].Counts[:4]
	_, err := Run(context.Background(), r, Options{Source: "ramp", OutputDir: t.TempDir(), Workers: 2}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestRunRejectsRotation(t *testing.T) {
	_, err := Run(context.Background(), rampReader(1), Options{Source: "ramp", OutputDir: t.TempDir(), Rotation: 45}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDefaultName(t *testing.T) {
	tests := []struct{ source, want string }{
		{"ramp.tmv", "ramp"},
		{"ramp", "ramp"},
		{filepath.Join("data", "P0000004", "rec1.tmv"), "P0000004_rec1"},
		{filepath.Join("P0000004", "rec 2.tlc"), "P0000004_rec 2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultName(tt.source), tt.source)
	}
}

func TestRunFolderOfSameDayMovies(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "P0000004")
	require.NoError(t, os.Mkdir(folder, 0o755))
	out := filepath.Join(dir, "out")

	prefixes := map[string]bool{}
	for i, name := range []string{"morning.tmv", "evening.tmv"} {
		path := filepath.Join(folder, name)
		require.NoError(t, simulator.WriteMovie(path, simulator.DefaultScene(4, 3), 2+i, 9, start))
		r, err := container.Open(path)
		require.NoError(t, err)
		res, err := Run(context.Background(), r, Options{Source: path, OutputDir: out}, zap.NewNop())
		require.NoError(t, r.Close())
		require.NoError(t, err)
		prefixes[res.Prefix] = true
	}
	assert.Equal(t, map[string]bool{
		"ir_export_20170815_P0000004_morning": true,
		"ir_export_20170815_P0000004_evening": true,
	}, prefixes)

	for prefix, want := range map[string]int{"ir_export_20170815_P0000004_morning": 2, "ir_export_20170815_P0000004_evening": 3} {
		frames, err := csvframes.ReadLong(filepath.Join(out, prefix+".csv"))
		require.NoError(t, err)
		assert.Len(t, frames, want, prefix)
	}
}

// liveReader serves one broken frame and then blocks like an idle feed.
type liveReader struct {
	sliceReader
	released atomic.Bool
}

func (l *liveReader) NextContext(ctx context.Context) (types.RawFrame, error) {
	if l.next < len(l.frames) {
		return l.Next()
	}
	<-ctx.Done()
	l.released.Store(true)
	return types.RawFrame{}, ctx.Err()
}

func TestRunReleasesBlockedReader(t *testing.T) {
	r := &liveReader{sliceReader: *rampReader(1)}
	r.header.FrameCount = 5
	r.frames[0].Counts = r.frames[0].Counts[:2]

	_, err := Run(context.Background(), r, Options{Source: "live", OutputDir: t.TempDir()}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrDecode)
	assert.True(t, r.released.Load())
}
