package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/csvframes"
	"github.com/felixriese/thermal-image-processing/internal/publish"
	"github.com/felixriese/thermal-image-processing/internal/types"
	"github.com/felixriese/thermal-image-processing/internal/zones"
)

var ts = time.Date(2017, 8, 15, 10, 50, 8, 0, time.UTC)

type memorySink struct {
	stats []types.ZoneStat
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Publish(stat types.ZoneStat) error {
	m.stats = append(m.stats, stat)
	return nil
}

func writeFrames(t *testing.T, path string, frames ...types.Frame) {
	t.Helper()
	w, err := csvframes.CreateLong(path)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	require.NoError(t, w.Close())
}

func example(index int) types.Frame {
	return types.Frame{Index: index, Timestamp: ts.Add(time.Duration(index) * time.Second), Width: 2, Height: 2, Values: []float64{10, 20, 30, 40}}
}

func rect(name string, x1, y1, x2, y2 int) zones.Definition {
	return zones.Definition{Name: name, Type: zones.TypeRect, Coords: [][]int{{x1, y1}, {x2, y2}}}
}

func TestRunExample(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	writeFrames(t, in, example(0))
	out := filepath.Join(dir, "stats", "zones.csv")
	sink := &memorySink{}

	res, err := Run(context.Background(), Options{
		Inputs: []string{in},
		Zones:  []zones.Definition{rect("all", 0, 0, 1, 1), rect("top", 0, 0, 1, 0)},
		Output: out,
		Sinks:  []Sink{sink},
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, res.Stats, 2)
	assert.Equal(t, []string{"all", "top"}, res.Zones)
	assert.Equal(t, 1, res.Frames)

	all := res.Stats[0]
	assert.Equal(t, "a.csv", all.Source)
	assert.Equal(t, 4, all.Count)
	assert.InDelta(t, 25.0, all.Mean, 1e-12)
	assert.Equal(t, 10.0, all.Min)
	assert.Equal(t, 40.0, all.Max)
	top := res.Stats[1]
	assert.Equal(t, 2, top.Count)
	assert.InDelta(t, 15.0, top.Mean, 1e-12)
	assert.Equal(t, res.Stats, sink.stats)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "source;frame_index;timestamp;zone;count;mean;min;max;median;std;status", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "a.csv;0;2017-08-15T10:50:08Z;all;4;25;10;40;25;"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ";ok"))
}

func TestRunFullFrameMeanEqualsFrameMean(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	frame := types.Frame{Index: 0, Timestamp: ts, Width: 3, Height: 2, Values: []float64{21.5, 22, 23.25, 19, 30.5, 24}}
	writeFrames(t, in, frame)

	res, err := Run(context.Background(), Options{
		Inputs: []string{in},
		Zones:  []zones.Definition{{Name: "all", Type: zones.TypePolygon, Coords: [][]int{{0, 0}, {3, 0}, {3, 2}, {0, 2}}}},
	}, zap.NewNop())
	require.NoError(t, err)
	sum := 0.0
	for _, v := range frame.Values {
		sum += v
	}
	assert.InDelta(t, sum/6, res.Stats[0].Mean, 1e-12)
	assert.Equal(t, 6, res.Stats[0].Count)
}

func TestRunOutOfBoundsZoneComputesNothing(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.csv")
	small := filepath.Join(dir, "b.csv")
	writeFrames(t, good, types.Frame{Index: 0, Timestamp: ts, Width: 3, Height: 3, Values: make([]float64, 9)})
	writeFrames(t, small, example(0))
	out := filepath.Join(dir, "zones.csv")
	sink := &memorySink{}

	_, err := Run(context.Background(), Options{
		Inputs: []string{good, small},
		Zones:  []zones.Definition{rect("big", 0, 0, 2, 2)},
		Output: out,
		Sinks:  []Sink{sink},
	}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "b.csv")
	assert.Contains(t, err.Error(), `zone "big"`)
	assert.Empty(t, sink.stats)
	assert.NoFileExists(t, out)
}

func TestRunEmptyZoneIsNoData(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	writeFrames(t, in, example(0))
	out := filepath.Join(dir, "zones.csv")

	res, err := Run(context.Background(), Options{
		Inputs: []string{in},
		Zones:  []zones.Definition{{Name: "none", Type: zones.TypePoints}},
		Output: out,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, res.Stats, 1)
	assert.True(t, res.Stats[0].NoData)
	assert.Equal(t, 0, res.Stats[0].Count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a.csv;0;2017-08-15T10:50:08Z;none;0;;;;;;no_data")
}

func TestRunRejectsDuplicateRows(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	body := csvframes.LongHeader + "\n" +
		"0,2017-08-15T10:50:08Z,0,0,1\n" +
		"0,2017-08-15T10:50:08Z,0,0,1\n"
	require.NoError(t, os.WriteFile(in, []byte(body), 0o644))

	_, err := Run(context.Background(), Options{
		Inputs: []string{in},
		Zones:  []zones.Definition{rect("a", 0, 0, 0, 0)},
	}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRunPositionsByDateWide(t *testing.T) {
	dir := t.TempDir()
	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.MkdirAll(frames, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frames, "ir_export_20170815_P1_001_10-50-08.csv"), []byte("10;20;\n30;40;\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(frames, "ir_export_20170816_P1_002_11-00-00.csv"), []byte("1;2;\n3;4;\n"), 0o644))
	pos := filepath.Join(dir, "positions.csv")
	require.NoError(t, os.WriteFile(pos, []byte(
		"measurement zone1_row_start zone1_row_end zone1_col_start zone1_col_end\n"+
			"20170815 0 1 0 2\n"+
			"20170816 1 2 1 2\n"), 0o644))
	positions, err := zones.LoadPositions(pos)
	require.NoError(t, err)
	out := filepath.Join(dir, "IR_zones.csv")

	res, err := Run(context.Background(), Options{
		Inputs:    []string{frames},
		Positions: positions,
		Output:    out,
		Wide:      true,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, res.Stats, 2)
	assert.Equal(t, 2, res.Stats[0].Count)
	assert.InDelta(t, 15.0, res.Stats[0].Mean, 1e-12)
	assert.Equal(t, 1, res.Stats[1].Count)
	assert.Equal(t, 4.0, res.Stats[1].Mean)
	assert.Equal(t, 2, res.Stats[1].FrameIndex)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "source;frame_index;timestamp;ir_zone1_count;ir_zone1_mean;ir_zone1_min;ir_zone1_max;ir_zone1_med;ir_zone1_std", lines[0])
	assert.Equal(t, "ir_export_20170816_P1_002_11-00-00.csv;2;2017-08-16T11:00:00Z;1;4;4;4;4;0", lines[2])
}

func TestRunPositionsUnknownDate(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "ir_export_20200101_P1_001_10-50-08.csv")
	require.NoError(t, os.WriteFile(in, []byte("1;2\n"), 0o644))
	pos := filepath.Join(dir, "positions.txt")
	require.NoError(t, os.WriteFile(pos, []byte("measurement a_row_start a_row_end a_col_start a_col_end\n20170815 0 1 0 1\n"), 0o644))
	positions, err := zones.LoadPositions(pos)
	require.NoError(t, err)

	_, err = Run(context.Background(), Options{Inputs: []string{in}, Positions: positions}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestTrackerFollowsRun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.csv")
	writeFrames(t, in, example(0), example(1))
	tracker := NewTracker(16)

	_, err := Run(context.Background(), Options{
		Inputs:  []string{in},
		Zones:   []zones.Definition{rect("all", 0, 0, 1, 1)},
		Tracker: tracker,
	}, zap.NewNop())
	require.NoError(t, err)
	tracker.Close()

	status := tracker.Status()
	assert.Equal(t, 1, status.FilesDone)
	assert.Equal(t, 2, status.Frames)
	assert.NotEmpty(t, status.Started)
	assert.Equal(t, []string{"all"}, tracker.Config().Zones)

	snap, ok := tracker.Snapshot()
	require.True(t, ok)
	assert.Equal(t, TypeSnapshot, snap.Type)
	assert.Equal(t, 1, snap.FrameIndex)

	var kinds []string
	for msg := range tracker.Messages() {
		switch m := msg.(type) {
		case ConfigMessage:
			kinds = append(kinds, m.Type)
		case *StatsMessage:
			kinds = append(kinds, m.Type)
		}
	}
	assert.Equal(t, []string{"config", "stats", "stats"}, kinds)
}

func TestRunRejectsIncompleteGridExport(t *testing.T) {
	dir := t.TempDir()
	g, err := csvframes.NewGridWriter(dir, "ir_export_20170815_P0000004")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.WriteFrame(example(i)))
	}
	require.NoError(t, g.Close())
	require.NoError(t, os.Remove(g.Files()[1]))

	_, err = Run(context.Background(), Options{
		Inputs: []string{dir},
		Zones:  []zones.Definition{rect("all", 0, 0, 1, 1)},
	}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "is missing")
}

func TestStatsMessageForZones(t *testing.T) {
	msg := StatsMessage{Type: TypeStats, FrameIndex: 4, Stats: []publish.Payload{{Zone: "panel"}, {Zone: "corner"}}}
	only := msg.ForZones(map[string]bool{"corner": true})
	require.Len(t, only.Stats, 1)
	assert.Equal(t, "corner", only.Stats[0].Zone)
	assert.Equal(t, 4, only.FrameIndex)
	assert.Len(t, msg.Stats, 2)
}

func TestSnapshotBeforeFirstFrame(t *testing.T) {
	_, ok := NewTracker(1).Snapshot()
	assert.False(t, ok)
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", "x_frames.csv", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("1\n"), 0o644))
	}
	paths, err := ExpandInputs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.csv"), filepath.Join(dir, "b.csv")}, paths)
}
