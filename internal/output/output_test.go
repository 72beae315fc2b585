package output

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

var ts = time.Date(2017, 8, 15, 10, 50, 8, 0, time.UTC)

func sampleStats() []types.ZoneStat {
	return []types.ZoneStat{
		{Source: "a.csv", Zone: "zone1", FrameIndex: 0, Timestamp: ts, Count: 4, Mean: 25, Min: 10, Max: 40, Median: 25, Std: 11.25},
		{Source: "a.csv", Zone: "empty", FrameIndex: 0, Timestamp: ts, NoData: true},
	}
}

func TestWriteZoneStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZoneStats(&buf, sampleStats()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "source;frame_index;timestamp;zone;count;mean;min;max;median;std;status", lines[0])
	assert.Equal(t, "a.csv;0;2017-08-15T10:50:08Z;zone1;4;25;10;40;25;11.25;ok", lines[1])
	assert.Equal(t, "a.csv;0;2017-08-15T10:50:08Z;empty;0;;;;;;no_data", lines[2])
}

func TestWriteZoneStatsWide(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZoneStatsWide(&buf, []string{"zone1", "empty"}, sampleStats()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "source;frame_index;timestamp;ir_zone1_count;ir_zone1_mean"))
	assert.Equal(t, "a.csv;0;2017-08-15T10:50:08Z;4;25;10;40;25;11.25;0;;;;;", lines[1])
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := MetadataPath(dir, "ir_export_20170815_P0000004")
	assert.Equal(t, path, MetadataPathFor(filepath.Join(dir, "ir_export_20170815_P0000004.csv")))

	_, ok, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.False(t, ok)

	meta := Metadata{RunID: "r1", Layout: "long", Width: 3, Height: 2, Frames: 5, Header: types.Header{Kind: types.KindMovie, Start: ts}}
	require.NoError(t, WriteMetadata(path, meta))

	got, ok, err := ReadMetadata(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.Frames)
	assert.Equal(t, types.KindMovie, got.Header.Kind)
	assert.True(t, got.Header.Start.Equal(ts))
}

func TestNormalizeJSONValue(t *testing.T) {
	value := map[any]any{
		"type": "image",
		uint64(1): []any{cbor.Tag{Number: 69, Content: make([]byte, 100)}},
	}
	got := NormalizeJSONValue(value).(map[string]any)
	assert.Equal(t, "image", got["type"])
	tag := got["1"].([]any)[0].(map[string]any)
	assert.Equal(t, uint64(69), tag["tag"])
	assert.Equal(t, "<100 bytes>", tag["content"])
}
