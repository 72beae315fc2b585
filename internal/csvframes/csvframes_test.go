package csvframes

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

var t0 = time.Date(2017, 8, 15, 10, 50, 8, 250_000_000, time.UTC)

func testFrame(index int) types.Frame {
	return types.Frame{
		Index:     index,
		Timestamp: t0.Add(time.Duration(index) * time.Second),
		Width:     3,
		Height:    2,
		Values:    []float64{20.5, 21, 21.25, 30, 31.5, -4.75 + float64(index)},
	}
}

func writeLong(t *testing.T, path string, frames ...types.Frame) {
	t.Helper()
	w, err := CreateLong(path)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	require.NoError(t, w.Close())
}

func TestLongRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	writeLong(t, path, testFrame(0), testFrame(1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1+2*6)
	assert.Equal(t, LongHeader, lines[0])
	assert.Equal(t, "0,2017-08-15T10:50:08.25Z,0,0,20.5", lines[1])

	layout, err := Sniff(path)
	require.NoError(t, err)
	assert.Equal(t, LayoutLong, layout)

	frames, err := ReadLong(path)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	for i, f := range frames {
		want := testFrame(i)
		assert.Equal(t, want.Index, f.Index)
		assert.True(t, want.Timestamp.Equal(f.Timestamp))
		assert.Equal(t, want.Width, f.Width)
		assert.Equal(t, want.Height, f.Height)
		assert.Equal(t, want.Values, f.Values)
	}
}

func TestLongEmptyWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	writeLong(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, LongHeader+"\n", string(data))
}

func TestReadLongRejectsDuplicatePixel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.csv")
	body := LongHeader + "\n" +
		"0,2017-08-15T10:50:08Z,0,0,1\n" +
		"0,2017-08-15T10:50:08Z,1,0,2\n" +
		"0,2017-08-15T10:50:08Z,1,0,3\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := ReadLong(path)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "duplicate row for pixel (1,0)")
}

func TestReadLongRejectsMissingPixel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.csv")
	body := LongHeader + "\n" +
		"0,2017-08-15T10:50:08Z,0,0,1\n" +
		"0,2017-08-15T10:50:08Z,1,0,2\n" +
		"0,2017-08-15T10:50:08Z,0,1,3\n" +
		"1,2017-08-15T10:50:09Z,0,0,1\n" +
		"1,2017-08-15T10:50:09Z,1,0,2\n" +
		"1,2017-08-15T10:50:09Z,0,1,3\n" +
		"1,2017-08-15T10:50:09Z,1,1,4\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := ReadLong(path)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "frame 0")
	assert.Contains(t, err.Error(), "first missing pixel (1,1)")
}

func TestReadLongRejectsMixedTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ts.csv")
	body := LongHeader + "\n" +
		"0,2017-08-15T10:50:08Z,0,0,1\n" +
		"0,2017-08-15T10:50:09Z,1,0,2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := ReadLong(path)
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestLongWithByteOrderMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excel.csv")
	body := "\uFEFF" + LongHeader + "\r\n" + "0,2017-08-15T10:50:08Z,0,0,21.5\r\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	layout, err := Sniff(path)
	require.NoError(t, err)
	assert.Equal(t, LayoutLong, layout)

	frames, err := ReadLong(path)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 21.5, frames[0].At(0, 0))
}

func TestReadLongRejectsBadTemperatures(t *testing.T) {
	cases := map[string]string{
		"empty":    "",
		"nan":      "NaN",
		"inf":      "+Inf",
		"negative": "-Inf",
		"text":     "warm",
	}
	for name, cell := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.csv")
			body := LongHeader + "\n" +
				"0,2024-01-01T00:00:00Z,0,0,10\n" +
				"0,2024-01-01T00:00:00Z,1,0," + cell + "\n"
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

			frames, err := ReadLong(path)
			require.ErrorIs(t, err, types.ErrValidation)
			assert.Nil(t, frames)
		})
	}
}

func TestReadLongTemperatureMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nan.csv")
	body := LongHeader + "\n" + "0,2024-01-01T00:00:00Z,0,0,NaN\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := ReadLong(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a finite temperature")

	require.NoError(t, os.WriteFile(path, []byte(LongHeader+"\n"+"0,2024-01-01T00:00:00Z,0,0,\n"), 0o644))
	_, err = ReadLong(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty temperature")
}

func TestReadLongUsesMetadataFrameCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.csv")
	writeLong(t, path, testFrame(0))
	require.NoError(t, output.WriteMetadata(output.MetadataPathFor(path), output.Metadata{
		Layout: string(LayoutLong),
		Width:  3,
		Height: 2,
		Frames: 2,
	}))

	_, err := ReadLong(path)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "frame 1: no rows for declared frame")
}

func TestGridRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prefix := DefaultPrefix(t0, "P0000004.tmv")
	assert.Equal(t, "ir_export_20170815_P0000004", prefix)

	g, err := NewGridWriter(dir, prefix)
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame(testFrame(0)))
	require.NoError(t, g.WriteFrame(testFrame(1)))
	require.NoError(t, g.Close())
	require.Len(t, g.Files(), 3)
	assert.Equal(t, 4, g.Rows())

	first := filepath.Join(dir, "ir_export_20170815_P0000004_0000_10-50-08.csv")
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "20.5;21;21.25\n30;31.5;-4.75\n", string(data))

	srcs, err := ReadFiles(context.Background(), []string{filepath.Join(dir, "ir_export_20170815_P0000004_0001_10-50-09.csv")})
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	src := srcs[0]
	assert.Equal(t, LayoutGrid, src.Layout)
	require.Len(t, src.Frames, 1)
	f := src.Frames[0]
	assert.Equal(t, 1, f.Index)
	assert.True(t, testFrame(1).Timestamp.Equal(f.Timestamp))
	assert.Equal(t, testFrame(1).Values, f.Values)
	assert.True(t, IsFrameIndex(g.Files()[2]))
}

func TestReadFilesGridWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ir_export_20170815_P0000004_005_10-50-08.csv")
	require.NoError(t, os.WriteFile(path, []byte("1;2;\n3;4;\n"), 0o644))

	srcs, err := ReadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	f := srcs[0].Frames[0]
	assert.Equal(t, 5, f.Index)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, []float64{1, 2, 3, 4}, f.Values)
	assert.Equal(t, time.Date(2017, 8, 15, 10, 50, 8, 0, time.UTC), f.Timestamp)
}

// writeGridExport writes three frames with index and sidecar and returns the
// frame file paths.
func writeGridExport(t *testing.T, dir string) []string {
	t.Helper()
	prefix := "ir_export_20170815_P0000004"
	g, err := NewGridWriter(dir, prefix)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.WriteFrame(testFrame(i)))
	}
	require.NoError(t, g.Close())
	require.NoError(t, output.WriteMetadata(output.MetadataPath(dir, prefix), output.Metadata{
		Layout: string(LayoutGrid), Width: 3, Height: 2, Frames: 3,
	}))
	return g.Files()[:3]
}

func TestReadFilesGridExport(t *testing.T) {
	files := writeGridExport(t, t.TempDir())
	srcs, err := ReadFiles(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, srcs, 3)
	for i, src := range srcs {
		assert.Equal(t, i, src.Frames[0].Index)
	}
}

func TestReadFilesRejectsMissingDeclaredFrame(t *testing.T) {
	files := writeGridExport(t, t.TempDir())
	require.NoError(t, os.Remove(files[1]))

	_, err := ReadFiles(context.Background(), []string{files[0], files[2]})
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "frame 1")
	assert.Contains(t, err.Error(), "is missing")
}

func TestReadFilesRejectsUnlistedFile(t *testing.T) {
	dir := t.TempDir()
	files := writeGridExport(t, dir)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	copied := filepath.Join(dir, "ir_export_20170815_P0000004_0000_10-50-08 copy.csv")
	require.NoError(t, os.WriteFile(copied, data, 0o644))

	_, err = ReadFiles(context.Background(), append(files, copied))
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "not listed in ir_export_20170815_P0000004_frames.csv")
}

func TestReadFilesRejectsDuplicateFrameIndex(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "ir_export_20170815_P0000004_005_10-50-08.csv")
	b := filepath.Join(dir, "ir_export_20170815_P0000004_005_10-50-09.csv")
	require.NoError(t, os.WriteFile(a, []byte("1;2\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("3;4\n"), 0o644))

	_, err := ReadFiles(context.Background(), []string{a, b})
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "frame index already read from ir_export_20170815_P0000004_005_10-50-08.csv")
}

func TestReadFilesRejectsIndexMetadataMismatch(t *testing.T) {
	dir := t.TempDir()
	files := writeGridExport(t, dir)
	require.NoError(t, output.WriteMetadata(output.MetadataPath(dir, "ir_export_20170815_P0000004"), output.Metadata{
		Layout: string(LayoutGrid), Width: 3, Height: 2, Frames: 4,
	}))

	_, err := ReadFiles(context.Background(), files)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "index lists 3 frames, metadata declares 4")
}

func TestReadIndexRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_frames.csv")
	body := "frame_index;timestamp;file\n" +
		"0;2017-08-15T10:50:08Z;a.csv\n" +
		"0;2017-08-15T10:50:09Z;b.csv\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := ReadIndex(path)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "frame listed for both a.csv and b.csv")
}

func TestReadGridRejectsRaggedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragged.csv")
	require.NoError(t, os.WriteFile(path, []byte("1;2;3\n4;5\n"), 0o644))
	_, err := ReadGrid(path)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "line 2 has 2 columns, want 3")
}

func TestReadGridRejectsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.csv")
	require.NoError(t, os.WriteFile(path, []byte("1;warm\n"), 0o644))
	_, err := ReadGrid(path)
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestReadGridRejectsNonFiniteAndEmptyCells(t *testing.T) {
	for _, body := range []string{"1;NaN\n", "1;Inf\n", "1;;2\n"} {
		path := filepath.Join(t.TempDir(), "cells.csv")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := ReadGrid(path)
		require.ErrorIs(t, err, types.ErrValidation, body)
	}
}

func TestParseFileInfo(t *testing.T) {
	info, ok := ParseFileInfo("/data/ir_export_20170815_P0000004_005_10-50-08.csv")
	require.True(t, ok)
	assert.Equal(t, FileInfo{Date: "20170815", Folder: "P0000004", Number: 5, Time: "10-50-08"}, info)

	_, ok = ParseFileInfo("positions.csv")
	assert.False(t, ok)
}

func TestParseDate(t *testing.T) {
	date, ok := ParseDate("out/ir_export_20170821_P0000004.csv")
	require.True(t, ok)
	assert.Equal(t, "20170821", date)

	date, ok = ParseDate("ir_export_20170815_P0000004_005_10-50-08.csv")
	require.True(t, ok)
	assert.Equal(t, "20170815", date)

	_, ok = ParseDate("ir_zones.csv")
	assert.False(t, ok)
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout(" Grid ")
	require.NoError(t, err)
	assert.Equal(t, LayoutGrid, l)
	_, err = ParseLayout("wide")
	assert.Error(t, err)
}
