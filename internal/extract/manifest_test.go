package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ir_list.csv")
	body := "File;Rotation;Date;StartTime;EndTime;NumberOfFrames\n" +
		"P0000004/series.tlc; 90; 20170821; 13:49; 19:49; 7\n" +
		"/abs/P2/night.tlc;0;20170822;22:00;02:00;5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	entries, err := ReadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e := entries[0]
	assert.Equal(t, filepath.Join(dir, "P0000004", "series.tlc"), e.File)
	assert.Equal(t, 90, e.Rotation)
	assert.Equal(t, 7, e.NumberOfFrames)
	assert.Equal(t, "ir_export_20170821_P0000004_series", e.Prefix())

	sched, err := e.Schedule(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2017, 8, 21, 13, 49, 0, 0, time.UTC), sched.Start)
	assert.Equal(t, time.Date(2017, 8, 21, 19, 49, 0, 0, time.UTC), sched.End)
	assert.Equal(t, time.Date(2017, 8, 21, 14, 49, 0, 0, time.UTC), sched.At(1, 7))

	night, err := entries[1].Schedule(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, night.End.Sub(night.Start))

	assert.NoError(t, e.Check(types.Header{FrameCount: 7}))
	assert.ErrorIs(t, e.Check(types.Header{FrameCount: 6}), types.ErrValidation)
}

func TestReadManifestRejectsRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ir_list.csv")
	body := "File;Rotation;Date;StartTime;EndTime;NumberOfFrames\nx.tlc;45;20170821;13:49;19:49;7\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := ReadManifest(path)
	assert.ErrorIs(t, err, types.ErrValidation)
}
