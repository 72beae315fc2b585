package extract

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// ManifestEntry is one row of a timelapse batch list:
//
//	File;Rotation;Date;StartTime;EndTime;NumberOfFrames
//	/data/P0000004/series.tlc;90;20170821;13:49;19:49;7
type ManifestEntry struct {
	File           string `csv:"File"`
	Rotation       int    `csv:"Rotation"`
	Date           string `csv:"Date"`
	StartTime      string `csv:"StartTime"`
	EndTime        string `csv:"EndTime"`
	NumberOfFrames int    `csv:"NumberOfFrames"`
}

func ReadManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = ';'
	cr.TrimLeadingSpace = true
	var entries []ManifestEntry
	if err := gocsv.UnmarshalCSV(cr, &entries); err != nil {
		return nil, types.NewValidationError(path, -1, "malformed list: %v", err)
	}
	for i := range entries {
		e := &entries[i]
		e.File = strings.TrimSpace(e.File)
		if e.File == "" {
			return nil, types.NewValidationError(path, -1, "row %d has no file", i+1)
		}
		if !processing.ValidRotation(e.Rotation) {
			return nil, types.NewValidationError(path, -1, "row %d: unsupported rotation %d", i+1, e.Rotation)
		}
		if !filepath.IsAbs(e.File) {
			e.File = filepath.Join(filepath.Dir(path), e.File)
		}
	}
	return entries, nil
}

// Schedule spreads the frames between StartTime and EndTime on Date. It is
// zero when the entry carries no times.
func (e ManifestEntry) Schedule(loc *time.Location) (processing.Schedule, error) {
	if e.StartTime == "" && e.EndTime == "" {
		return processing.Schedule{}, nil
	}
	return processing.ParseSchedule(e.Date, e.StartTime, e.EndTime, loc)
}

// Prefix is ir_export_<date>_<folder>_<file name>.
func (e ManifestEntry) Prefix() string {
	folder := filepath.Base(filepath.Dir(e.File))
	name := strings.TrimSuffix(filepath.Base(e.File), filepath.Ext(e.File))
	return fmt.Sprintf("ir_export_%s_%s_%s", e.Date, folder, name)
}

// Check compares the entry with the container header.
func (e ManifestEntry) Check(h types.Header) error {
	if e.NumberOfFrames > 0 && e.NumberOfFrames != h.FrameCount {
		return types.NewValidationError(e.File, -1, "list declares %d frames, container holds %d", e.NumberOfFrames, h.FrameCount)
	}
	return nil
}
