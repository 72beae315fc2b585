package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// ZoneRecord is one line of the long zone statistics table. Numeric cells
// stay empty when the zone holds no pixels.
type ZoneRecord struct {
	Source     string `csv:"source"`
	FrameIndex int    `csv:"frame_index"`
	Timestamp  string `csv:"timestamp"`
	Zone       string `csv:"zone"`
	Count      int    `csv:"count"`
	Mean       string `csv:"mean"`
	Min        string `csv:"min"`
	Max        string `csv:"max"`
	Median     string `csv:"median"`
	Std        string `csv:"std"`
	Status     string `csv:"status"`
}

func NewZoneRecord(stat types.ZoneStat) ZoneRecord {
	rec := ZoneRecord{
		Source:     stat.Source,
		FrameIndex: stat.FrameIndex,
		Timestamp:  FormatTimestamp(stat.Timestamp),
		Zone:       stat.Zone,
		Count:      stat.Count,
		Status:     stat.Status(),
	}
	if !stat.NoData {
		rec.Mean = FormatFloat(stat.Mean)
		rec.Min = FormatFloat(stat.Min)
		rec.Max = FormatFloat(stat.Max)
		rec.Median = FormatFloat(stat.Median)
		rec.Std = FormatFloat(stat.Std)
	}
	return rec
}

func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// NewSemicolonWriter returns a CSV writer using the ';' separator of the
// ThermoViewer exports.
func NewSemicolonWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return cw
}

// WriteZoneStats writes the long zone statistics table, one row per zone and frame.
func WriteZoneStats(w io.Writer, stats []types.ZoneStat) error {
	records := make([]ZoneRecord, 0, len(stats))
	for _, stat := range stats {
		records = append(records, NewZoneRecord(stat))
	}
	cw := NewSemicolonWriter(w)
	if err := gocsv.MarshalCSV(&records, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteZoneStatsWide writes one row per frame with ir_<zone>_<metric> columns.
// zones fixes the column order.
func WriteZoneStatsWide(w io.Writer, zones []string, stats []types.ZoneStat) error {
	type key struct {
		source string
		frame  int
	}
	var order []key
	rows := make(map[key]map[string]types.ZoneStat)
	stamps := make(map[key]time.Time)
	for _, stat := range stats {
		k := key{stat.Source, stat.FrameIndex}
		if _, ok := rows[k]; !ok {
			rows[k] = make(map[string]types.ZoneStat, len(zones))
			stamps[k] = stat.Timestamp
			order = append(order, k)
		}
		rows[k][stat.Zone] = stat
	}

	cw := NewSemicolonWriter(w)
	header := []string{"source", "frame_index", "timestamp"}
	for _, zone := range zones {
		for _, metric := range []string{"count", "mean", "min", "max", "med", "std"} {
			header = append(header, fmt.Sprintf("ir_%s_%s", zone, metric))
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, k := range order {
		line := []string{k.source, strconv.Itoa(k.frame), FormatTimestamp(stamps[k])}
		for _, zone := range zones {
			rec := NewZoneRecord(rows[k][zone])
			line = append(line, strconv.Itoa(rec.Count), rec.Mean, rec.Min, rec.Max, rec.Median, rec.Std)
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteZoneStatsFile writes the table to path, creating parent directories.
func WriteZoneStatsFile(path string, wide bool, zones []string, stats []types.ZoneStat) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if wide {
		err = WriteZoneStatsWide(f, zones, stats)
	} else {
		err = WriteZoneStats(f, stats)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
