// Package csvframes stores decoded frames as CSV and reads them back.
//
// The long layout keeps every frame of a recording in one comma separated
// file with the columns frame_index,timestamp,x,y,temperature. The grid
// layout mirrors ThermoViewer exports: one ';' separated file per frame with
// one line per image row, named <prefix>_<NNNN>_<HH-MM-SS>.csv, plus a
// <prefix>_frames.csv index that keeps the exact timestamps.
package csvframes

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Layout string

const (
	LayoutLong Layout = "long"
	LayoutGrid Layout = "grid"
)

const LongHeader = "frame_index,timestamp,x,y,temperature"

func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case LayoutLong:
		return LayoutLong, nil
	case LayoutGrid:
		return LayoutGrid, nil
	}
	return "", fmt.Errorf("unknown layout %q, use long or grid", s)
}

// Sniff tells the layout of a CSV file from its first line.
func Sniff(path string) (Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: empty file", path)
	}
	if strings.TrimSpace(strings.TrimPrefix(line, "\uFEFF")) == LongHeader {
		return LayoutLong, nil
	}
	return LayoutGrid, nil
}

// FileInfo is what the export file name tells about a frame, for example
// ir_export_20170815_P0000004_005_10-50-08.csv.
type FileInfo struct {
	Date   string
	Folder string
	Number int
	Time   string
}

var fileInfoPattern = regexp.MustCompile(`^ir_export_(\d{8})_(.+)_(\d+)_(\d{2}-\d{2}-\d{2})\.csv$`)

func ParseFileInfo(name string) (FileInfo, bool) {
	m := fileInfoPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return FileInfo{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return FileInfo{}, false
	}
	return FileInfo{Date: m[1], Folder: m[2], Number: n, Time: m[4]}, true
}

var exportDatePattern = regexp.MustCompile(`^ir_export_(\d{8})_`)

// ParseDate returns the measurement date of any ir_export_<YYYYMMDD>_ file,
// long or grid.
func ParseDate(name string) (string, bool) {
	m := exportDatePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Timestamp combines the date and time of the file name, in UTC.
func (fi FileInfo) Timestamp() (time.Time, error) {
	return time.Parse("20060102 15-04-05", fi.Date+" "+fi.Time)
}

// DefaultPrefix builds ir_export_<YYYYMMDD>_<name> from the recording start.
func DefaultPrefix(start time.Time, name string) string {
	date := "00000000"
	if !start.IsZero() {
		date = start.Format("20060102")
	}
	name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r == ' ' || r == os.PathSeparator {
			return '-'
		}
		return r
	}, name)
	return "ir_export_" + date + "_" + name
}

func GridFileName(prefix string, index int, ts time.Time) string {
	return fmt.Sprintf("%s_%04d_%s.csv", prefix, index, ts.Format("15-04-05"))
}

func IndexFileName(prefix string) string {
	return prefix + "_frames.csv"
}
