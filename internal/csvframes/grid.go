package csvframes

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// IndexRecord maps a grid file to its frame.
type IndexRecord struct {
	FrameIndex int       `csv:"frame_index"`
	Timestamp  time.Time `csv:"timestamp"`
	File       string    `csv:"file"`
}

// GridWriter writes one ThermoViewer style file per frame.
type GridWriter struct {
	dir    string
	prefix string
	index  []IndexRecord
	files  []string
	rows   int
}

func NewGridWriter(dir, prefix string) (*GridWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &GridWriter{dir: dir, prefix: prefix}, nil
}

func (g *GridWriter) Files() []string { return g.files }

func (g *GridWriter) Rows() int { return g.rows }

func (g *GridWriter) WriteFrame(frame types.Frame) error {
	name := GridFileName(g.prefix, frame.Index, frame.Timestamp)
	path := filepath.Join(g.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = WriteGrid(f, frame)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	g.index = append(g.index, IndexRecord{FrameIndex: frame.Index, Timestamp: frame.Timestamp, File: name})
	g.files = append(g.files, path)
	g.rows += frame.Height
	return nil
}

// Close writes the frame index file.
func (g *GridWriter) Close() error {
	path := filepath.Join(g.dir, IndexFileName(g.prefix))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cw := output.NewSemicolonWriter(f)
	err = gocsv.MarshalCSV(&g.index, gocsv.NewSafeCSVWriter(cw))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write frame index: %w", err)
	}
	g.files = append(g.files, path)
	return nil
}

// WriteGrid writes frame as ';' separated rows without a header.
func WriteGrid(w io.Writer, frame types.Frame) error {
	cw := output.NewSemicolonWriter(w)
	row := make([]string, frame.Width)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			row[x] = output.FormatFloat(frame.At(x, y))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadGrid parses a single grid file. Trailing empty cells, as written by
// some exporters after the last column, are dropped.
func ReadGrid(path string) (types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Frame{}, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var frame types.Frame
	for line := 1; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Frame{}, types.NewValidationError(path, -1, "line %d: %v", line, err)
		}
		for len(record) > 0 && strings.TrimSpace(record[len(record)-1]) == "" {
			record = record[:len(record)-1]
		}
		if len(record) == 0 {
			continue
		}
		if frame.Width == 0 {
			frame.Width = len(record)
		} else if len(record) != frame.Width {
			return types.Frame{}, types.NewValidationError(path, -1, "line %d has %d columns, want %d", line, len(record), frame.Width)
		}
		for col, cell := range record {
			v, err := parseTemperature(cell)
			if err != nil {
				return types.Frame{}, types.NewValidationError(path, -1, "line %d column %d: %v", line, col+1, err)
			}
			frame.Values = append(frame.Values, v)
		}
		frame.Height++
	}
	if frame.Height == 0 {
		return types.Frame{}, types.NewValidationError(path, -1, "no pixel rows")
	}
	return frame, nil
}

// ReadIndex loads a <prefix>_frames.csv file, keyed by file base name. A file
// or frame index listed twice is a ValidationError.
func ReadIndex(path string) (map[string]IndexRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = ';'
	var records []IndexRecord
	if err := gocsv.UnmarshalCSV(cr, &records); err != nil {
		return nil, types.NewValidationError(path, -1, "malformed frame index: %v", err)
	}
	out := make(map[string]IndexRecord, len(records))
	frames := make(map[int]string, len(records))
	for _, rec := range records {
		if _, dup := out[rec.File]; dup {
			return nil, types.NewValidationError(path, rec.FrameIndex, "file %s listed twice", rec.File)
		}
		if prev, dup := frames[rec.FrameIndex]; dup {
			return nil, types.NewValidationError(path, rec.FrameIndex, "frame listed for both %s and %s", prev, rec.File)
		}
		out[rec.File] = rec
		frames[rec.FrameIndex] = rec.File
	}
	return out, nil
}
