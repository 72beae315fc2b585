package csvframes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// LongRecord is one pixel of one frame.
type LongRecord struct {
	FrameIndex  int       `csv:"frame_index"`
	Timestamp   time.Time `csv:"timestamp"`
	X           int       `csv:"x"`
	Y           int       `csv:"y"`
	Temperature Temperature `csv:"temperature"`
}

// Temperature is a temperature cell in °C. Empty, NaN and infinite cells do
// not decode.
type Temperature float64

func (t Temperature) MarshalCSV() (string, error) {
	return output.FormatFloat(float64(t)), nil
}

func (t *Temperature) UnmarshalCSV(s string) error {
	v, err := parseTemperature(s)
	if err != nil {
		return err
	}
	*t = Temperature(v)
	return nil
}

func parseTemperature(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty temperature")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite temperature: %q", s)
	}
	return v, nil
}

// LongWriter appends frames to a single long layout file.
type LongWriter struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	csv     *gocsv.SafeCSVWriter
	header  bool
	records []LongRecord
	rows    int
}

func CreateLong(path string) (*LongWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	return &LongWriter{path: path, f: f, w: w, csv: gocsv.DefaultCSVWriter(w)}, nil
}

func (l *LongWriter) Path() string { return l.path }

func (l *LongWriter) Rows() int { return l.rows }

func (l *LongWriter) WriteFrame(frame types.Frame) error {
	l.records = l.records[:0]
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			l.records = append(l.records, LongRecord{
				FrameIndex:  frame.Index,
				Timestamp:   frame.Timestamp,
				X:           x,
				Y:           y,
				Temperature: Temperature(frame.At(x, y)),
			})
		}
	}
	var err error
	if !l.header {
		err = gocsv.MarshalCSV(&l.records, l.csv)
		l.header = true
	} else {
		err = gocsv.MarshalCSVWithoutHeaders(&l.records, l.csv)
	}
	if err != nil {
		return fmt.Errorf("write frame %d: %w", frame.Index, err)
	}
	l.rows += len(l.records)
	return nil
}

func (l *LongWriter) Close() error {
	if l.f == nil {
		return nil
	}
	var err error
	if !l.header {
		_, err = io.WriteString(l.w, LongHeader+"\n")
	}
	l.csv.Flush()
	if err == nil {
		err = l.csv.Error()
	}
	if ferr := l.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

type frameAcc struct {
	timestamp time.Time
	values    []float64
	seen      []bool
	filled    int
}

// ReadLong loads a long layout file. The frame size and frame count come from
// the metadata sidecar when present, otherwise they are inferred from the rows.
// Every declared frame must hold each pixel exactly once.
func ReadLong(path string) ([]types.Frame, error) {
	meta, hasMeta, err := output.ReadMetadata(output.MetadataPathFor(path))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1024*1024)
	// spreadsheet exports start with a byte order mark
	if bom, _ := br.Peek(3); string(bom) == "\uFEFF" {
		_, _ = br.Discard(3)
	}
	var records []LongRecord
	err = gocsv.UnmarshalToCallbackWithError(br, func(rec LongRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, types.NewValidationError(path, -1, "malformed row: %v", err)
	}

	width, height := meta.Width, meta.Height
	if !hasMeta || width <= 0 || height <= 0 {
		width, height = 0, 0
		for _, rec := range records {
			if rec.X+1 > width {
				width = rec.X + 1
			}
			if rec.Y+1 > height {
				height = rec.Y + 1
			}
		}
	}

	frames := make(map[int]*frameAcc)
	for _, rec := range records {
		if rec.FrameIndex < 0 {
			return nil, types.NewValidationError(path, rec.FrameIndex, "negative frame index")
		}
		if hasMeta && meta.Frames > 0 && rec.FrameIndex >= meta.Frames {
			return nil, types.NewValidationError(path, rec.FrameIndex, "frame index beyond the %d declared frames", meta.Frames)
		}
		if rec.X < 0 || rec.Y < 0 || rec.X >= width || rec.Y >= height {
			return nil, types.NewValidationError(path, rec.FrameIndex, "pixel (%d,%d) outside %dx%d frame", rec.X, rec.Y, width, height)
		}
		acc, ok := frames[rec.FrameIndex]
		if !ok {
			acc = &frameAcc{
				timestamp: rec.Timestamp,
				values:    make([]float64, width*height),
				seen:      make([]bool, width*height),
			}
			frames[rec.FrameIndex] = acc
		} else if !acc.timestamp.Equal(rec.Timestamp) {
			return nil, types.NewValidationError(path, rec.FrameIndex, "pixel (%d,%d) has timestamp %s, frame has %s",
				rec.X, rec.Y, output.FormatTimestamp(rec.Timestamp), output.FormatTimestamp(acc.timestamp))
		}
		off := rec.Y*width + rec.X
		if acc.seen[off] {
			return nil, types.NewValidationError(path, rec.FrameIndex, "duplicate row for pixel (%d,%d)", rec.X, rec.Y)
		}
		acc.seen[off] = true
		acc.values[off] = float64(rec.Temperature)
		acc.filled++
	}

	if hasMeta {
		for i := 0; i < meta.Frames; i++ {
			if _, ok := frames[i]; !ok {
				return nil, types.NewValidationError(path, i, "no rows for declared frame")
			}
		}
	}

	indices := make([]int, 0, len(frames))
	for index := range frames {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	out := make([]types.Frame, 0, len(indices))
	for _, index := range indices {
		acc := frames[index]
		if acc.filled != width*height {
			for off, ok := range acc.seen {
				if !ok {
					return nil, types.NewValidationError(path, index, "missing %d of %d rows, first missing pixel (%d,%d)",
						width*height-acc.filled, width*height, off%width, off/width)
				}
			}
		}
		out = append(out, types.Frame{
			Index:     index,
			Timestamp: acc.timestamp,
			Width:     width,
			Height:    height,
			Values:    acc.values,
		})
	}
	return out, nil
}
