package processing

import (
	"fmt"
	"time"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// ProcessRawFrame calibrates the raw counts of a container frame into degrees
// Celsius. Frames that already carry temperatures are copied as they are.
func ProcessRawFrame(raw types.RawFrame, cal types.Calibration) (types.Frame, error) {
	n := raw.Width * raw.Height
	if raw.Width <= 0 || raw.Height <= 0 {
		return types.Frame{}, fmt.Errorf("frame %d: invalid dimensions %dx%d", raw.Index, raw.Width, raw.Height)
	}

	values := make([]float64, n)
	switch {
	case raw.Celsius != nil:
		if len(raw.Celsius) != n {
			return types.Frame{}, fmt.Errorf("frame %d: %d values for %dx%d", raw.Index, len(raw.Celsius), raw.Width, raw.Height)
		}
		for i, v := range raw.Celsius {
			values[i] = float64(v)
		}
	default:
		if len(raw.Counts) != n {
			return types.Frame{}, fmt.Errorf("frame %d: %d counts for %dx%d", raw.Index, len(raw.Counts), raw.Width, raw.Height)
		}
		for i, v := range raw.Counts {
			values[i] = cal.Celsius(v)
		}
	}

	return types.Frame{
		Index:     raw.Index,
		Timestamp: raw.Timestamp,
		Width:     raw.Width,
		Height:    raw.Height,
		Values:    values,
	}, nil
}

// ValidRotation reports whether deg is one of 0, 90, 180 or 270.
func ValidRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// Rotate returns a copy of frame rotated clockwise by deg degrees.
func Rotate(frame types.Frame, deg int) (types.Frame, error) {
	if !ValidRotation(deg) {
		return types.Frame{}, fmt.Errorf("unsupported rotation %d, use 0, 90, 180 or 270", deg)
	}
	w, h := frame.Width, frame.Height
	out := frame
	out.Values = make([]float64, len(frame.Values))
	if deg == 90 || deg == 270 {
		out.Width, out.Height = h, w
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := frame.Values[y*w+x]
			var nx, ny int
			switch deg {
			case 0:
				nx, ny = x, y
			case 90:
				nx, ny = h-1-y, x
			case 180:
				nx, ny = w-1-x, h-1-y
			case 270:
				nx, ny = y, w-1-x
			}
			out.Values[ny*out.Width+nx] = v
		}
	}
	return out, nil
}

// Schedule spreads the timestamps of a series linearly between Start and End,
// for recordings whose camera clock cannot be trusted.
type Schedule struct {
	Start time.Time
	End   time.Time
}

func (s Schedule) IsZero() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

// At returns the timestamp of frame index out of count frames.
func (s Schedule) At(index, count int) time.Time {
	if count <= 1 {
		return s.Start
	}
	step := s.End.Sub(s.Start) / time.Duration(count-1)
	return s.Start.Add(step * time.Duration(index))
}

// ParseSchedule builds a schedule from a YYYYMMDD date and HH:MM clock times.
// An end before the start is taken to be on the following day.
func ParseSchedule(date, start, end string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s, err := time.ParseInLocation("20060102 15:04", date+" "+start, loc)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse start time: %w", err)
	}
	e, err := time.ParseInLocation("20060102 15:04", date+" "+end, loc)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse end time: %w", err)
	}
	if e.Before(s) {
		e = e.Add(24 * time.Hour)
	}
	return Schedule{Start: s, End: e}, nil
}

// Timing adjusts the timestamps of decoded frames.
type Timing struct {
	Shift    time.Duration
	Schedule Schedule
	Count    int
}

func (t Timing) Apply(frame types.Frame) types.Frame {
	if !t.Schedule.IsZero() {
		frame.Timestamp = t.Schedule.At(frame.Index, t.Count)
	}
	if t.Shift != 0 {
		frame.Timestamp = frame.Timestamp.Add(t.Shift)
	}
	return frame
}

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}
