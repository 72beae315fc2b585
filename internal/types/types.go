package types

import "time"

type ContainerKind string

const (
	KindMovie     ContainerKind = "movie"
	KindTimelapse ContainerKind = "timelapse"
)

// Calibration converts raw radiometric counts to degrees Celsius: raw*Gain + Offset.
type Calibration struct {
	Gain   float64 `json:"gain"`
	Offset float64 `json:"offset"`
}

// TLinearHighGain is the Tau 2 TLinear high gain calibration (0.04 K per count).
var TLinearHighGain = Calibration{Gain: 0.04, Offset: -273.15}

func (c Calibration) Celsius(raw uint16) float64 {
	return float64(raw)*c.Gain + c.Offset
}

type Header struct {
	Kind        ContainerKind `json:"kind"`
	SeriesID    int           `json:"series_id,omitempty"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	FrameCount  int           `json:"frame_count"`
	FrameRate   float64       `json:"frame_rate,omitempty"`
	Interval    float64       `json:"interval_s,omitempty"`
	Calibration Calibration   `json:"calibration"`
	Start       time.Time     `json:"start"`
}

// RawFrame is a frame as stored in a container, before calibration.
// Exactly one of Counts or Celsius is set.
type RawFrame struct {
	Index     int
	Timestamp time.Time
	Width     int
	Height    int
	Counts    []uint16
	Celsius   []float32
}

// Frame is a decoded temperature grid in row-major order. Frames are not
// modified after decoding; transformations return new frames.
type Frame struct {
	Index     int       `json:"frame_index"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Values    []float64 `json:"values"`
}

func (f Frame) At(x, y int) float64 {
	return f.Values[y*f.Width+x]
}

// Point is a pixel coordinate, X is the column and Y the row.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Zone is a named set of pixels of one analysis run.
type Zone struct {
	Name   string
	Pixels []Point
}

// ZoneStat summarizes the pixels of one zone in one frame.
type ZoneStat struct {
	Source     string    `json:"source"`
	Zone       string    `json:"zone"`
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	Count      int       `json:"count"`
	Mean       float64   `json:"mean"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Median     float64   `json:"median"`
	Std        float64   `json:"std"`
	NoData     bool      `json:"no_data"`
}

func (s ZoneStat) Status() string {
	if s.NoData {
		return "no_data"
	}
	return "ok"
}
