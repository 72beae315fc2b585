package processing

import (
	"math"
	"sort"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Mask is a zone resolved against a frame size: row-major pixel offsets.
type Mask struct {
	Zone    string
	Width   int
	Height  int
	Offsets []int
}

func NewMask(zone types.Zone, width, height int) Mask {
	seen := make(map[int]bool, len(zone.Pixels))
	offsets := make([]int, 0, len(zone.Pixels))
	for _, p := range zone.Pixels {
		if p.X < 0 || p.Y < 0 || p.X >= width || p.Y >= height {
			continue
		}
		off := p.Y*width + p.X
		if seen[off] {
			continue
		}
		seen[off] = true
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)
	return Mask{Zone: zone.Name, Width: width, Height: height, Offsets: offsets}
}

// ZoneStats computes the statistics of one zone in one frame. Pixels outside
// the mask are ignored; an empty mask yields a NoData result.
func ZoneStats(frame types.Frame, mask Mask) types.ZoneStat {
	stat := types.ZoneStat{
		Zone:       mask.Zone,
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Count:      len(mask.Offsets),
	}
	if stat.Count == 0 {
		stat.NoData = true
		return stat
	}

	values := make([]float64, 0, len(mask.Offsets))
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	sum := 0.0
	for _, off := range mask.Offsets {
		v := frame.Values[off]
		values = append(values, v)
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	sort.Float64s(values)
	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}

	stat.Mean = mean
	stat.Min = minVal
	stat.Max = maxVal
	stat.Median = median
	stat.Std = math.Sqrt(variance)
	return stat
}

// Aggregator collects zone statistics frame by frame for a fixed set of masks.
type Aggregator struct {
	source string
	masks  []Mask
	stats  []types.ZoneStat
	frames int
}

func NewAggregator(source string, masks []Mask) *Aggregator {
	return &Aggregator{source: source, masks: masks}
}

// AddFrame appends one statistic per mask, in mask order, and returns them.
func (a *Aggregator) AddFrame(frame types.Frame) []types.ZoneStat {
	out := make([]types.ZoneStat, 0, len(a.masks))
	for _, mask := range a.masks {
		stat := ZoneStats(frame, mask)
		stat.Source = a.source
		out = append(out, stat)
	}
	a.stats = append(a.stats, out...)
	a.frames++
	return out
}

func (a *Aggregator) Frames() int { return a.frames }

func (a *Aggregator) Snapshot() []types.ZoneStat {
	return a.stats
}

// FullMask covers every pixel of a width x height frame.
func FullMask(name string, width, height int) Mask {
	offsets := make([]int, width*height)
	for i := range offsets {
		offsets[i] = i
	}
	return Mask{Zone: name, Width: width, Height: height, Offsets: offsets}
}
