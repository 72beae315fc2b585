// Package zones loads named regions of interest and turns them into pixel
// sets for a given frame size.
package zones

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

const (
	TypeRect    = "rect"
	TypePolygon = "polygon"
	TypePoints  = "points"
)

// Definition is one zone as written in zones.yaml.
//
//   - name: panel
//     type: rect              # [[x1,y1],[x2,y2]], inclusive
//     coords: [[10, 5], [20, 12]]
type Definition struct {
	Name   string  `yaml:"name" json:"name"`
	Type   string  `yaml:"type" json:"type"`
	Coords [][]int `yaml:"coords" json:"coords"`
}

// Load reads a YAML list of zone definitions.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes and checks zone definitions. Bounds are checked later by
// Resolve, once the frame size is known.
func Parse(path string, data []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, types.NewValidationError(path, -1, "failed to parse zones: %v", err)
	}
	if len(defs) == 0 {
		return nil, types.NewValidationError(path, -1, "no zones defined")
	}
	seen := make(map[string]bool, len(defs))
	for i := range defs {
		d := &defs[i]
		d.Name = strings.TrimSpace(d.Name)
		d.Type = strings.ToLower(strings.TrimSpace(d.Type))
		if d.Name == "" {
			return nil, types.NewValidationError(path, -1, "zone %d has no name", i+1)
		}
		if seen[d.Name] {
			return nil, zoneError(path, d.Name, "duplicate zone name")
		}
		seen[d.Name] = true
		if err := d.check(); err != nil {
			return nil, zoneError(path, d.Name, "%v", err)
		}
	}
	return defs, nil
}

func (d Definition) check() error {
	for _, c := range d.Coords {
		if len(c) != 2 {
			return fmt.Errorf("coordinate %v is not an [x, y] pair", c)
		}
	}
	switch d.Type {
	case TypeRect:
		if len(d.Coords) != 2 {
			return fmt.Errorf("rect needs 2 corners, got %d", len(d.Coords))
		}
		if d.Coords[1][0] < d.Coords[0][0] || d.Coords[1][1] < d.Coords[0][1] {
			return fmt.Errorf("rect corner %v is not below and right of %v", d.Coords[1], d.Coords[0])
		}
	case TypePolygon:
		if len(d.Coords) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(d.Coords))
		}
	case TypePoints:
	default:
		return fmt.Errorf("unknown zone type %q, use rect, polygon or points", d.Type)
	}
	return nil
}

// Resolve turns the definition into pixels of a width x height frame. Any
// coordinate outside the frame is a ValidationError.
func (d Definition) Resolve(width, height int) (types.Zone, error) {
	zone := types.Zone{Name: d.Name}
	switch d.Type {
	case TypeRect:
		x1, y1, x2, y2 := d.Coords[0][0], d.Coords[0][1], d.Coords[1][0], d.Coords[1][1]
		for _, p := range [][]int{{x1, y1}, {x2, y2}} {
			if p[0] < 0 || p[1] < 0 || p[0] >= width || p[1] >= height {
				return zone, zoneError("", d.Name, "corner (%d,%d) outside %dx%d frame", p[0], p[1], width, height)
			}
		}
		for y := y1; y <= y2; y++ {
			for x := x1; x <= x2; x++ {
				zone.Pixels = append(zone.Pixels, types.Point{X: x, Y: y})
			}
		}
	case TypePolygon:
		for _, v := range d.Coords {
			if v[0] < 0 || v[1] < 0 || v[0] > width || v[1] > height {
				return zone, zoneError("", d.Name, "vertex (%d,%d) outside %dx%d frame", v[0], v[1], width, height)
			}
		}
		zone.Pixels = polygonPixels(d.Coords, width, height)
	case TypePoints:
		for _, p := range d.Coords {
			if p[0] < 0 || p[1] < 0 || p[0] >= width || p[1] >= height {
				return zone, zoneError("", d.Name, "pixel (%d,%d) outside %dx%d frame", p[0], p[1], width, height)
			}
			zone.Pixels = append(zone.Pixels, types.Point{X: p[0], Y: p[1]})
		}
	default:
		return zone, zoneError("", d.Name, "unknown zone type %q", d.Type)
	}
	return zone, nil
}

// ResolveAll resolves every definition, keeping definition order.
func ResolveAll(defs []Definition, width, height int) ([]types.Zone, error) {
	out := make([]types.Zone, 0, len(defs))
	for _, d := range defs {
		z, err := d.Resolve(width, height)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, nil
}

// Validate checks every pixel of every zone against the frame size.
func Validate(zones []types.Zone, width, height int) error {
	for _, z := range zones {
		for _, p := range z.Pixels {
			if p.X < 0 || p.Y < 0 || p.X >= width || p.Y >= height {
				return zoneError("", z.Name, "pixel (%d,%d) outside %dx%d frame", p.X, p.Y, width, height)
			}
		}
	}
	return nil
}

// polygonPixels returns the pixels whose centre lies inside the polygon,
// using the even-odd rule on a scanline through each row centre.
func polygonPixels(vertices [][]int, width, height int) []types.Point {
	var pixels []types.Point
	n := len(vertices)
	for y := 0; y < height; y++ {
		cy := float64(y) + 0.5
		var xs []float64
		for i := 0; i < n; i++ {
			ax, ay := float64(vertices[i][0]), float64(vertices[i][1])
			bx, by := float64(vertices[(i+1)%n][0]), float64(vertices[(i+1)%n][1])
			if (ay <= cy) == (by <= cy) {
				continue
			}
			xs = append(xs, ax+(cy-ay)*(bx-ax)/(by-ay))
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			for x := 0; x < width; x++ {
				cx := float64(x) + 0.5
				if cx > xs[i] && cx < xs[i+1] {
					pixels = append(pixels, types.Point{X: x, Y: y})
				}
			}
		}
	}
	return pixels
}

func zoneError(path, zone, format string, args ...any) *types.ValidationError {
	err := types.NewValidationError(path, -1, format, args...)
	err.Zone = zone
	return err
}
