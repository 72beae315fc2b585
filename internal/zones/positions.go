package zones

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Positions is the legacy positions table: one row per measurement date with
// zoneN_row_start zoneN_row_end zoneN_col_start zoneN_col_end columns.
// Ranges are end-exclusive.
type Positions struct {
	Path  string
	Zones []string
	rows  map[string][]Definition
}

// LoadPositions reads a whitespace separated positions table.
func LoadPositions(path string) (*Positions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read positions file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var header []string
	p := &Positions{Path: path, rows: make(map[string][]Definition)}
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if header == nil {
			header = fields
			if header[0] != "measurement" || (len(header)-1)%4 != 0 {
				return nil, types.NewValidationError(path, -1, "header must be measurement followed by 4 columns per zone")
			}
			p.Zones, err = zoneColumns(header[1:])
			if err != nil {
				return nil, types.NewValidationError(path, -1, "%v", err)
			}
			continue
		}
		if len(fields) != len(header) {
			return nil, types.NewValidationError(path, -1, "line %d has %d fields, want %d", line, len(fields), len(header))
		}
		values := make(map[string]int, len(header)-1)
		for i, col := range header[1:] {
			v, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, types.NewValidationError(path, -1, "line %d: %s is not an integer: %q", line, col, fields[i+1])
			}
			values[col] = v
		}
		defs := make([]Definition, 0, len(p.Zones))
		for _, zone := range p.Zones {
			defs = append(defs, rangeDefinition(zone,
				values[zone+"_row_start"], values[zone+"_row_end"],
				values[zone+"_col_start"], values[zone+"_col_end"]))
		}
		p.rows[fields[0]] = defs
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, types.NewValidationError(path, -1, "empty positions table")
	}
	return p, nil
}

// ForDate returns the zones measured on date (YYYYMMDD).
func (p *Positions) ForDate(date string) ([]Definition, error) {
	defs, ok := p.rows[date]
	if !ok {
		return nil, types.NewValidationError(p.Path, -1, "no positions for measurement %s, known: %s", date, strings.Join(p.Dates(), ", "))
	}
	return defs, nil
}

// Dates lists the measurement dates in ascending order.
func (p *Positions) Dates() []string {
	dates := make([]string, 0, len(p.rows))
	for d := range p.rows {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

func zoneColumns(cols []string) ([]string, error) {
	var names []string
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, c := range cols {
		name, ok := strings.CutSuffix(c, "_row_start")
		if !ok {
			continue
		}
		for _, suffix := range []string{"_row_end", "_col_start", "_col_end"} {
			if !have[name+suffix] {
				return nil, fmt.Errorf("zone %s has no %s column", name, name+suffix)
			}
		}
		names = append(names, name)
	}
	if len(names)*4 != len(cols) {
		return nil, fmt.Errorf("columns do not form complete zones: %s", strings.Join(cols, " "))
	}
	return names, nil
}

// rangeDefinition converts end-exclusive row and column ranges to an
// inclusive rect, or an empty zone when a range is empty.
func rangeDefinition(name string, rowStart, rowEnd, colStart, colEnd int) Definition {
	if rowEnd <= rowStart || colEnd <= colStart {
		return Definition{Name: name, Type: TypePoints}
	}
	return Definition{
		Name:   name,
		Type:   TypeRect,
		Coords: [][]int{{colStart, rowStart}, {colEnd - 1, rowEnd - 1}},
	}
}
