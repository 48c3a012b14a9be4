package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// Cell identifiers have the form G_XX_YY with zero-padded two-digit
// coordinates, e.g. G_05_08.
var cellIDRegexp = regexp.MustCompile(`^G_\d{2}_\d{2}$`)

// Grid describes the fixed cell layout of a camera's field of view.
type Grid struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// FormatCellID renders the canonical id for the cell at (x, y).
func FormatCellID(x, y int) string {
	return fmt.Sprintf("G_%02d_%02d", x, y)
}

// ParseCellID extracts the (x, y) coordinates from a cell id. Only the
// syntactic form is checked; use Grid.Contains for range validation.
func ParseCellID(id string) (x, y int, err error) {
	if !cellIDRegexp.MatchString(id) {
		return 0, 0, fmt.Errorf("malformed grid cell id %q", id)
	}
	x, _ = strconv.Atoi(id[2:4])
	y, _ = strconv.Atoi(id[5:7])
	return x, y, nil
}

// Contains reports whether the cell id is well formed and inside the grid.
func (g Grid) Contains(id string) bool {
	x, y, err := ParseCellID(id)
	if err != nil {
		return false
	}
	return x < g.Width && y < g.Height
}
