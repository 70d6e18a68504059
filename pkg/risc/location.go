// Package risc drives the debug unit of the RISC-V cores embedded in the
// tiles of the chip: halt, step, continue, register and memory access,
// watchpoints, reset control and program counter sampling.
package risc

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinate is the NOC position of a tile.
type Coordinate struct {
	X, Y int
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d-%d", c.X, c.Y)
}

// NoNeo marks a location whose core does not belong to a neo cluster.
const NoNeo = -1

// Location identifies one core: the tile it lives in, the optional neo
// cluster and the core name (brisc, trisc0, ...). It is comparable and
// can be used as a map key.
type Location struct {
	Coord Coordinate
	Neo   int
	Core  string
}

// NewLocation returns the location of core in the tile at x-y.
func NewLocation(x, y int, core string) Location {
	return Location{Coord: Coordinate{X: x, Y: y}, Neo: NoNeo, Core: core}
}

func (loc Location) String() string {
	if loc.Neo != NoNeo {
		return fmt.Sprintf("%s/neo%d/%s", loc.Coord, loc.Neo, loc.Core)
	}
	return fmt.Sprintf("%s/%s", loc.Coord, loc.Core)
}

// ParseLocation parses the format produced by Location.String.
func ParseLocation(s string) (Location, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 && len(parts) != 3 {
		return Location{}, fmt.Errorf("malformed core location %q", s)
	}
	xy := strings.SplitN(parts[0], "-", 2)
	if len(xy) != 2 {
		return Location{}, fmt.Errorf("malformed tile coordinate %q", parts[0])
	}
	x, err := strconv.Atoi(xy[0])
	if err != nil {
		return Location{}, fmt.Errorf("malformed tile coordinate %q: %v", parts[0], err)
	}
	y, err := strconv.Atoi(xy[1])
	if err != nil {
		return Location{}, fmt.Errorf("malformed tile coordinate %q: %v", parts[0], err)
	}
	loc := NewLocation(x, y, parts[len(parts)-1])
	if len(parts) == 3 {
		if !strings.HasPrefix(parts[1], "neo") {
			return Location{}, fmt.Errorf("malformed neo id %q", parts[1])
		}
		loc.Neo, err = strconv.Atoi(strings.TrimPrefix(parts[1], "neo"))
		if err != nil {
			return Location{}, fmt.Errorf("malformed neo id %q: %v", parts[1], err)
		}
	}
	if loc.Core == "" {
		return Location{}, fmt.Errorf("missing core name in %q", s)
	}
	return loc, nil
}
