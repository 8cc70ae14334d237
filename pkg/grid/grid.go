// Package grid partitions requested map extents into fixed 50 km tiles in
// EPSG:27700, aligned to the projection origin.
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Size is the edge length of a tile in projected units (metres).
const Size = 50000

// Tile is an aligned Size x Size square. Tiles are the unit of fetch and
// cache granularity.
type Tile struct {
	MinX int64
	MinY int64
	MaxX int64
	MaxY int64
}

// At returns the tile whose lower-left corner is (x, y).
func At(x, y int64) Tile {
	return Tile{MinX: x, MinY: y, MaxX: x + Size, MaxY: y + Size}
}

// MaxTiles caps how many tiles one extent may partition into.
const MaxTiles = 1 << 16

// maxCoord bounds grid line coordinates so they stay exact in int64.
const maxCoord = 1 << 52

// Count returns how many tiles cover b, computed in floating point so
// that it never overflows. Invalid bounds count zero.
func Count(b orb.Bound) float64 {
	if !valid(b) {
		return 0
	}
	return cells(b.Min[0], b.Max[0]) * cells(b.Min[1], b.Max[1])
}

func cells(lo, hi float64) float64 {
	return math.Ceil(hi/Size) - math.Floor(lo/Size)
}

// Partition returns every tile covering [x0,xN) x [y0,yN), the grid lines
// around b. An extent with zero width on a grid line covers no cell.
// Non-finite or inverted bounds, extents of more than MaxTiles tiles and
// coordinates beyond the representable grid yield no tiles.
func Partition(b orb.Bound) []Tile {
	n := Count(b)
	if n == 0 || n > MaxTiles || !representable(b) {
		return nil
	}

	x0 := int64(math.Floor(b.Min[0]/Size)) * Size
	y0 := int64(math.Floor(b.Min[1]/Size)) * Size
	xN := int64(math.Ceil(b.Max[0]/Size)) * Size
	yN := int64(math.Ceil(b.Max[1]/Size)) * Size

	tiles := make([]Tile, 0, int(n))
	for x := x0; x < xN; x += Size {
		for y := y0; y < yN; y += Size {
			tiles = append(tiles, At(x, y))
		}
	}

	return tiles
}

func valid(b orb.Bound) bool {
	return finite(b) && b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1]
}

func representable(b orb.Bound) bool {
	for _, v := range [...]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.Abs(v) > maxCoord {
			return false
		}
	}
	return true
}

func finite(b orb.Bound) bool {
	for _, v := range [...]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Aligned reports whether t sits exactly on the grid and spans one cell.
func (t Tile) Aligned() bool {
	return t.MinX%Size == 0 && t.MinY%Size == 0 &&
		t.MaxX == t.MinX+Size && t.MaxY == t.MinY+Size
}

// Bound returns the tile as an orb.Bound.
func (t Tile) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(t.MinX), float64(t.MinY)},
		Max: orb.Point{float64(t.MaxX), float64(t.MaxY)},
	}
}

// Extent returns [minX, minY, maxX, maxY].
func (t Tile) Extent() [4]int64 {
	return [4]int64{t.MinX, t.MinY, t.MaxX, t.MaxY}
}

// String formats the tile as "minX,minY,maxX,maxY", the form WFS bbox
// parameters expect.
func (t Tile) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", t.MinX, t.MinY, t.MaxX, t.MaxY)
}

// FromBound converts b to a tile if it is exactly one aligned grid cell.
func FromBound(b orb.Bound) (Tile, bool) {
	t := Tile{
		MinX: int64(b.Min[0]),
		MinY: int64(b.Min[1]),
		MaxX: int64(b.Max[0]),
		MaxY: int64(b.Max[1]),
	}
	if t.Bound() != b || !t.Aligned() {
		return Tile{}, false
	}
	return t, true
}

// ParseBound parses "minX,minY,maxX,maxY".
func ParseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 comma separated values, got %d", len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %d: %w", i, err)
		}
		v[i] = f
	}

	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	if !valid(b) {
		return orb.Bound{}, fmt.Errorf("bbox %q is not a valid extent", s)
	}
	return b, nil
}
