// Package tile implements tile addressing in the spherical Mercator
// (EPSG:3857) tile grid: lon/lat to tile index math, coverage expansion
// into inclusive tile rectangles, and pyramid range arithmetic.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// Scheme names the y-axis orientation of a tile grid. XYZ has its origin
// at the top-left, TMS at the bottom-left.
type Scheme string

const (
	SchemeXYZ Scheme = "xyz"
	SchemeTMS Scheme = "tms"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	return s == SchemeXYZ || s == SchemeTMS
}

const (
	// MaxZoom is the highest zoom level the grid supports.
	MaxZoom = 25

	// EarthRadius is the spherical Mercator radius in meters.
	EarthRadius = 6378137.0

	// MaxLat is the Mercator latitude cutoff. Latitudes are clamped to
	// ±MaxLat before any projection.
	MaxLat = 85.051129
	MaxLon = 180.0
)

// Coords represents a tile coordinate in the Web Mercator tile system (z/x/y).
type Coords struct {
	Z uint32
	X uint32
	Y uint32
}

// NewCoords creates a new Coords from zoom, x, y values.
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// String returns the tile coordinate as "z/x/y".
func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Tile returns the maptile.Tile for this coordinate (XYZ orientation).
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// BBox returns the geographic bounding box of this tile in WGS84,
// interpreting the coordinate in XYZ orientation.
func (c Coords) BBox() BBox {
	bound := c.Tile().Bound()
	return BBox{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
}

// FlipY converts a y index between XYZ and TMS orientation at zoom z.
// The conversion is its own inverse.
func FlipY(z int, y uint32) uint32 {
	return uint32(int64(1)<<uint(z) - 1 - int64(y))
}

// ClampLonLat clamps longitude to ±180 and latitude to the Mercator cutoff.
func ClampLonLat(lon, lat float64) (float64, float64) {
	lon = math.Min(math.Max(lon, -MaxLon), MaxLon)
	lat = math.Min(math.Max(lat, -MaxLat), MaxLat)
	return lon, lat
}

// LonLatToMercator projects WGS84 coordinates to EPSG:3857 meters.
// Input is clamped before projection.
func LonLatToMercator(lon, lat float64) (float64, float64) {
	lon, lat = ClampLonLat(lon, lat)
	x := EarthRadius * lon * math.Pi / 180.0
	y := EarthRadius * math.Log(math.Tan(math.Pi*(lat+90.0)/360.0))
	return x, y
}

// MercatorToLonLat is the analytic inverse of LonLatToMercator.
func MercatorToLonLat(x, y float64) (float64, float64) {
	lon := (x / EarthRadius) * 180.0 / math.Pi
	lat := math.Atan(math.Exp(y/EarthRadius))*360.0/math.Pi - 90.0
	return lon, lat
}

// FromLonLat returns the tile containing (lon, lat) at zoom z under the
// given scheme. Inputs are clamped, and the returned indices are clamped
// to [0, 2^z - 1].
func FromLonLat(lon, lat float64, z int, scheme Scheme) Coords {
	lon, lat = ClampLonLat(lon, lat)

	n := float64(int64(1) << uint(z))
	latRad := lat * math.Pi / 180.0

	x := math.Floor((lon + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	xi := clampIndex(x, z)
	yi := clampIndex(y, z)
	if scheme == SchemeTMS {
		yi = FlipY(z, yi)
	}

	return Coords{Z: uint32(z), X: xi, Y: yi}
}

func clampIndex(v float64, z int) uint32 {
	max := int64(1)<<uint(z) - 1
	i := int64(v)
	if i < 0 {
		i = 0
	}
	if i > max {
		i = max
	}
	return uint32(i)
}
