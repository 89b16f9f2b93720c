package tile

import (
	"fmt"
	"math"
)

// BBox is a geographic bounding box [minLon, minLat, maxLon, maxLat] in WGS84.
type BBox [4]float64

// WorldBBox covers the full Mercator-projectable world.
var WorldBBox = BBox{-MaxLon, -MaxLat, MaxLon, MaxLat}

// Validate rejects malformed boxes. Boxes crossing the anti-meridian
// (minLon > maxLon) are not supported.
func (b BBox) Validate() error {
	if b[0] > b[2] {
		return fmt.Errorf("bbox crosses the anti-meridian or is inverted: minLon %.6f > maxLon %.6f", b[0], b[2])
	}
	if b[1] > b[3] {
		return fmt.Errorf("bbox is inverted: minLat %.6f > maxLat %.6f", b[1], b[3])
	}
	return nil
}

// Clamp clamps the box to the world bbox.
func (b BBox) Clamp() BBox {
	minLon, minLat := ClampLonLat(b[0], b[1])
	maxLon, maxLat := ClampLonLat(b[2], b[3])
	return BBox{minLon, minLat, maxLon, maxLat}
}

// Intersect returns the intersection of two boxes. The second return is
// false when they do not overlap.
func (b BBox) Intersect(o BBox) (BBox, bool) {
	out := BBox{
		math.Max(b[0], o[0]),
		math.Max(b[1], o[1]),
		math.Min(b[2], o[2]),
		math.Min(b[3], o[3]),
	}
	if out[0] > out[2] || out[1] > out[3] {
		return BBox{}, false
	}
	return out, true
}

// Union returns the smallest box containing both boxes.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		math.Min(b[0], o[0]),
		math.Min(b[1], o[1]),
		math.Max(b[2], o[2]),
		math.Max(b[3], o[3]),
	}
}

// Center returns the center point of the box as (lon, lat).
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2.0, (b[1] + b[3]) / 2.0
}

// Circle describes a circular coverage by center point and radius in meters.
type Circle struct {
	Center  [2]float64 `json:"center"`
	RadiusM float64    `json:"radius_m"`
}

// BBox converts the circle to its bounding box by offsetting the center
// by the radius in EPSG:3857 meters.
func (c Circle) BBox() BBox {
	cx, cy := LonLatToMercator(c.Center[0], c.Center[1])
	minLon, minLat := MercatorToLonLat(cx-c.RadiusM, cy-c.RadiusM)
	maxLon, maxLat := MercatorToLonLat(cx+c.RadiusM, cy+c.RadiusM)
	return BBox{minLon, minLat, maxLon, maxLat}.Clamp()
}

// Coverage is a rectangular pyramid slice: a zoom level plus either an
// explicit bbox or a circle that resolves to one.
type Coverage struct {
	Zoom   int     `json:"zoom"`
	BBox   *BBox   `json:"bbox,omitempty"`
	Circle *Circle `json:"circle,omitempty"`
}

// Validate checks the zoom range and the area definition.
func (c Coverage) Validate() error {
	if c.Zoom < 0 || c.Zoom > MaxZoom {
		return fmt.Errorf("coverage zoom %d out of range [0, %d]", c.Zoom, MaxZoom)
	}
	if c.BBox == nil && c.Circle == nil {
		return fmt.Errorf("coverage at zoom %d has neither bbox nor circle", c.Zoom)
	}
	if c.BBox != nil && c.Circle != nil {
		return fmt.Errorf("coverage at zoom %d has both bbox and circle", c.Zoom)
	}
	if c.BBox != nil {
		if err := c.BBox.Validate(); err != nil {
			return err
		}
	}
	if c.Circle != nil && c.Circle.RadiusM <= 0 {
		return fmt.Errorf("coverage circle radius must be positive, got %.1f", c.Circle.RadiusM)
	}
	return nil
}

// Area resolves the coverage to its geographic bounding box.
func (c Coverage) Area() (BBox, error) {
	if err := c.Validate(); err != nil {
		return BBox{}, err
	}
	if c.Circle != nil {
		return c.Circle.BBox(), nil
	}
	return c.BBox.Clamp(), nil
}

// CoveragesForBBox expands a bbox plus an inclusive zoom span into one
// coverage per zoom level.
func CoveragesForBBox(bbox BBox, minZoom, maxZoom int) []Coverage {
	coverages := make([]Coverage, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		b := bbox
		coverages = append(coverages, Coverage{Zoom: z, BBox: &b})
	}
	return coverages
}
