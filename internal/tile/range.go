package tile

// Range is an inclusive rectangle of tile indices at a single zoom level.
// Y ordering follows the scheme the range was built for (min <= max after
// any TMS flip). An Empty range dispatches no tiles.
type Range struct {
	Zoom  int
	MinX  uint32
	MaxX  uint32
	MinY  uint32
	MaxY  uint32
	BBox  BBox
	Empty bool
}

// Count returns the number of tiles in the range.
func (r Range) Count() uint64 {
	if r.Empty {
		return 0
	}
	return uint64(r.MaxX-r.MinX+1) * uint64(r.MaxY-r.MinY+1)
}

// ForEach calls fn for every tile in the range, iterating y inside x.
// It stops early when fn returns false.
func (r Range) ForEach(fn func(Coords) bool) {
	if r.Empty {
		return
	}
	for x := r.MinX; ; x++ {
		for y := r.MinY; ; y++ {
			if !fn(NewCoords(uint32(r.Zoom), x, y)) {
				return
			}
			if y == r.MaxY {
				break
			}
		}
		if x == r.MaxX {
			break
		}
	}
}

// Bounds is the expansion of a coverage list: one range per coverage plus
// the total tile count.
type Bounds struct {
	Ranges []Range
	Total  uint64
}

// RangeForBBox returns the inclusive tile rectangle covering bbox at zoom z.
// Both corners land in the tile they fall into; the realised bbox of the
// outer tiles is attached to the result.
func RangeForBBox(bbox BBox, z int, scheme Scheme) Range {
	bbox = bbox.Clamp()

	topLeft := FromLonLat(bbox[0], bbox[3], z, SchemeXYZ)
	bottomRight := FromLonLat(bbox[2], bbox[1], z, SchemeXYZ)

	minX, maxX := topLeft.X, bottomRight.X
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := topLeft.Y, bottomRight.Y
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	realised := NewCoords(uint32(z), minX, minY).BBox().
		Union(NewCoords(uint32(z), maxX, maxY).BBox()).Clamp()

	if scheme == SchemeTMS {
		minY, maxY = FlipY(z, maxY), FlipY(z, minY)
	}

	return Range{Zoom: z, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, BBox: realised}
}

// TileBounds expands every coverage into its tile range under the given
// scheme. When limit is non-nil each coverage bbox is intersected with it
// first; empty intersections produce zero-size ranges.
func TileBounds(coverages []Coverage, scheme Scheme, limit *BBox) (Bounds, error) {
	bounds := Bounds{Ranges: make([]Range, 0, len(coverages))}

	for _, cov := range coverages {
		area, err := cov.Area()
		if err != nil {
			return Bounds{}, err
		}

		if limit != nil {
			clipped, ok := area.Intersect(limit.Clamp())
			if !ok {
				bounds.Ranges = append(bounds.Ranges, Range{Zoom: cov.Zoom, Empty: true})
				continue
			}
			area = clipped
		}

		r := RangeForBBox(area, cov.Zoom, scheme)
		bounds.Ranges = append(bounds.Ranges, r)
		bounds.Total += r.Count()
	}

	return bounds, nil
}

// PyramidRanges returns the 2^dz x 2^dz block of descendants of tile
// (z, x, y) at zoom z+dz, in the same scheme as the input coordinate.
func PyramidRanges(z int, x, y uint32, scheme Scheme, dz int) Range {
	yXYZ := y
	if scheme == SchemeTMS {
		yXYZ = FlipY(z, y)
	}

	childZ := z + dz
	minX := x << uint(dz)
	maxX := ((x + 1) << uint(dz)) - 1
	minY := yXYZ << uint(dz)
	maxY := ((yXYZ + 1) << uint(dz)) - 1

	realised := NewCoords(uint32(childZ), minX, minY).BBox().
		Union(NewCoords(uint32(childZ), maxX, maxY).BBox()).Clamp()

	if scheme == SchemeTMS {
		minY, maxY = FlipY(childZ, maxY), FlipY(childZ, minY)
	}

	return Range{Zoom: childZ, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, BBox: realised}
}
