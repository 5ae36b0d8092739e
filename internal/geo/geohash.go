package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// HashPrecision is the precision stored on feeder points (about 5m cells).
const HashPrecision = 9

// minCoverPrecision is the coarsest cover worth sending as a prefilter.
const minCoverPrecision = 4

const metersPerDegree = EarthRadiusMeters * math.Pi / 180

// Hash encodes a point for storage; unset points hash to "".
func Hash(p Point) string {
	if !p.Valid {
		return ""
	}
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, HashPrecision)
}

// CoverPrefixes returns geohash prefixes whose cells cover every point within
// radius meters of p: the cell containing p plus its eight neighbours, at the
// finest precision whose cells are at least radius tall and wide. Width is
// measured at the poleward edge of the circle, where it is narrowest. A nil
// result means the radius is too large to prefilter and callers should scan
// everything.
func CoverPrefixes(p Point, radius float64) []string {
	if !p.Valid {
		return nil
	}
	edge := math.Min(math.Abs(p.Lat)+radius/metersPerDegree, 90)
	shrink := math.Cos(toRadians(edge))
	for precision := uint(HashPrecision); precision >= minCoverPrecision; precision-- {
		center := geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
		box := geohash.BoundingBox(center)
		height := (box.MaxLat - box.MinLat) * metersPerDegree
		width := (box.MaxLng - box.MinLng) * metersPerDegree * shrink
		if height >= radius && width >= radius {
			return append([]string{center}, geohash.Neighbors(center)...)
		}
	}
	return nil
}
