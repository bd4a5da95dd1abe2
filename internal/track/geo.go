// Package track holds the pure geometry used by the workout pipeline:
// great-circle distance, polyline simplification, heatmap grid snapping and
// privacy-zone masking. It has no knowledge of storage or file formats.
package track

import "math"

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance returns the great-circle distance between two Points in meters.
func Distance(a, b Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// SnapToGrid quantises a coordinate to the centre of its enclosing grid cell.
func SnapToGrid(v, cellSize float64) float64 {
	return (math.Floor(v/cellSize) + 0.5) * cellSize
}

// PathLength returns the cumulative great-circle length of a polyline in meters.
func PathLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// perpendicularDistance returns the distance in meters from p to the segment
// a-b, using an equirectangular projection around the segment. Good enough at
// track scale, where segments are short.
func perpendicularDistance(p, a, b Point) float64 {
	// Project to a local planar frame in meters.
	latScale := earthRadiusMeters * math.Pi / 180
	lonScale := latScale * math.Cos(((a.Lat+b.Lat)/2)*math.Pi/180)

	ax, ay := a.Lon*lonScale, a.Lat*latScale
	bx, by := b.Lon*lonScale, b.Lat*latScale
	px, py := p.Lon*lonScale, p.Lat*latScale

	dx, dy := bx-ax, by-ay
	segLen2 := dx*dx + dy*dy
	if segLen2 == 0 {
		return math.Hypot(px-ax, py-ay)
	}

	t := ((px-ax)*dx + (py-ay)*dy) / segLen2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(px-(ax+t*dx), py-(ay+t*dy))
}
