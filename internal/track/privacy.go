package track

// Zone is an active privacy zone: all track points within RadiusMeters of the
// centre are removed from published geometry.
type Zone struct {
	Lat          float64
	Lon          float64
	RadiusMeters float64
}

// endpointTrimMeters is cut from each end of masked share geometry so the
// exact start and finish stay obfuscated even outside any zone.
const endpointTrimMeters = 100.0

// MaskZones returns the points whose distance to every zone centre exceeds
// that zone's radius. Order is preserved.
func MaskZones(points []Point, zones []Zone) []Point {
	if len(zones) == 0 {
		return append([]Point(nil), points...)
	}
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if !inAnyZone(p, zones) {
			out = append(out, p)
		}
	}
	return out
}

func inAnyZone(p Point, zones []Zone) bool {
	for _, z := range zones {
		if Haversine(p.Lat, p.Lon, z.Lat, z.Lon) <= z.RadiusMeters {
			return true
		}
	}
	return false
}

// TrimEnds drops the leading and trailing stretch of the polyline, measured
// along the path. Used for share-image geometry when masking is in effect.
func TrimEnds(points []Point, meters float64) []Point {
	if len(points) < 3 || meters <= 0 {
		return append([]Point(nil), points...)
	}

	start := 0
	var acc float64
	for i := 1; i < len(points); i++ {
		acc += Distance(points[i-1], points[i])
		if acc >= meters {
			start = i
			break
		}
	}
	if acc < meters {
		return nil // whole track shorter than the trim
	}

	end := len(points) - 1
	acc = 0
	for i := len(points) - 1; i > 0; i-- {
		acc += Distance(points[i-1], points[i])
		if acc >= meters {
			end = i - 1
			break
		}
	}

	if end <= start {
		return nil
	}
	return append([]Point(nil), points[start:end+1]...)
}

// MaskForShare applies zone masking plus the endpoint trim. Returns nil when
// nothing publishable remains.
func MaskForShare(points []Point, zones []Zone) []Point {
	masked := MaskZones(points, zones)
	if len(zones) == 0 {
		return masked
	}
	return TrimEnds(masked, endpointTrimMeters)
}
