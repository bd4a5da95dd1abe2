package track

// DefaultEpsilonMeters is the Douglas-Peucker tolerance used for web-facing
// geometry; roughly one GPS fix of error.
const DefaultEpsilonMeters = 10.0

// TargetSimplifiedPoints is the point budget for rendered lines. If a pass at
// the given epsilon still exceeds it, the tolerance is doubled and the pass
// repeated.
const TargetSimplifiedPoints = 500

// Simplify reduces a polyline with the Douglas-Peucker algorithm. The first
// and last points are always preserved. Epsilon is in meters.
func Simplify(points []Point, epsilonMeters float64) []Point {
	if len(points) <= 2 {
		return append([]Point(nil), points...)
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true
	douglasPeucker(points, 0, len(points)-1, epsilonMeters, keep)

	out := make([]Point, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

// SimplifyToTarget runs Simplify, doubling epsilon until the result fits the
// target point count. Guards against pathological dense tracks.
func SimplifyToTarget(points []Point, epsilonMeters float64, target int) []Point {
	out := Simplify(points, epsilonMeters)
	for len(out) > target && epsilonMeters < 10000 {
		epsilonMeters *= 2
		out = Simplify(points, epsilonMeters)
	}
	return out
}

func douglasPeucker(points []Point, first, last int, epsilon float64, keep []bool) {
	if last <= first+1 {
		return
	}

	var maxDist float64
	maxIdx := -1
	for i := first + 1; i < last; i++ {
		d := perpendicularDistance(points[i], points[first], points[last])
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxIdx >= 0 && maxDist > epsilon {
		keep[maxIdx] = true
		douglasPeucker(points, first, maxIdx, epsilon, keep)
		douglasPeucker(points, maxIdx, last, epsilon, keep)
	}
}
