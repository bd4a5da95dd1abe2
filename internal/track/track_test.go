package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Paris to London, roughly 344 km.
	d := Haversine(48.8566, 2.3522, 51.5074, -0.1278)
	assert.InDelta(t, 344000, d, 2000)
}

func TestHaversineZero(t *testing.T) {
	assert.Zero(t, Haversine(59.3293, 18.0686, 59.3293, 18.0686))
}

func TestSnapToGrid(t *testing.T) {
	assert.InDelta(t, 0.00025, SnapToGrid(0.0003, 0.0005), 1e-12)
	assert.InDelta(t, 0.00075, SnapToGrid(0.0005, 0.0005), 1e-12)
	assert.InDelta(t, -0.00025, SnapToGrid(-0.0001, 0.0005), 1e-12)

	// Two nearby fixes land in the same cell.
	a := SnapToGrid(59.32941, 0.0005)
	b := SnapToGrid(59.32949, 0.0005)
	assert.Equal(t, a, b)
}

func TestSimplifyPreservesEndpoints(t *testing.T) {
	points := []Point{
		{Lat: 59.0000, Lon: 18.0000},
		{Lat: 59.0001, Lon: 18.0001},
		{Lat: 59.0002, Lon: 18.0002},
		{Lat: 59.0003, Lon: 18.0003},
		{Lat: 59.0004, Lon: 18.0004},
	}
	out := Simplify(points, 50)
	require.NotEmpty(t, out)
	assert.Equal(t, points[0], out[0])
	assert.Equal(t, points[len(points)-1], out[len(out)-1])
}

func TestSimplifyDropsCollinearPoints(t *testing.T) {
	// A straight line: everything between the endpoints is within epsilon.
	var points []Point
	for i := 0; i < 100; i++ {
		points = append(points, Point{Lat: 59.0 + float64(i)*0.0001, Lon: 18.0})
	}
	out := Simplify(points, 10)
	assert.Len(t, out, 2)
}

func TestSimplifyKeepsCorners(t *testing.T) {
	// An L-shape: the corner deviates far beyond epsilon and must survive.
	points := []Point{
		{Lat: 59.00, Lon: 18.00},
		{Lat: 59.01, Lon: 18.00},
		{Lat: 59.01, Lon: 18.01},
	}
	out := Simplify(points, 10)
	require.Len(t, out, 3)
	assert.Equal(t, points[1], out[1])
}

func TestSimplifyShortInputUntouched(t *testing.T) {
	points := []Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	assert.Equal(t, points, Simplify(points, 10))
}

func TestSimplifyToTargetCapsPointCount(t *testing.T) {
	// A noisy zigzag that plain simplification at 10 m barely reduces.
	var points []Point
	for i := 0; i < 5000; i++ {
		jitter := 0.0
		if i%2 == 0 {
			jitter = 0.0005 // ~29 m sideways at this latitude
		}
		points = append(points, Point{Lat: 59.0 + float64(i)*0.0001, Lon: 18.0 + jitter})
	}
	out := SimplifyToTarget(points, DefaultEpsilonMeters, TargetSimplifiedPoints)
	assert.LessOrEqual(t, len(out), TargetSimplifiedPoints)
	assert.Equal(t, points[0], out[0])
	assert.Equal(t, points[len(points)-1], out[len(out)-1])
}

func TestMaskZonesDropsPointsInside(t *testing.T) {
	zone := Zone{Lat: 59.3293, Lon: 18.0686, RadiusMeters: 200}
	points := []Point{
		{Lat: 59.3293, Lon: 18.0686}, // dead centre
		{Lat: 59.3294, Lon: 18.0687}, // well inside
		{Lat: 59.4000, Lon: 18.2000}, // far outside
	}
	out := MaskZones(points, []Zone{zone})
	require.Len(t, out, 1)
	assert.Equal(t, points[2], out[0])
}

func TestMaskZonesNoZonesCopiesInput(t *testing.T) {
	points := []Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	out := MaskZones(points, nil)
	assert.Equal(t, points, out)
	// Must be a copy, not an alias.
	out[0].Lat = 99
	assert.Equal(t, 1.0, points[0].Lat)
}

func TestTrimEndsRemovesLeadAndTail(t *testing.T) {
	// Points ~111 m apart going north; trimming 100 m drops one from each end.
	var points []Point
	for i := 0; i < 10; i++ {
		points = append(points, Point{Lat: 59.0 + float64(i)*0.001, Lon: 18.0})
	}
	out := TrimEnds(points, 100)
	require.NotEmpty(t, out)
	assert.Less(t, len(out), len(points))
	assert.NotEqual(t, points[0], out[0])
	assert.NotEqual(t, points[len(points)-1], out[len(out)-1])
}

func TestTrimEndsWholeTrackTooShort(t *testing.T) {
	points := []Point{
		{Lat: 59.0000, Lon: 18.0},
		{Lat: 59.0001, Lon: 18.0},
		{Lat: 59.0002, Lon: 18.0},
	}
	assert.Nil(t, TrimEnds(points, 100))
}

func TestMaskForShareNoZonesSkipsTrim(t *testing.T) {
	points := []Point{
		{Lat: 59.0000, Lon: 18.0},
		{Lat: 59.0001, Lon: 18.0},
		{Lat: 59.0002, Lon: 18.0},
	}
	out := MaskForShare(points, nil)
	assert.Equal(t, points, out)
}

func TestMaskForShareNothingPublishable(t *testing.T) {
	// Entire track sits inside the zone.
	zone := Zone{Lat: 59.0, Lon: 18.0, RadiusMeters: 1000}
	points := []Point{
		{Lat: 59.0000, Lon: 18.0},
		{Lat: 59.0001, Lon: 18.0},
		{Lat: 59.0002, Lon: 18.0},
	}
	assert.Nil(t, MaskForShare(points, []Zone{zone}))
}

func TestMaskForShareZoneInvariant(t *testing.T) {
	zone := Zone{Lat: 59.35, Lon: 18.0, RadiusMeters: 300}
	var points []Point
	for i := 0; i < 200; i++ {
		points = append(points, Point{Lat: 59.3 + float64(i)*0.001, Lon: 18.0})
	}
	out := MaskForShare(points, []Zone{zone})
	for _, p := range out {
		assert.Greater(t, Haversine(p.Lat, p.Lon, zone.Lat, zone.Lon), zone.RadiusMeters)
	}
}

func TestPathLength(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	points := []Point{{Lat: 59.0, Lon: 18.0}, {Lat: 60.0, Lon: 18.0}}
	assert.InDelta(t, 111200, PathLength(points), 1000)
}
