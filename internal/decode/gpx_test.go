package decode

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/apperr"
)

const gpxHeader = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">`

func gpxRun(points string) string {
	return gpxHeader + `<trk><type>running</type><trkseg>` + points + `</trkseg></trk></gpx>`
}

// northboundTrack emits n points spaced ~11 m apart, one per second.
func northboundTrack(n int) string {
	var b strings.Builder
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b,
			`<trkpt lat="%.6f" lon="18.070000"><ele>%d</ele><time>%s</time>`+
				`<extensions><gpxtpx:TrackPointExtension><gpxtpx:hr>%d</gpxtpx:hr>`+
				`<gpxtpx:cad>85</gpxtpx:cad></gpxtpx:TrackPointExtension></extensions></trkpt>`,
			59.3+float64(i)*0.0001, 10+i%3,
			start.Add(time.Duration(i)*time.Second).Format(time.RFC3339), 140+i%10)
	}
	return b.String()
}

func TestDecodeGPXRun(t *testing.T) {
	parsed, err := DecodeGPX([]byte(gpxRun(northboundTrack(60))))
	require.NoError(t, err)

	assert.Equal(t, "running", parsed.ActivityType)
	assert.Equal(t, FormatGPX, parsed.SourceFormat)
	assert.Len(t, parsed.Points, 60)
	assert.True(t, parsed.HasGPS())
	assert.False(t, parsed.Indoor)

	assert.Equal(t, int64(59), parsed.DurationSeconds)
	assert.InDelta(t, 59*11.13, parsed.DistanceMeters, 20)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), parsed.StartedAt)

	// Heart rate and cadence come from the TrackPointExtension.
	assert.Equal(t, 140, parsed.Points[0].HeartRate)
	assert.Equal(t, 85, parsed.Points[0].Cadence)
	assert.Greater(t, parsed.Metrics.AvgHeartRate, 139.0)
	assert.Greater(t, parsed.Metrics.AvgSpeed, 0.0)
}

func TestDecodeGPXElevation(t *testing.T) {
	points := `
		<trkpt lat="59.300000" lon="18.070000"><ele>100</ele><time>2026-03-14T09:00:00Z</time></trkpt>
		<trkpt lat="59.301000" lon="18.070000"><ele>130</ele><time>2026-03-14T09:01:00Z</time></trkpt>
		<trkpt lat="59.302000" lon="18.070000"><ele>120</ele><time>2026-03-14T09:02:00Z</time></trkpt>
		<trkpt lat="59.303000" lon="18.070000"><ele>150</ele><time>2026-03-14T09:03:00Z</time></trkpt>`
	parsed, err := DecodeGPX([]byte(gpxRun(points)))
	require.NoError(t, err)
	assert.InDelta(t, 60, parsed.ElevationGain, 0.01)
	assert.InDelta(t, 10, parsed.ElevationLoss, 0.01)
}

func TestDecodeGPXStationaryIsIndoor(t *testing.T) {
	// Treadmill with a confused GPS chip: every fix within a few meters.
	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, `<trkpt lat="%.7f" lon="18.0700000"><time>2026-03-14T09:%02d:00Z</time></trkpt>`,
			59.3+float64(i%3)*0.00001, i)
	}
	parsed, err := DecodeGPX([]byte(gpxRun(b.String())))
	require.NoError(t, err)
	assert.True(t, parsed.Indoor)
	assert.Equal(t, IndoorHeuristicStationary, parsed.IndoorMethod)
}

func TestDecodeGPXNoPositionsIsIndoor(t *testing.T) {
	// Some exporters write heart-rate only streams without coordinates.
	doc := gpxHeader + `<trk><type>virtual_ride</type><trkseg>
		<trkpt><time>2026-03-14T09:00:00Z</time><extensions><gpxtpx:TrackPointExtension><gpxtpx:hr>120</gpxtpx:hr></gpxtpx:TrackPointExtension></extensions></trkpt>
		<trkpt><time>2026-03-14T09:01:00Z</time><extensions><gpxtpx:TrackPointExtension><gpxtpx:hr>130</gpxtpx:hr></gpxtpx:TrackPointExtension></extensions></trkpt>
	</trkseg></trk></gpx>`
	parsed, err := DecodeGPX([]byte(doc))
	require.NoError(t, err)
	assert.True(t, parsed.Indoor)
	assert.Equal(t, IndoorHeuristicNoGPS, parsed.IndoorMethod)
}

func TestDecodeGPXTypeNormalization(t *testing.T) {
	cases := map[string]string{
		"running":         "running",
		"Run":             "running",
		"mountain_biking": "riding",
		"hike":            "hiking",
		"kitesurfing":     "workout",
	}
	for raw, want := range cases {
		doc := gpxHeader + `<trk><type>` + raw + `</type><trkseg>` +
			`<trkpt lat="59.3" lon="18.07"><time>2026-03-14T09:00:00Z</time></trkpt>` +
			`</trkseg></trk></gpx>`
		parsed, err := DecodeGPX([]byte(doc))
		require.NoError(t, err, raw)
		assert.Equal(t, want, parsed.ActivityType, raw)
	}
}

func TestDecodeGPXEmpty(t *testing.T) {
	_, err := DecodeGPX([]byte(gpxHeader + `<trk><trkseg></trkseg></trk></gpx>`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseError, apperr.KindOf(err))
}

func TestDecodeGPXMalformedXML(t *testing.T) {
	_, err := DecodeGPX([]byte(gpxHeader + `<trk><trkseg><trkpt lat="59.3"`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseError, apperr.KindOf(err))
}

func TestDecodeSniffsFormat(t *testing.T) {
	// A .gpx suffix routes to the GPX decoder regardless of content type hints.
	parsed, err := Decode([]byte(gpxRun(northboundTrack(5))), "morning-run.GPX")
	require.NoError(t, err)
	assert.Equal(t, FormatGPX, parsed.SourceFormat)

	// GPX content with an unknown filename is still recognised by sniffing.
	parsed, err = Decode([]byte(gpxRun(northboundTrack(5))), "export.xml")
	require.NoError(t, err)
	assert.Equal(t, FormatGPX, parsed.SourceFormat)
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	_, err := Decode([]byte("not a workout"), "notes.txt")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestDecodeGarbageFIT(t *testing.T) {
	_, err := Decode([]byte("12345678.FIT garbage beyond the magic"), "broken.fit")
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseError, apperr.KindOf(err))
}

func TestFITEpochOffset(t *testing.T) {
	// The FIT epoch is 1989-12-31T00:00:00Z.
	fitEpoch := time.Date(1989, 12, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, FITEpochOffset, fitEpoch.Unix())
}
