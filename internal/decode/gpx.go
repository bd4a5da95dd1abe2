package decode

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/track"
)

// DecodeGPX parses a GPX 1.1 document with a streaming token reader. Track
// points are read from <trkpt>; heart rate and cadence come from the common
// Garmin TrackPointExtension elements. GPX carries no session summary, so all
// aggregates are computed from the point stream.
func DecodeGPX(data []byte) (*ParsedActivity, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var points []TrackPoint
	var activityType string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseError, err, "malformed GPX XML")
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "type":
			// <trk><type> carries the activity type in most exporters.
			var t string
			if err := dec.DecodeElement(&t, &start); err == nil && activityType == "" {
				activityType = normalizeGPXType(t)
			}
		case "trkpt":
			pt, err := parseTrkpt(dec, start)
			if err != nil {
				return nil, err
			}
			points = append(points, pt)
		}
	}

	if len(points) == 0 {
		return nil, apperr.E(apperr.KindParseError, "GPX file contains no track points")
	}
	if activityType == "" {
		activityType = "workout"
	}

	out := &ParsedActivity{
		ActivityType: activityType,
		SourceFormat: FormatGPX,
		Points:       points,
		StartedAt:    points[0].Time,
		EndedAt:      points[len(points)-1].Time,
	}
	out.DurationSeconds = int64(out.EndedAt.Sub(out.StartedAt).Seconds())
	out.DistanceMeters = trackDistance(points)
	out.ElevationGain, out.ElevationLoss = elevationDelta(points)

	computeGPXSpeeds(points)
	fillPointMetrics(&out.Metrics, points)

	// Indoor heuristics: no GPS at all, or every point inside a 50 m circle
	// around the first fix (treadmill with a confused GPS chip).
	switch {
	case !out.HasGPS():
		out.Indoor = true
		out.IndoorMethod = IndoorHeuristicNoGPS
	case isStationary(points):
		out.Indoor = true
		out.IndoorMethod = IndoorHeuristicStationary
	}

	return out, nil
}

// parseTrkpt consumes one <trkpt> element and its children.
func parseTrkpt(dec *xml.Decoder, start xml.StartElement) (TrackPoint, error) {
	var pt TrackPoint

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "lat":
			if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
				pt.Lat = v
				pt.HasPosition = true
			}
		case "lon":
			if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
				pt.Lon = v
			}
		}
	}

	depth := 1
	var current string
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return pt, apperr.Wrap(apperr.KindParseError, err, "truncated trkpt element")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			current = t.Name.Local
		case xml.EndElement:
			depth--
			current = ""
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch current {
			case "ele":
				if v, err := strconv.ParseFloat(text, 64); err == nil {
					pt.Elevation = v
				}
			case "time":
				if ts, err := time.Parse(time.RFC3339, text); err == nil {
					pt.Time = ts.UTC()
				}
			case "hr":
				if v, err := strconv.Atoi(text); err == nil {
					pt.HeartRate = v
				}
			case "cad":
				if v, err := strconv.Atoi(text); err == nil {
					pt.Cadence = v
				}
			case "atemp":
				if v, err := strconv.ParseFloat(text, 64); err == nil {
					pt.Temperature = v
					pt.HasTemp = true
				}
			case "power":
				if v, err := strconv.Atoi(text); err == nil {
					pt.Power = v
				}
			}
		}
	}

	return pt, nil
}

// computeGPXSpeeds derives per-point speed from consecutive fixes when the
// exporter did not include one.
func computeGPXSpeeds(points []TrackPoint) {
	for i := 1; i < len(points); i++ {
		p, prev := &points[i], &points[i-1]
		if p.Speed > 0 || !p.HasPosition || !prev.HasPosition {
			continue
		}
		dt := p.Time.Sub(prev.Time).Seconds()
		if dt <= 0 {
			continue
		}
		p.Speed = track.Haversine(prev.Lat, prev.Lon, p.Lat, p.Lon) / dt
	}
}

func isStationary(points []TrackPoint) bool {
	var first *TrackPoint
	for i := range points {
		if points[i].HasPosition {
			first = &points[i]
			break
		}
	}
	if first == nil {
		return false
	}
	for i := range points {
		p := &points[i]
		if !p.HasPosition {
			continue
		}
		if track.Haversine(first.Lat, first.Lon, p.Lat, p.Lon) > stationaryRadiusMeters {
			return false
		}
	}
	return true
}

func normalizeGPXType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "running", "run", "trail_running":
		return "running"
	case "cycling", "biking", "ride", "road_biking", "mountain_biking":
		return "riding"
	case "hiking", "hike":
		return "hiking"
	case "walking", "walk":
		return "walking"
	case "swimming", "swim":
		return "swimming"
	case "rowing":
		return "rowing"
	case "":
		return ""
	default:
		return "workout"
	}
}

// Decode picks the decoder by sniffing the payload: FIT files carry ".FIT" at
// bytes 8-11, anything XML-ish goes to the GPX path.
func Decode(data []byte, filename string) (*ParsedActivity, error) {
	if len(data) >= 12 && string(data[8:12]) == ".FIT" {
		return DecodeFIT(data)
	}
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".fit"):
		return DecodeFIT(data)
	case strings.HasSuffix(lower, ".gpx"):
		return DecodeGPX(data)
	}
	if bytes.Contains(data[:min(len(data), 256)], []byte("<gpx")) {
		return DecodeGPX(data)
	}
	return nil, apperr.E(apperr.KindValidation, "unsupported file format: %s", filename)
}
