package decode

import (
	"bytes"
	"math"
	"strings"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/track"
)

// FIT message order: FileId -> DeviceInfo -> Records -> Lap -> Session ->
// Activity. Records come before the Session summary, so everything is
// collected first and aggregated afterwards.

// semicircleConst converts FIT semicircles to decimal degrees: 2^31 / 180.
const semicircleConst = 11930464.7111

// indoorSubSports are the FIT sub-sports that mark an activity as indoor
// regardless of recorded coordinates.
var indoorSubSports = map[typedef.SubSport]bool{
	typedef.SubSportIndoorCycling:   true,
	typedef.SubSportTreadmill:       true,
	typedef.SubSportVirtualActivity: true,
	typedef.SubSportSpin:            true,
	typedef.SubSportIndoorRowing:    true,
	typedef.SubSportIndoorRunning:   true,
	typedef.SubSportIndoorWalking:   true,
}

type fitSession struct {
	startTime      time.Time
	elapsedSeconds float64
	distanceMeters float64
	sport          typedef.Sport
	subSport       typedef.SubSport
	totalAscent    float64
	totalDescent   float64
	avgHeartRate   float64
	maxHeartRate   float64
	avgCadence     float64
	avgPower       float64
	avgSpeed       float64
	maxSpeed       float64
	calories       int
	avgTemperature float64
	hasAvgTemp     bool
}

// DecodeFIT parses a binary FIT activity file into a ParsedActivity.
func DecodeFIT(data []byte) (*ParsedActivity, error) {
	if len(data) < 12 || string(data[8:12]) != ".FIT" {
		return nil, apperr.E(apperr.KindParseError, "not a FIT file: missing .FIT header tag")
	}

	dec := decoder.New(bytes.NewReader(data))

	var points []TrackPoint
	var sessions []fitSession
	var startTime time.Time

	for dec.Next() {
		fitData, err := dec.Decode()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseError, err, "decode FIT stream")
		}

		for i := range fitData.Messages {
			msg := &fitData.Messages[i]
			switch msg.Num {
			case typedef.MesgNumFileId:
				fileID := mesgdef.NewFileId(msg)
				if startTime.IsZero() && !fileID.TimeCreated.IsZero() {
					startTime = fileID.TimeCreated.UTC()
				}
			case typedef.MesgNumRecord:
				if pt, ok := parseFitRecord(msg); ok {
					points = append(points, pt)
					if startTime.IsZero() {
						startTime = pt.Time
					}
				}
			case typedef.MesgNumSession:
				sessions = append(sessions, parseFitSession(msg))
			}
		}
	}

	if len(points) == 0 && len(sessions) == 0 {
		return nil, apperr.E(apperr.KindParseError, "FIT file contains no records or sessions")
	}

	merged := mergeFitSessions(sessions)
	if !merged.startTime.IsZero() {
		startTime = merged.startTime
	} else if len(points) > 0 {
		startTime = points[0].Time
	}

	out := &ParsedActivity{
		ActivityType: mapFitSport(merged.sport),
		StartedAt:    startTime,
		SourceFormat: FormatFIT,
	}

	if merged.subSport != typedef.SubSportInvalid && merged.subSport != typedef.SubSportGeneric {
		out.SubSport = strings.ToUpper(merged.subSport.String())
	}

	// Duration: prefer the session summary, fall back to the record span.
	switch {
	case merged.elapsedSeconds > 0:
		out.DurationSeconds = int64(math.Round(merged.elapsedSeconds))
	case len(points) > 1:
		out.DurationSeconds = int64(points[len(points)-1].Time.Sub(points[0].Time).Seconds())
	}
	out.EndedAt = startTime.Add(time.Duration(out.DurationSeconds) * time.Second)

	// Distance: session summary, else sum over coordinates.
	if merged.distanceMeters > 0 {
		out.DistanceMeters = merged.distanceMeters
	} else {
		out.DistanceMeters = trackDistance(points)
	}

	out.ElevationGain = merged.totalAscent
	out.ElevationLoss = merged.totalDescent
	if out.ElevationGain == 0 && out.ElevationLoss == 0 {
		out.ElevationGain, out.ElevationLoss = elevationDelta(points)
	}

	out.Points = points
	out.Metrics = fitMetrics(merged, points)

	// Indoor classification: explicit sub-sport wins, then a no-GPS heuristic.
	switch {
	case indoorSubSports[merged.subSport]:
		out.Indoor = true
		out.IndoorMethod = IndoorFitSubSport
	case !out.HasGPS():
		out.Indoor = true
		out.IndoorMethod = IndoorHeuristicNoGPS
	}

	return out, nil
}

func parseFitRecord(msg *proto.Message) (TrackPoint, bool) {
	rec := mesgdef.NewRecord(msg)
	if rec.Timestamp.IsZero() {
		return TrackPoint{}, false
	}

	pt := TrackPoint{Time: rec.Timestamp.UTC()}

	if rec.PositionLat != 0x7FFFFFFF && rec.PositionLong != 0x7FFFFFFF {
		pt.Lat = float64(rec.PositionLat) / semicircleConst
		pt.Lon = float64(rec.PositionLong) / semicircleConst
		pt.HasPosition = true
	}
	if rec.HeartRate != 0xFF {
		pt.HeartRate = int(rec.HeartRate)
	}
	if rec.Cadence != 0xFF {
		pt.Cadence = int(rec.Cadence)
	}
	if rec.Power != 0xFFFF {
		pt.Power = int(rec.Power)
	}
	if rec.Speed != 0xFFFF {
		pt.Speed = float64(rec.Speed) / 1000 // mm/s -> m/s
	}
	if rec.Altitude != 0xFFFF {
		pt.Elevation = float64(rec.Altitude)/5 - 500
	}
	if rec.Temperature != 0x7F {
		pt.Temperature = float64(rec.Temperature)
		pt.HasTemp = true
	}

	return pt, true
}

func parseFitSession(msg *proto.Message) fitSession {
	sess := mesgdef.NewSession(msg)
	s := fitSession{
		startTime: sess.StartTime.UTC(),
		sport:     sess.Sport,
		subSport:  sess.SubSport,
	}
	if sess.TotalElapsedTime != 0xFFFFFFFF {
		s.elapsedSeconds = float64(sess.TotalElapsedTime) / 1000
	}
	if sess.TotalDistance != 0xFFFFFFFF {
		s.distanceMeters = float64(sess.TotalDistance) / 100
	}
	if sess.TotalAscent != 0xFFFF {
		s.totalAscent = float64(sess.TotalAscent)
	}
	if sess.TotalDescent != 0xFFFF {
		s.totalDescent = float64(sess.TotalDescent)
	}
	if sess.AvgHeartRate != 0xFF {
		s.avgHeartRate = float64(sess.AvgHeartRate)
	}
	if sess.MaxHeartRate != 0xFF {
		s.maxHeartRate = float64(sess.MaxHeartRate)
	}
	if sess.AvgCadence != 0xFF {
		s.avgCadence = float64(sess.AvgCadence)
	}
	if sess.AvgPower != 0xFFFF {
		s.avgPower = float64(sess.AvgPower)
	}
	if sess.AvgSpeed != 0xFFFF {
		s.avgSpeed = float64(sess.AvgSpeed) / 1000
	}
	if sess.MaxSpeed != 0xFFFF {
		s.maxSpeed = float64(sess.MaxSpeed) / 1000
	}
	if sess.TotalCalories != 0xFFFF {
		s.calories = int(sess.TotalCalories)
	}
	if sess.AvgTemperature != 0x7F {
		s.avgTemperature = float64(sess.AvgTemperature)
		s.hasAvgTemp = true
	}
	return s
}

// mergeFitSessions folds multi-session files (device auto-pause) into one
// summary. The first session wins for sport and start time.
func mergeFitSessions(sessions []fitSession) fitSession {
	if len(sessions) == 0 {
		return fitSession{sport: typedef.SportInvalid, subSport: typedef.SubSportInvalid}
	}
	merged := sessions[0]
	for _, s := range sessions[1:] {
		merged.elapsedSeconds += s.elapsedSeconds
		merged.distanceMeters += s.distanceMeters
		merged.totalAscent += s.totalAscent
		merged.totalDescent += s.totalDescent
		merged.calories += s.calories
		if s.maxHeartRate > merged.maxHeartRate {
			merged.maxHeartRate = s.maxHeartRate
		}
		if s.maxSpeed > merged.maxSpeed {
			merged.maxSpeed = s.maxSpeed
		}
	}
	return merged
}

func fitMetrics(s fitSession, points []TrackPoint) Metrics {
	m := Metrics{
		AvgHeartRate:   s.avgHeartRate,
		MaxHeartRate:   s.maxHeartRate,
		AvgCadence:     s.avgCadence,
		AvgPower:       s.avgPower,
		AvgSpeed:       s.avgSpeed,
		MaxSpeed:       s.maxSpeed,
		Calories:       s.calories,
		AvgTemperature: s.avgTemperature,
		HasTemperature: s.hasAvgTemp,
	}
	fillPointMetrics(&m, points)
	return m
}

// fillPointMetrics computes any aggregate the session summary left empty from
// the raw point stream, and always derives min/max elevation.
func fillPointMetrics(m *Metrics, points []TrackPoint) {
	var hrSum, cadSum, pwrSum, spdSum, tmpSum float64
	var hrN, cadN, pwrN, spdN, tmpN int
	var minElev, maxElev float64
	var haveElev bool
	for i := range points {
		p := &points[i]
		if p.HeartRate > 0 {
			hrSum += float64(p.HeartRate)
			hrN++
			if float64(p.HeartRate) > m.MaxHeartRate {
				m.MaxHeartRate = float64(p.HeartRate)
			}
		}
		if p.Cadence > 0 {
			cadSum += float64(p.Cadence)
			cadN++
		}
		if p.Power > 0 {
			pwrSum += float64(p.Power)
			pwrN++
		}
		if p.Speed > 0 {
			spdSum += p.Speed
			spdN++
			if p.Speed > m.MaxSpeed {
				m.MaxSpeed = p.Speed
			}
		}
		if p.HasTemp {
			tmpSum += p.Temperature
			tmpN++
		}
		if p.Elevation != 0 || p.HasPosition {
			if !haveElev {
				minElev, maxElev = p.Elevation, p.Elevation
				haveElev = true
			} else {
				if p.Elevation < minElev {
					minElev = p.Elevation
				}
				if p.Elevation > maxElev {
					maxElev = p.Elevation
				}
			}
		}
	}
	if m.AvgHeartRate == 0 && hrN > 0 {
		m.AvgHeartRate = hrSum / float64(hrN)
	}
	if m.AvgCadence == 0 && cadN > 0 {
		m.AvgCadence = cadSum / float64(cadN)
	}
	if m.AvgPower == 0 && pwrN > 0 {
		m.AvgPower = pwrSum / float64(pwrN)
	}
	if m.AvgSpeed == 0 && spdN > 0 {
		m.AvgSpeed = spdSum / float64(spdN)
	}
	if !m.HasTemperature && tmpN > 0 {
		m.AvgTemperature = tmpSum / float64(tmpN)
		m.HasTemperature = true
	}
	if haveElev {
		m.MinElevation = minElev
		m.MaxElevation = maxElev
		m.HasElevation = true
	}
}

func mapFitSport(sport typedef.Sport) string {
	switch sport {
	case typedef.SportRunning:
		return "running"
	case typedef.SportCycling:
		return "riding"
	case typedef.SportHiking:
		return "hiking"
	case typedef.SportWalking:
		return "walking"
	case typedef.SportSwimming:
		return "swimming"
	case typedef.SportRowing:
		return "rowing"
	case typedef.SportEBiking:
		return "e_biking"
	case typedef.SportAlpineSkiing:
		return "skiing"
	case typedef.SportTraining, typedef.SportFitnessEquipment:
		return "workout"
	default:
		return "workout"
	}
}

// trackDistance sums great-circle hops over consecutive positioned points.
func trackDistance(points []TrackPoint) float64 {
	var total float64
	havePrev := false
	var prevLat, prevLon float64
	for i := range points {
		p := &points[i]
		if !p.HasPosition {
			continue
		}
		if havePrev {
			total += track.Haversine(prevLat, prevLon, p.Lat, p.Lon)
		}
		prevLat, prevLon = p.Lat, p.Lon
		havePrev = true
	}
	return total
}

// elevationDelta accumulates climb and descent with a 1 m noise threshold.
func elevationDelta(points []TrackPoint) (gain, loss float64) {
	havePrev := false
	var prev float64
	for i := range points {
		p := &points[i]
		if p.Elevation == 0 && !p.HasPosition {
			continue
		}
		if havePrev {
			d := p.Elevation - prev
			if d > 1 {
				gain += d
				prev = p.Elevation
			} else if d < -1 {
				loss += -d
				prev = p.Elevation
			}
		} else {
			prev = p.Elevation
			havePrev = true
		}
	}
	return gain, loss
}
