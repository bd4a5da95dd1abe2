// Package decode parses uploaded workout files (FIT and GPX) into a
// normalized ParsedActivity so downstream stages are format-agnostic.
package decode

import "time"

// Source format tags stored with the activity.
const (
	FormatFIT = "FIT"
	FormatGPX = "GPX"
)

// Indoor detection methods.
const (
	IndoorFitSubSport         = "FIT_SUBSPORT"
	IndoorHeuristicNoGPS      = "HEURISTIC_NO_GPS"
	IndoorHeuristicStationary = "HEURISTIC_STATIONARY"
)

// FITEpochOffset is the number of seconds between the Unix epoch
// (1970-01-01) and the FIT epoch (1989-12-31T00:00:00Z). FIT timestamps are
// seconds since the FIT epoch; add this offset to obtain POSIX seconds.
const FITEpochOffset int64 = 631065600

// stationaryRadiusMeters is the GPX indoor heuristic: if every point lies
// within this great-circle distance of the first point, the activity is
// treated as indoor.
const stationaryRadiusMeters = 50.0

// TrackPoint is a single sample of the recorded track, in chronological
// order. Zero values mean the sample did not carry that channel.
type TrackPoint struct {
	Time        time.Time `json:"time"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	HasPosition bool      `json:"has_position"`
	Elevation   float64   `json:"elevation,omitempty"`
	HeartRate   int       `json:"heart_rate,omitempty"`
	Cadence     int       `json:"cadence,omitempty"`
	Power       int       `json:"power,omitempty"`
	Speed       float64   `json:"speed,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	HasTemp     bool      `json:"has_temp,omitempty"`
}

// Metrics holds the aggregate channels of an activity. Zero means absent.
type Metrics struct {
	AvgHeartRate   float64
	MaxHeartRate   float64
	AvgCadence     float64
	AvgPower       float64
	AvgSpeed       float64
	MaxSpeed       float64
	Calories       int
	MinElevation   float64
	MaxElevation   float64
	HasElevation   bool
	AvgTemperature float64
	HasTemperature bool
}

// ParsedActivity is the decoder output shared by the FIT and GPX paths.
type ParsedActivity struct {
	ActivityType    string // canonical type: running, riding, hiking, ...
	SubSport        string // uppercase FIT sub-sport name, "" for GPX
	StartedAt       time.Time
	EndedAt         time.Time
	DistanceMeters  float64
	DurationSeconds int64
	ElevationGain   float64
	ElevationLoss   float64
	Indoor          bool
	IndoorMethod    string
	Points          []TrackPoint
	Metrics         Metrics
	SourceFormat    string
}

// HasGPS reports whether any point carries coordinates.
func (p *ParsedActivity) HasGPS() bool {
	for i := range p.Points {
		if p.Points[i].HasPosition {
			return true
		}
	}
	return false
}
