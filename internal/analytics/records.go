// Package analytics derives personal records, achievements, training load
// and period summaries from decoded activities.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/decode"
	"github.com/stridefed/stride/internal/track"
)

// Record types. FASTEST_* and BEST_AVERAGE_PACE store seconds (lower is
// better); the rest store meters, seconds or m/s (higher is better).
const (
	RecordFastest1K       = "FASTEST_1K"
	RecordFastest5K       = "FASTEST_5K"
	RecordFastest10K      = "FASTEST_10K"
	RecordFastestHalf     = "FASTEST_HALF_MARATHON"
	RecordFastestMarathon = "FASTEST_MARATHON"
	RecordLongestDistance = "LONGEST_DISTANCE"
	RecordLongestDuration = "LONGEST_DURATION"
	RecordMostElevation   = "HIGHEST_ELEVATION_GAIN"
	RecordMaxSpeed        = "MAX_SPEED"
	RecordBestAvgPace     = "BEST_AVERAGE_PACE"
)

var splitDistances = map[string]float64{
	RecordFastest1K:       1000,
	RecordFastest5K:       5000,
	RecordFastest10K:      10000,
	RecordFastestHalf:     21097.5,
	RecordFastestMarathon: 42195,
}

// lowerIsBetter record types store a time; everything else stores a magnitude.
func lowerIsBetter(recordType string) bool {
	if _, ok := splitDistances[recordType]; ok {
		return true
	}
	return recordType == RecordBestAvgPace
}

// Records maintains the per-user personal record table.
type Records struct {
	store *db.Store
	log   *slog.Logger
}

func NewRecords(store *db.Store, log *slog.Logger) *Records {
	return &Records{store: store, log: log}
}

// ProcessActivity extracts candidate record values from one activity and
// upserts the slots it improves. Returns the record types that changed.
func (r *Records) ProcessActivity(ctx context.Context, a *db.Activity, m *db.Metrics, points []decode.TrackPoint) ([]string, error) {
	candidates := r.candidates(a, m, points)

	var improved []string
	for recordType, value := range candidates {
		current, err := r.store.GetPersonalRecord(ctx, a.UserID, a.ActivityType, recordType)
		if err != nil {
			return nil, err
		}
		if current != nil && !betterThan(recordType, value, current.Value) {
			continue
		}
		achievedAt := a.CreatedAt
		if a.StartedAt != nil {
			achievedAt = *a.StartedAt
		}
		err = r.store.UpsertPersonalRecord(ctx, &db.PersonalRecord{
			UserID:       a.UserID,
			ActivityType: a.ActivityType,
			RecordType:   recordType,
			Value:        value,
			ActivityID:   a.ID,
			AchievedAt:   achievedAt,
		})
		if err != nil {
			return nil, err
		}
		improved = append(improved, recordType)
	}
	if len(improved) > 0 {
		r.log.Info("personal records updated", "user", a.UserID,
			"activity", a.ID, "records", improved)
	}
	return improved, nil
}

// Rebuild recomputes every record slot of a user from scratch, replaying all
// activities oldest first. Used after batch imports and deletions.
func (r *Records) Rebuild(ctx context.Context, userID string, load func(ctx context.Context, activityID string) (*db.Activity, *db.Metrics, []decode.TrackPoint, error)) error {
	if err := r.store.DeletePersonalRecords(ctx, userID); err != nil {
		return err
	}
	ids, err := r.store.ListUserActivityIDs(ctx, userID, false)
	if err != nil {
		return err
	}
	for _, id := range ids {
		a, m, points, err := load(ctx, id)
		if err != nil {
			r.log.Warn("skipping activity in record rebuild", "activity", id, "error", err)
			continue
		}
		if _, err := r.ProcessActivity(ctx, a, m, points); err != nil {
			return err
		}
	}
	return nil
}

func (r *Records) candidates(a *db.Activity, m *db.Metrics, points []decode.TrackPoint) map[string]float64 {
	out := make(map[string]float64)
	if a.DistanceMeters > 0 {
		out[RecordLongestDistance] = a.DistanceMeters
	}
	if a.DurationSeconds > 0 {
		out[RecordLongestDuration] = float64(a.DurationSeconds)
	}
	if a.ElevationGain > 0 {
		out[RecordMostElevation] = a.ElevationGain
	}
	if m.MaxSpeed > 0 {
		out[RecordMaxSpeed] = m.MaxSpeed
	}
	if a.DistanceMeters > 0 && a.DurationSeconds > 0 {
		out[RecordBestAvgPace] = float64(a.DurationSeconds) / (a.DistanceMeters / 1000)
	}

	for recordType, dist := range splitDistances {
		if a.DistanceMeters < dist {
			continue
		}
		if t, ok := FastestSplit(points, dist); ok {
			out[recordType] = t
		}
	}
	return out
}

func betterThan(recordType string, candidate, current float64) bool {
	if lowerIsBetter(recordType) {
		return candidate < current
	}
	return candidate > current
}

// FastestSplit finds the fastest contiguous stretch covering targetMeters,
// with a two-pointer sweep over cumulative distance and linear interpolation
// at the trailing edge. Returns the elapsed seconds and whether the track
// covers the target at all.
func FastestSplit(points []decode.TrackPoint, targetMeters float64) (float64, bool) {
	type sample struct {
		dist float64
		t    time.Time
	}
	var samples []sample
	var cum float64
	var prev *decode.TrackPoint
	for i := range points {
		p := &points[i]
		if !p.HasPosition || p.Time.IsZero() {
			continue
		}
		if prev != nil {
			cum += track.Haversine(prev.Lat, prev.Lon, p.Lat, p.Lon)
		}
		samples = append(samples, sample{dist: cum, t: p.Time})
		prev = p
	}
	if len(samples) < 2 || cum < targetMeters {
		return 0, false
	}

	best := 0.0
	found := false
	start := 0
	for end := 1; end < len(samples); end++ {
		for samples[end].dist-samples[start+1].dist >= targetMeters {
			start++
		}
		covered := samples[end].dist - samples[start].dist
		if covered < targetMeters {
			continue
		}
		elapsed := samples[end].t.Sub(samples[start].t).Seconds()
		if elapsed <= 0 {
			continue
		}
		// The window overshoots the target; scale the leading segment's
		// time down as if pace were constant across it.
		overshoot := covered - targetMeters
		segDist := samples[start+1].dist - samples[start].dist
		segTime := samples[start+1].t.Sub(samples[start].t).Seconds()
		if segDist > 0 && overshoot < segDist {
			elapsed -= segTime * (overshoot / segDist)
		}
		if !found || elapsed < best {
			best = elapsed
			found = true
		}
	}
	return best, found
}
