package analytics

import (
	"context"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/stridefed/stride/internal/db"
)

// Training-load windows and thresholds. ATL tracks the acute (7-day) stress
// mean, CTL the chronic (28-day) one; TSB is their difference.
const (
	atlWindowDays = 7
	ctlWindowDays = 28

	formThreshold = 5.0

	FormFresh    = "FRESH"
	FormOptimal  = "OPTIMAL"
	FormFatigued = "FATIGUED"
)

// referenceSpeed normalises intensity: an hour at 3 m/s scores 100 TSS, and
// the intensity factor is capped at 1 so slow long efforts score on duration.
const referenceSpeed = 3.0

// climbEquivalentMeters converts vertical gain into flat-distance effort:
// one metre of climb costs about as much as 8.3 m on the flat, the classic
// Naismith ratio.
const climbEquivalentMeters = 8.3

// Load maintains the per-day training-load series.
type Load struct {
	store *db.Store
	log   *slog.Logger
}

func NewLoad(store *db.Store, log *slog.Logger) *Load {
	return &Load{store: store, log: log}
}

// ActivityTSS scores one activity. Elevation gain is folded in as
// grade-adjusted speed, so a hilly effort scores above a flat one recorded
// at the same pace.
func ActivityTSS(durationSeconds int64, avgSpeed, distanceMeters, elevationGain float64) float64 {
	hours := float64(durationSeconds) / 3600
	speed := avgSpeed
	if distanceMeters > 0 && elevationGain > 0 {
		speed *= (distanceMeters + climbEquivalentMeters*elevationGain) / distanceMeters
	}
	intensity := speed / referenceSpeed
	if intensity > 1 {
		intensity = 1
	}
	return hours * intensity * 100
}

// Rebuild recomputes the whole series for a user from their activities,
// covering every day from the first activity through today. Days without
// activities carry zero TSS but still move the rolling means.
func (l *Load) Rebuild(ctx context.Context, userID string) error {
	activities, err := l.store.ListActivitiesForAnalytics(ctx, userID)
	if err != nil {
		return err
	}

	daily := make(map[string]float64)
	var first time.Time
	for _, a := range activities {
		if a.StartedAt == nil {
			continue
		}
		day := a.StartedAt.Format("2006-01-02")
		daily[day] += ActivityTSS(a.DurationSeconds, a.AvgSpeed, a.DistanceMeters, a.ElevationGain)
		if first.IsZero() || a.StartedAt.Before(first) {
			first = *a.StartedAt
		}
	}
	if first.IsZero() {
		return nil
	}

	start := first.Truncate(24 * time.Hour)
	end := time.Now().UTC().Truncate(24 * time.Hour)

	var series []float64
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		series = append(series, daily[key])

		atl := windowMean(series, atlWindowDays)
		ctl := windowMean(series, ctlWindowDays)
		tsb := ctl - atl

		err := l.store.UpsertTrainingLoad(ctx, &db.TrainingLoadDay{
			UserID: userID,
			Day:    key,
			TSS:    daily[key],
			ATL:    atl,
			CTL:    ctl,
			TSB:    tsb,
			Form:   FormOf(tsb),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// FormOf maps training stress balance onto the three coaching states.
func FormOf(tsb float64) string {
	switch {
	case tsb > formThreshold:
		return FormFresh
	case tsb < -formThreshold:
		return FormFatigued
	default:
		return FormOptimal
	}
}

// windowMean averages the trailing window of the series, shorter at the
// start when fewer days exist.
func windowMean(series []float64, window int) float64 {
	n := len(series)
	if n == 0 {
		return 0
	}
	lo := n - window
	if lo < 0 {
		lo = 0
	}
	return stat.Mean(series[lo:], nil)
}
