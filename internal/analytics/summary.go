package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stridefed/stride/internal/db"
)

// Summaries maintains the weekly, monthly and yearly rollup rows.
type Summaries struct {
	store *db.Store
	log   *slog.Logger
}

func NewSummaries(store *db.Store, log *slog.Logger) *Summaries {
	return &Summaries{store: store, log: log}
}

// Rebuild recomputes every period rollup of a user. Weeks start on Monday.
func (s *Summaries) Rebuild(ctx context.Context, userID string) error {
	activities, err := s.store.ListActivitiesForAnalytics(ctx, userID)
	if err != nil {
		return err
	}

	type bucket struct {
		periodType string
		start      string
		count      int
		duration   int64
		distance   float64
		elevation  float64
		maxSpeed   float64
		speedSum   float64
		types      map[string]int
		prCount    int
		achCount   int
	}
	buckets := make(map[string]*bucket)

	get := func(periodType, start string) *bucket {
		key := periodType + "|" + start
		b := buckets[key]
		if b == nil {
			b = &bucket{periodType: periodType, start: start, types: make(map[string]int)}
			buckets[key] = b
		}
		return b
	}
	add := func(periodType, start string, a *db.AnalyticsActivity) {
		b := get(periodType, start)
		b.count++
		b.duration += a.DurationSeconds
		b.distance += a.DistanceMeters
		b.elevation += a.ElevationGain
		b.speedSum += a.AvgSpeed
		if a.MaxSpeed > b.maxSpeed {
			b.maxSpeed = a.MaxSpeed
		}
		b.types[a.ActivityType]++
	}

	for _, a := range activities {
		if a.StartedAt == nil {
			continue
		}
		t := a.StartedAt.UTC()
		add(db.PeriodWeekly, weekStart(t), a)
		add(db.PeriodMonthly, t.Format("2006-01"), a)
		add(db.PeriodYearly, t.Format("2006"), a)
	}

	// Records and badges count into the period they were earned in.
	records, err := s.store.ListPersonalRecords(ctx, userID)
	if err != nil {
		return err
	}
	for _, r := range records {
		t := r.AchievedAt.UTC()
		get(db.PeriodWeekly, weekStart(t)).prCount++
		get(db.PeriodMonthly, t.Format("2006-01")).prCount++
		get(db.PeriodYearly, t.Format("2006")).prCount++
	}
	badges, err := s.store.ListAchievements(ctx, userID)
	if err != nil {
		return err
	}
	for _, badge := range badges {
		t := badge.EarnedAt.UTC()
		get(db.PeriodWeekly, weekStart(t)).achCount++
		get(db.PeriodMonthly, t.Format("2006-01")).achCount++
		get(db.PeriodYearly, t.Format("2006")).achCount++
	}

	for _, b := range buckets {
		breakdown, _ := json.Marshal(b.types)
		avgSpeed := 0.0
		if b.count > 0 {
			avgSpeed = b.speedSum / float64(b.count)
		}
		err := s.store.UpsertActivitySummary(ctx, &db.ActivitySummary{
			UserID:           userID,
			PeriodType:       b.periodType,
			PeriodStart:      b.start,
			ActivityCount:    b.count,
			TotalDuration:    b.duration,
			TotalDistance:    b.distance,
			TotalElevation:   b.elevation,
			MaxSpeed:         b.maxSpeed,
			AvgSpeed:         avgSpeed,
			TypeBreakdown:    string(breakdown),
			PRCount:          b.prCount,
			AchievementCount: b.achCount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// weekStart returns the Monday of t's ISO week as YYYY-MM-DD.
func weekStart(t time.Time) string {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday closes the week
	}
	monday := t.AddDate(0, 0, -(weekday - 1))
	return monday.Format("2006-01-02")
}
