package db

import (
	"context"
	"database/sql"
	"time"
)

// PersonalRecord is a user's best value for one (activity type, record type)
// pair, e.g. (running, FASTEST_5K).
type PersonalRecord struct {
	UserID       string
	ActivityType string
	RecordType   string
	Value        float64
	ActivityID   string
	AchievedAt   time.Time
}

// UpsertPersonalRecord stores a record value for a slot, replacing whatever
// was there. Comparison against the old value happens in the analytics layer,
// which knows whether lower or higher is better for the record type.
func (s *Store) UpsertPersonalRecord(ctx context.Context, r *PersonalRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO personal_records (user_id, activity_type, record_type, value,
			activity_id, achieved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, activity_type, record_type) DO UPDATE SET
			value = excluded.value,
			activity_id = excluded.activity_id,
			achieved_at = excluded.achieved_at`),
		r.UserID, r.ActivityType, r.RecordType, r.Value, r.ActivityID,
		r.AchievedAt.Unix())
	return err
}

// GetPersonalRecord returns the current holder of a record slot, or nil when
// the slot is empty.
func (s *Store) GetPersonalRecord(ctx context.Context, userID, activityType, recordType string) (*PersonalRecord, error) {
	var r PersonalRecord
	var achievedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT user_id, activity_type, record_type, value, activity_id, achieved_at
		FROM personal_records
		WHERE user_id = ? AND activity_type = ? AND record_type = ?`),
		userID, activityType, recordType).Scan(
		&r.UserID, &r.ActivityType, &r.RecordType, &r.Value, &r.ActivityID, &achievedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.AchievedAt = time.Unix(achievedAt, 0).UTC()
	return &r, nil
}

// ListPersonalRecords returns all of a user's records.
func (s *Store) ListPersonalRecords(ctx context.Context, userID string) ([]*PersonalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, activity_type, record_type, value, activity_id, achieved_at
		FROM personal_records WHERE user_id = ?
		ORDER BY activity_type, record_type`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PersonalRecord
	for rows.Next() {
		var r PersonalRecord
		var achievedAt int64
		if err := rows.Scan(&r.UserID, &r.ActivityType, &r.RecordType, &r.Value,
			&r.ActivityID, &achievedAt); err != nil {
			return nil, err
		}
		r.AchievedAt = time.Unix(achievedAt, 0).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeletePersonalRecords clears all of a user's records ahead of a rebuild.
func (s *Store) DeletePersonalRecords(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM personal_records WHERE user_id = ?`), userID)
	return err
}

// Achievement is a one-time badge; the unique constraint makes granting
// idempotent.
type Achievement struct {
	UserID          string
	AchievementType string
	ActivityID      string
	EarnedAt        time.Time
}

// GrantAchievement awards a badge; re-granting an earned badge is a no-op.
// Returns true when the badge is new.
func (s *Store) GrantAchievement(ctx context.Context, a *Achievement) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO achievements (user_id, achievement_type, activity_id, earned_at)
		VALUES (?, ?, ?, ?)`),
		a.UserID, a.AchievementType, a.ActivityID, a.EarnedAt.Unix())
	if isUniqueViolation(err) {
		return false, nil
	}
	return err == nil, err
}

// ListAchievements returns a user's badges, newest first.
func (s *Store) ListAchievements(ctx context.Context, userID string) ([]*Achievement, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, achievement_type, activity_id, earned_at
		FROM achievements WHERE user_id = ? ORDER BY earned_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Achievement
	for rows.Next() {
		var a Achievement
		var earnedAt int64
		if err := rows.Scan(&a.UserID, &a.AchievementType, &a.ActivityID, &earnedAt); err != nil {
			return nil, err
		}
		a.EarnedAt = time.Unix(earnedAt, 0).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// TrainingLoadDay is one day of the training-load series. Day is a
// YYYY-MM-DD string in the user's local date.
type TrainingLoadDay struct {
	UserID string
	Day    string
	TSS    float64
	ATL    float64
	CTL    float64
	TSB    float64
	Form   string
}

// UpsertTrainingLoad writes a day's load values, replacing earlier ones.
func (s *Store) UpsertTrainingLoad(ctx context.Context, d *TrainingLoadDay) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO training_load (user_id, day, tss, atl, ctl, tsb, form)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, day) DO UPDATE SET
			tss = excluded.tss, atl = excluded.atl, ctl = excluded.ctl,
			tsb = excluded.tsb, form = excluded.form`),
		d.UserID, d.Day, d.TSS, d.ATL, d.CTL, d.TSB, d.Form)
	return err
}

// ListTrainingLoad returns days in [from, to] ascending.
func (s *Store) ListTrainingLoad(ctx context.Context, userID, from, to string) ([]*TrainingLoadDay, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, day, tss, atl, ctl, tsb, form FROM training_load
		WHERE user_id = ? AND day >= ? AND day <= ? ORDER BY day`), userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TrainingLoadDay
	for rows.Next() {
		var d TrainingLoadDay
		if err := rows.Scan(&d.UserID, &d.Day, &d.TSS, &d.ATL, &d.CTL, &d.TSB, &d.Form); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Summary period types.
const (
	PeriodWeekly  = "WEEKLY"
	PeriodMonthly = "MONTHLY"
	PeriodYearly  = "YEARLY"
)

// ActivitySummary is a pre-aggregated rollup over one period of a user's
// activities. TypeBreakdown is a JSON object of activity type to count.
type ActivitySummary struct {
	UserID           string
	PeriodType       string
	PeriodStart      string
	ActivityCount    int
	TotalDuration    int64
	TotalDistance    float64
	TotalElevation   float64
	MaxSpeed         float64
	AvgSpeed         float64
	TypeBreakdown    string
	PRCount          int
	AchievementCount int
}

// UpsertActivitySummary writes a period rollup, replacing earlier values.
func (s *Store) UpsertActivitySummary(ctx context.Context, sum *ActivitySummary) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO activity_summaries (user_id, period_type, period_start,
			activity_count, total_duration, total_distance, total_elevation,
			max_speed, avg_speed, type_breakdown, pr_count, achievement_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, period_type, period_start) DO UPDATE SET
			activity_count = excluded.activity_count,
			total_duration = excluded.total_duration,
			total_distance = excluded.total_distance,
			total_elevation = excluded.total_elevation,
			max_speed = excluded.max_speed,
			avg_speed = excluded.avg_speed,
			type_breakdown = excluded.type_breakdown,
			pr_count = excluded.pr_count,
			achievement_count = excluded.achievement_count`),
		sum.UserID, sum.PeriodType, sum.PeriodStart, sum.ActivityCount,
		sum.TotalDuration, sum.TotalDistance, sum.TotalElevation, sum.MaxSpeed,
		sum.AvgSpeed, sum.TypeBreakdown, sum.PRCount, sum.AchievementCount)
	return err
}

// ListActivitySummaries returns a user's rollups of one period type, newest
// first.
func (s *Store) ListActivitySummaries(ctx context.Context, userID, periodType string, limit int) ([]*ActivitySummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, period_type, period_start, activity_count, total_duration,
			total_distance, total_elevation, max_speed, avg_speed, type_breakdown,
			pr_count, achievement_count
		FROM activity_summaries WHERE user_id = ? AND period_type = ?
		ORDER BY period_start DESC LIMIT ?`), userID, periodType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ActivitySummary
	for rows.Next() {
		var sum ActivitySummary
		if err := rows.Scan(&sum.UserID, &sum.PeriodType, &sum.PeriodStart,
			&sum.ActivityCount, &sum.TotalDuration, &sum.TotalDistance,
			&sum.TotalElevation, &sum.MaxSpeed, &sum.AvgSpeed, &sum.TypeBreakdown,
			&sum.PRCount, &sum.AchievementCount); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// ListActivitiesForAnalytics streams the lightweight per-activity fields the
// analytics rebuilds need, oldest first.
type AnalyticsActivity struct {
	ID              string
	ActivityType    string
	StartedAt       *time.Time
	DistanceMeters  float64
	DurationSeconds int64
	ElevationGain   float64
	AvgSpeed        float64
	MaxSpeed        float64
	Indoor          bool
}

func (s *Store) ListActivitiesForAnalytics(ctx context.Context, userID string) ([]*AnalyticsActivity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT a.id, a.activity_type, a.started_at, a.distance_meters,
			a.duration_seconds, a.elevation_gain, m.avg_speed, m.max_speed, a.indoor
		FROM activities a
		JOIN activity_metrics m ON m.activity_id = a.id
		WHERE a.user_id = ?
		ORDER BY a.started_at`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AnalyticsActivity
	for rows.Next() {
		var a AnalyticsActivity
		var startedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.ActivityType, &startedAt, &a.DistanceMeters,
			&a.DurationSeconds, &a.ElevationGain, &a.AvgSpeed, &a.MaxSpeed, &a.Indoor); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0).UTC()
			a.StartedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
