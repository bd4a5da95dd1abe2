package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// ActivityWeather is the observed conditions at an activity's start, fetched
// once from the weather provider.
type ActivityWeather struct {
	ActivityID    string
	Temperature   float64 // °C
	Humidity      float64 // percent
	WindSpeed     float64 // m/s
	WindDirection float64 // degrees
	Condition     string
	FetchedAt     time.Time
}

// UpsertActivityWeather stores the conditions for an activity.
func (s *Store) UpsertActivityWeather(ctx context.Context, w *ActivityWeather) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO activity_weather (activity_id, temperature, humidity,
			wind_speed, wind_direction, condition, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (activity_id) DO UPDATE SET
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			wind_speed = excluded.wind_speed,
			wind_direction = excluded.wind_direction,
			condition = excluded.condition,
			fetched_at = excluded.fetched_at`),
		w.ActivityID, w.Temperature, w.Humidity, w.WindSpeed, w.WindDirection,
		w.Condition, w.FetchedAt.Unix())
	return err
}

// GetActivityWeather loads the stored conditions for an activity.
func (s *Store) GetActivityWeather(ctx context.Context, activityID string) (*ActivityWeather, error) {
	var w ActivityWeather
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT activity_id, temperature, humidity, wind_speed, wind_direction,
			condition, fetched_at
		FROM activity_weather WHERE activity_id = ?`), activityID).Scan(
		&w.ActivityID, &w.Temperature, &w.Humidity, &w.WindSpeed,
		&w.WindDirection, &w.Condition, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "no weather for activity")
	}
	if err != nil {
		return nil, err
	}
	w.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	return &w, nil
}
