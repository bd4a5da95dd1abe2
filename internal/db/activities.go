package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// Visibility levels of an activity.
const (
	VisibilityPublic    = "PUBLIC"
	VisibilityFollowers = "FOLLOWERS"
	VisibilityPrivate   = "PRIVATE"
)

// Activity is a locally owned workout. Track points and geometry are stored
// as JSON text; the raw upload is retained for re-parsing.
type Activity struct {
	ID                 string
	UserID             string
	ActivityType       string
	Title              string
	Description        string
	StartedAt          *time.Time
	EndedAt            *time.Time
	Timezone           string
	Visibility         string
	DistanceMeters     float64
	DurationSeconds    int64
	ElevationGain      float64
	ElevationLoss      float64
	RawFile            []byte
	SourceFormat       string
	SimplifiedGeometry string // JSON [[lon,lat],...], WGS84
	ShareGeometry      string // privacy-masked, endpoint-trimmed line
	TrackPoints        string // JSON array of track points
	Indoor             bool
	IndoorMethod       string
	SubSport           string
	CreatedAt          time.Time
}

// Metrics is the 1:1 aggregate-channel row of an activity.
type Metrics struct {
	ActivityID     string
	AvgHeartRate   float64
	MaxHeartRate   float64
	AvgCadence     float64
	AvgPower       float64
	AvgSpeed       float64
	MaxSpeed       float64
	Calories       int
	MinElevation   float64
	MaxElevation   float64
	AvgTemperature float64
	HasTemperature bool
}

const activityColumns = `id, user_id, activity_type, title, description, started_at, ended_at,
	timezone, visibility, distance_meters, duration_seconds, elevation_gain, elevation_loss,
	source_format, simplified_geometry, share_geometry, indoor, indoor_method, sub_sport, created_at`

// SaveActivity persists an activity and its metrics in one transaction:
// either the whole activity is visible afterwards or none of it.
func (s *Store) SaveActivity(ctx context.Context, a *Activity, m *Metrics) error {
	if a.EndedAt != nil && a.StartedAt != nil && a.EndedAt.Before(*a.StartedAt) {
		return apperr.E(apperr.KindValidation, "ended_at precedes started_at")
	}
	if a.DurationSeconds < 0 {
		return apperr.E(apperr.KindValidation, "negative duration")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO activities (id, user_id, activity_type, title, description,
				started_at, ended_at, timezone, visibility, distance_meters,
				duration_seconds, elevation_gain, elevation_loss, raw_file,
				source_format, simplified_geometry, share_geometry, track_points,
				indoor, indoor_method, sub_sport, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.UserID, a.ActivityType, a.Title, a.Description,
			unixOrNil(a.StartedAt), unixOrNil(a.EndedAt), a.Timezone, a.Visibility,
			a.DistanceMeters, a.DurationSeconds, a.ElevationGain, a.ElevationLoss,
			a.RawFile, a.SourceFormat, nullIfEmpty(a.SimplifiedGeometry),
			nullIfEmpty(a.ShareGeometry), nullIfEmpty(a.TrackPoints),
			a.Indoor, a.IndoorMethod, a.SubSport, a.CreatedAt.Unix())
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO activity_metrics (activity_id, avg_heart_rate, max_heart_rate,
				avg_cadence, avg_power, avg_speed, max_speed, calories,
				min_elevation, max_elevation, avg_temperature, has_temperature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, m.AvgHeartRate, m.MaxHeartRate, m.AvgCadence, m.AvgPower,
			m.AvgSpeed, m.MaxSpeed, m.Calories, m.MinElevation, m.MaxElevation,
			m.AvgTemperature, m.HasTemperature)
		return err
	})
}

// GetActivity loads an activity without its heavyweight columns (raw file,
// track points).
func (s *Store) GetActivity(ctx context.Context, id string) (*Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+activityColumns+` FROM activities WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, apperr.E(apperr.KindNotFound, "activity not found")
	}
	return scanActivity(rows)
}

// GetActivityTrackPoints returns the stored JSON track-point array.
func (s *Store) GetActivityTrackPoints(ctx context.Context, id string) (string, error) {
	var pts sql.NullString
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT track_points FROM activities WHERE id = ?`), id).Scan(&pts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.E(apperr.KindNotFound, "activity not found")
	}
	return pts.String, err
}

// GetActivityMetrics loads the metrics row for an activity.
func (s *Store) GetActivityMetrics(ctx context.Context, id string) (*Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT activity_id, avg_heart_rate, max_heart_rate, avg_cadence, avg_power,
			avg_speed, max_speed, calories, min_elevation, max_elevation,
			avg_temperature, has_temperature
		FROM activity_metrics WHERE activity_id = ?`), id).Scan(
		&m.ActivityID, &m.AvgHeartRate, &m.MaxHeartRate, &m.AvgCadence, &m.AvgPower,
		&m.AvgSpeed, &m.MaxSpeed, &m.Calories, &m.MinElevation, &m.MaxElevation,
		&m.AvgTemperature, &m.HasTemperature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "metrics not found")
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CanViewActivity applies the visibility rules: PUBLIC is open, FOLLOWERS
// needs an ACCEPTED follow edge onto the owner's actor URI, PRIVATE is
// owner-only. viewerID may be empty (anonymous); ownerActorURI is the
// owner's ActivityPub id used by remote follow edges.
func (s *Store) CanViewActivity(ctx context.Context, a *Activity, viewerID, viewerActorURI, ownerActorURI string) (bool, error) {
	switch a.Visibility {
	case VisibilityPublic:
		return true, nil
	case VisibilityPrivate:
		return viewerID != "" && viewerID == a.UserID, nil
	case VisibilityFollowers:
		if viewerID != "" && viewerID == a.UserID {
			return true, nil
		}
		if viewerID == "" && viewerActorURI == "" {
			return false, nil
		}
		var n int
		err := s.db.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM follows
			WHERE following_actor_uri = ? AND status = 'ACCEPTED'
			  AND (follower_user_id = ? OR remote_actor_uri = ?)`),
			ownerActorURI, viewerID, viewerActorURI).Scan(&n)
		return n > 0, err
	default:
		return false, nil
	}
}

// UpdateActivityMeta updates the only mutable fields: title, description and
// visibility. Owner-exclusive; callers authorize first.
// UpdateActivityShareGeometry replaces the privacy-masked share geometry.
// An empty string means nothing of the track is publishable anymore.
func (s *Store) UpdateActivityShareGeometry(ctx context.Context, id, geometry string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE activities SET share_geometry = ? WHERE id = ?`), geometry, id)
	return err
}

func (s *Store) UpdateActivityMeta(ctx context.Context, id, title, description, visibility string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE activities SET title = ?, description = ?, visibility = ? WHERE id = ?`),
		title, description, visibility, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "activity not found")
	}
	return nil
}

// DeleteActivity removes an activity and everything that hangs off it:
// metrics, likes, comments, heatmap contributions and analytics rows that
// reference it.
func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM activity_metrics WHERE activity_id = ?`,
			`DELETE FROM likes WHERE activity_id = ?`,
			`DELETE FROM comments WHERE activity_id = ?`,
			`DELETE FROM personal_records WHERE activity_id = ?`,
			`DELETE FROM batch_import_files WHERE activity_id = ?`,
			`DELETE FROM activities WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListUserActivities returns a page of a user's activities restricted to the
// given visibilities, newest first.
func (s *Store) ListUserActivities(ctx context.Context, userID string, visibilities []string, limit, offset int) ([]*Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities
		WHERE user_id = ? AND visibility IN (` + placeholders(len(visibilities)) + `)
		ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args := append([]any{userID}, toAnySlice(visibilities)...)
	args = append(args, limit, offset)
	return s.queryActivities(ctx, query, args...)
}

// ListActivitiesByUsers returns activities of any of the given users within
// the given visibilities, newest first. Used by the timeline merger, which
// over-fetches and merges with the remote stream.
func (s *Store) ListActivitiesByUsers(ctx context.Context, userIDs, visibilities []string, limit int) ([]*Activity, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + activityColumns + ` FROM activities
		WHERE user_id IN (` + placeholders(len(userIDs)) + `)
		  AND visibility IN (` + placeholders(len(visibilities)) + `)
		ORDER BY started_at DESC LIMIT ?`
	args := toAnySlice(userIDs)
	args = append(args, toAnySlice(visibilities)...)
	args = append(args, limit)
	return s.queryActivities(ctx, query, args...)
}

// ListPublicActivities is the public timeline: local, PUBLIC only.
func (s *Store) ListPublicActivities(ctx context.Context, limit, offset int) ([]*Activity, error) {
	return s.queryActivities(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE visibility = 'PUBLIC' ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

// ListUserActivityIDs returns ids of all activities of a user, optionally
// outdoor-only. Used by rebuild passes.
func (s *Store) ListUserActivityIDs(ctx context.Context, userID string, outdoorOnly bool) ([]string, error) {
	query := `SELECT id FROM activities WHERE user_id = ?`
	if outdoorOnly {
		query += ` AND indoor = ` + s.boolLit(false)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY started_at`), userID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// CountUserActivities counts a user's activities, optionally by type.
func (s *Store) CountUserActivities(ctx context.Context, userID, activityType string) (int, error) {
	var n int
	var err error
	if activityType == "" {
		err = s.db.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM activities WHERE user_id = ?`), userID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM activities WHERE user_id = ? AND activity_type = ?`),
			userID, activityType).Scan(&n)
	}
	return n, err
}

// ActivityStats decorates a set of activities with like/comment counts and
// whether the viewer liked them, in two grouped queries (no per-item loads).
type ActivityStats struct {
	Likes    int
	Comments int
	Liked    bool
}

// GetActivityStats returns stats keyed by activity id for the given ids.
func (s *Store) GetActivityStats(ctx context.Context, activityIDs []string, viewerID string) (map[string]*ActivityStats, error) {
	out := make(map[string]*ActivityStats, len(activityIDs))
	if len(activityIDs) == 0 {
		return out, nil
	}
	for _, id := range activityIDs {
		out[id] = &ActivityStats{}
	}

	ph := placeholders(len(activityIDs))
	args := toAnySlice(activityIDs)

	likeRows, err := s.db.QueryContext(ctx, s.q(`
		SELECT activity_id, COUNT(*), COUNT(*) FILTER (WHERE user_id = ?)
		FROM likes WHERE activity_id IN (`+ph+`) GROUP BY activity_id`),
		append([]any{viewerID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer likeRows.Close()
	for likeRows.Next() {
		var id string
		var total, mine int
		if err := likeRows.Scan(&id, &total, &mine); err != nil {
			return nil, err
		}
		st := out[id]
		st.Likes = total
		st.Liked = mine > 0
	}
	if err := likeRows.Err(); err != nil {
		return nil, err
	}

	commentRows, err := s.db.QueryContext(ctx, s.q(`
		SELECT activity_id, COUNT(*) FROM comments
		WHERE activity_id IN (`+ph+`) GROUP BY activity_id`), args...)
	if err != nil {
		return nil, err
	}
	defer commentRows.Close()
	for commentRows.Next() {
		var id string
		var total int
		if err := commentRows.Scan(&id, &total); err != nil {
			return nil, err
		}
		out[id].Comments = total
	}
	return out, commentRows.Err()
}

func (s *Store) queryActivities(ctx context.Context, query string, args ...any) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(rows *sql.Rows) (*Activity, error) {
	var a Activity
	var startedAt, endedAt sql.NullInt64
	var simplified, share sql.NullString
	var createdAt int64
	err := rows.Scan(&a.ID, &a.UserID, &a.ActivityType, &a.Title, &a.Description,
		&startedAt, &endedAt, &a.Timezone, &a.Visibility, &a.DistanceMeters,
		&a.DurationSeconds, &a.ElevationGain, &a.ElevationLoss, &a.SourceFormat,
		&simplified, &share, &a.Indoor, &a.IndoorMethod, &a.SubSport, &createdAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		a.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0).UTC()
		a.EndedAt = &t
	}
	a.SimplifiedGeometry = simplified.String
	a.ShareGeometry = share.String
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) boolLit(v bool) string {
	if s.driver == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
