package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// RemoteActor is a cached remote ActivityPub profile. Stale is set when
// deliveries to the actor are rejected with 401/403, which forces a re-fetch
// before the key is trusted again.
type RemoteActor struct {
	ActorURI       string
	Username       string
	InboxURL       string
	SharedInboxURL string
	PublicKeyPEM   string
	PublicKeyID    string
	DisplayName    string
	AvatarURL      string
	Summary        string
	Stale          bool
	LastFetched    time.Time
}

// UpsertRemoteActor inserts or refreshes a cached actor and clears the stale
// flag.
func (s *Store) UpsertRemoteActor(ctx context.Context, a *RemoteActor) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO remote_actors (actor_uri, username, inbox_url, shared_inbox_url,
			public_key_pem, public_key_id, display_name, avatar_url, summary,
			stale, last_fetched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (actor_uri) DO UPDATE SET
			username = excluded.username,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			public_key_pem = excluded.public_key_pem,
			public_key_id = excluded.public_key_id,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			summary = excluded.summary,
			stale = excluded.stale,
			last_fetched = excluded.last_fetched`),
		a.ActorURI, a.Username, a.InboxURL, a.SharedInboxURL, a.PublicKeyPEM,
		a.PublicKeyID, a.DisplayName, a.AvatarURL, a.Summary, a.Stale,
		a.LastFetched.Unix())
	return err
}

// GetRemoteActor loads a cached actor by URI.
func (s *Store) GetRemoteActor(ctx context.Context, actorURI string) (*RemoteActor, error) {
	var a RemoteActor
	var lastFetched int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT actor_uri, username, inbox_url, shared_inbox_url, public_key_pem,
			public_key_id, display_name, avatar_url, summary, stale, last_fetched
		FROM remote_actors WHERE actor_uri = ?`), actorURI).Scan(
		&a.ActorURI, &a.Username, &a.InboxURL, &a.SharedInboxURL, &a.PublicKeyPEM,
		&a.PublicKeyID, &a.DisplayName, &a.AvatarURL, &a.Summary, &a.Stale, &lastFetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "remote actor not cached")
	}
	if err != nil {
		return nil, err
	}
	a.LastFetched = time.Unix(lastFetched, 0).UTC()
	return &a, nil
}

// GetRemoteActors loads the cached actors for a set of URIs; unknown URIs are
// simply absent from the result.
func (s *Store) GetRemoteActors(ctx context.Context, actorURIs []string) (map[string]*RemoteActor, error) {
	out := make(map[string]*RemoteActor, len(actorURIs))
	if len(actorURIs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT actor_uri, username, inbox_url, shared_inbox_url, public_key_pem,
			public_key_id, display_name, avatar_url, summary, stale, last_fetched
		FROM remote_actors WHERE actor_uri IN (`+placeholders(len(actorURIs))+`)`),
		toAnySlice(actorURIs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a RemoteActor
		var lastFetched int64
		if err := rows.Scan(&a.ActorURI, &a.Username, &a.InboxURL, &a.SharedInboxURL,
			&a.PublicKeyPEM, &a.PublicKeyID, &a.DisplayName, &a.AvatarURL,
			&a.Summary, &a.Stale, &lastFetched); err != nil {
			return nil, err
		}
		a.LastFetched = time.Unix(lastFetched, 0).UTC()
		out[a.ActorURI] = &a
	}
	return out, rows.Err()
}

// MarkRemoteActorStale flags a cached actor so its key is re-fetched before
// the next signed exchange.
func (s *Store) MarkRemoteActorStale(ctx context.Context, actorURI string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE remote_actors SET stale = `+s.boolLit(true)+` WHERE actor_uri = ?`),
		actorURI)
	return err
}

// RemoteActivity is a federated workout note received from a remote actor,
// with the structured workoutData extension denormalised for timeline reads.
type RemoteActivity struct {
	ActivityURI     string
	ActorURI        string
	Content         string
	StartedAt       *time.Time
	ActivityType    string
	DistanceMeters  float64
	DurationSeconds int64
	AveragePace     float64
	ElevationGain   float64
	AvgHeartRate    float64
	MapImageURL     string
	TrackGeoJSONURL string
	Visibility      string
	ReceivedAt      time.Time
}

const remoteActivityColumns = `activity_uri, actor_uri, content, started_at,
	activity_type, distance_meters, duration_seconds, average_pace, elevation_gain,
	avg_heart_rate, map_image_url, track_geojson_url, visibility, received_at`

// UpsertRemoteActivity stores a remote workout, replacing any earlier version
// of the same object so a redelivered Create stays single.
func (s *Store) UpsertRemoteActivity(ctx context.Context, ra *RemoteActivity) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO remote_activities (`+remoteActivityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (activity_uri) DO UPDATE SET
			content = excluded.content,
			started_at = excluded.started_at,
			activity_type = excluded.activity_type,
			distance_meters = excluded.distance_meters,
			duration_seconds = excluded.duration_seconds,
			average_pace = excluded.average_pace,
			elevation_gain = excluded.elevation_gain,
			avg_heart_rate = excluded.avg_heart_rate,
			map_image_url = excluded.map_image_url,
			track_geojson_url = excluded.track_geojson_url,
			visibility = excluded.visibility`),
		ra.ActivityURI, ra.ActorURI, ra.Content, unixOrNil(ra.StartedAt),
		ra.ActivityType, ra.DistanceMeters, ra.DurationSeconds, ra.AveragePace,
		ra.ElevationGain, ra.AvgHeartRate, ra.MapImageURL, ra.TrackGeoJSONURL,
		ra.Visibility, ra.ReceivedAt.Unix())
	return err
}

// DeleteRemoteActivity removes a single remote object, but only when the
// given actor authored it. Anyone else's Delete silently matches nothing.
func (s *Store) DeleteRemoteActivity(ctx context.Context, activityURI, actorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM remote_activities WHERE activity_uri = ? AND actor_uri = ?`),
		activityURI, actorURI)
	return err
}

// ListRemoteActivitiesByActors returns remote workouts from any of the given
// actors, newest first. Used by the timeline merger.
func (s *Store) ListRemoteActivitiesByActors(ctx context.Context, actorURIs []string, limit int) ([]*RemoteActivity, error) {
	if len(actorURIs) == 0 {
		return nil, nil
	}
	args := toAnySlice(actorURIs)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+remoteActivityColumns+` FROM remote_activities
		WHERE actor_uri IN (`+placeholders(len(actorURIs))+`)
		ORDER BY started_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RemoteActivity
	for rows.Next() {
		var ra RemoteActivity
		var startedAt sql.NullInt64
		var receivedAt int64
		if err := rows.Scan(&ra.ActivityURI, &ra.ActorURI, &ra.Content, &startedAt,
			&ra.ActivityType, &ra.DistanceMeters, &ra.DurationSeconds, &ra.AveragePace,
			&ra.ElevationGain, &ra.AvgHeartRate, &ra.MapImageURL, &ra.TrackGeoJSONURL,
			&ra.Visibility, &receivedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0).UTC()
			ra.StartedAt = &t
		}
		ra.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		out = append(out, &ra)
	}
	return out, rows.Err()
}

// DeleteRemoteActorData wipes everything a remote actor left behind: their
// cached profile, workouts, follow edges, likes and comments. Used for
// Delete(actor).
func (s *Store) DeleteRemoteActorData(ctx context.Context, actorURI string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM remote_activities WHERE actor_uri = ?`,
			`DELETE FROM follows WHERE remote_actor_uri = ?`,
			`DELETE FROM follows WHERE following_actor_uri = ?`,
			`DELETE FROM likes WHERE remote_actor_uri = ?`,
			`DELETE FROM comments WHERE remote_actor_uri = ?`,
			`DELETE FROM remote_actors WHERE actor_uri = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(q), actorURI); err != nil {
				return err
			}
		}
		return nil
	})
}
