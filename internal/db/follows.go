package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// Follow statuses.
const (
	FollowPending  = "PENDING"
	FollowAccepted = "ACCEPTED"
)

// Follow is a follow edge. Exactly one of FollowerUserID (local follower) or
// RemoteActorURI (remote follower) is set; FollowingActorURI is always the
// followee's ActivityPub id, local or remote.
type Follow struct {
	ID                string
	FollowerUserID    string
	RemoteActorURI    string
	FollowingActorURI string
	Status            string
	ActivityPubID     string
	CreatedAt         time.Time
}

const followColumns = `id, follower_user_id, remote_actor_uri, following_actor_uri,
	status, activity_pub_id, created_at`

// CreateFollow inserts a follow edge. Re-follows by the same side onto the
// same followee return the existing edge unchanged (idempotent on the unique
// pair), so a replayed Follow activity never duplicates.
func (s *Store) CreateFollow(ctx context.Context, f *Follow) error {
	if (f.FollowerUserID == "") == (f.RemoteActorURI == "") {
		return apperr.E(apperr.KindValidation, "follow must have exactly one follower side")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO follows (`+followColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.ID, nullIfEmpty(f.FollowerUserID), nullIfEmpty(f.RemoteActorURI),
		f.FollowingActorURI, f.Status, nullIfEmpty(f.ActivityPubID), f.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// AcceptFollow flips a pending edge to ACCEPTED, matched by the Follow
// activity's id. Accepting an already-accepted edge is a no-op.
func (s *Store) AcceptFollow(ctx context.Context, activityPubID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE follows SET status = 'ACCEPTED' WHERE activity_pub_id = ?`), activityPubID)
	return err
}

// AcceptFollowByPair accepts the edge a local user holds onto a followee,
// used when the remote Accept does not echo our Follow id.
func (s *Store) AcceptFollowByPair(ctx context.Context, followerUserID, followingActorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE follows SET status = 'ACCEPTED'
		WHERE follower_user_id = ? AND following_actor_uri = ?`),
		followerUserID, followingActorURI)
	return err
}

// DeleteFollowByActivityPubID removes the edge created by the given Follow
// activity. Used for Undo(Follow).
func (s *Store) DeleteFollowByActivityPubID(ctx context.Context, activityPubID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM follows WHERE activity_pub_id = ?`), activityPubID)
	return err
}

// DeleteFollowByPair removes a remote actor's edge onto a followee. Fallback
// for Undo payloads that omit the original Follow id.
func (s *Store) DeleteFollowByPair(ctx context.Context, remoteActorURI, followingActorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM follows WHERE remote_actor_uri = ? AND following_actor_uri = ?`),
		remoteActorURI, followingActorURI)
	return err
}

// GetFollowByActivityPubID loads the edge created by a Follow activity.
func (s *Store) GetFollowByActivityPubID(ctx context.Context, activityPubID string) (*Follow, error) {
	return s.scanFollow(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+followColumns+` FROM follows WHERE activity_pub_id = ?`), activityPubID))
}

// ListAcceptedFollowers returns the accepted followers of a local actor.
// Remote followers carry their actor URI; local followers their user id.
func (s *Store) ListAcceptedFollowers(ctx context.Context, followingActorURI string) ([]*Follow, error) {
	return s.queryFollows(ctx, `SELECT `+followColumns+` FROM follows
		WHERE following_actor_uri = ? AND status = 'ACCEPTED'
		ORDER BY created_at DESC`, followingActorURI)
}

// ListFollowing returns the edges a local user holds, any status.
func (s *Store) ListFollowing(ctx context.Context, followerUserID string) ([]*Follow, error) {
	return s.queryFollows(ctx, `SELECT `+followColumns+` FROM follows
		WHERE follower_user_id = ? ORDER BY created_at DESC`, followerUserID)
}

// ListAcceptedFollowingURIs returns the actor URIs a local user follows with
// an accepted edge. The timeline merger splits these into local and remote.
func (s *Store) ListAcceptedFollowingURIs(ctx context.Context, followerUserID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT following_actor_uri FROM follows
		WHERE follower_user_id = ? AND status = 'ACCEPTED'`), followerUserID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// IsFollowing reports whether follower (user id or remote actor URI) holds an
// accepted edge onto the followee.
func (s *Store) IsFollowing(ctx context.Context, followerUserID, remoteActorURI, followingActorURI string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM follows
		WHERE following_actor_uri = ? AND status = 'ACCEPTED'
		  AND (follower_user_id = ? OR remote_actor_uri = ?)`),
		followingActorURI, followerUserID, remoteActorURI).Scan(&n)
	return n > 0, err
}

// HasAcceptedLocalFollower reports whether any local user holds an accepted
// edge onto the actor. Shared-inbox deliveries name no recipient, so remote
// workout posts are gated on this instead of a per-user edge.
func (s *Store) HasAcceptedLocalFollower(ctx context.Context, followingActorURI string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM follows
		WHERE following_actor_uri = ? AND status = 'ACCEPTED'
		  AND follower_user_id IS NOT NULL`), followingActorURI).Scan(&n)
	return n > 0, err
}

// CountFollowers counts accepted followers of an actor.
func (s *Store) CountFollowers(ctx context.Context, followingActorURI string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM follows
		WHERE following_actor_uri = ? AND status = 'ACCEPTED'`), followingActorURI).Scan(&n)
	return n, err
}

// CountFollowing counts accepted edges held by a local user.
func (s *Store) CountFollowing(ctx context.Context, followerUserID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM follows
		WHERE follower_user_id = ? AND status = 'ACCEPTED'`), followerUserID).Scan(&n)
	return n, err
}

func (s *Store) queryFollows(ctx context.Context, query string, args ...any) ([]*Follow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Follow
	for rows.Next() {
		var f Follow
		var follower, remote, apID sql.NullString
		var createdAt int64
		if err := rows.Scan(&f.ID, &follower, &remote, &f.FollowingActorURI,
			&f.Status, &apID, &createdAt); err != nil {
			return nil, err
		}
		f.FollowerUserID = follower.String
		f.RemoteActorURI = remote.String
		f.ActivityPubID = apID.String
		f.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *Store) scanFollow(row *sql.Row) (*Follow, error) {
	var f Follow
	var follower, remote, apID sql.NullString
	var createdAt int64
	err := row.Scan(&f.ID, &follower, &remote, &f.FollowingActorURI,
		&f.Status, &apID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "follow not found")
	}
	if err != nil {
		return nil, err
	}
	f.FollowerUserID = follower.String
	f.RemoteActorURI = remote.String
	f.ActivityPubID = apID.String
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &f, nil
}
