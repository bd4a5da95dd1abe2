package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// Like is one actor's like on a local activity. One of UserID and
// RemoteActorURI is set.
type Like struct {
	ID             string
	ActivityID     string
	UserID         string
	RemoteActorURI string
	CreatedAt      time.Time
}

// CreateLike records a like. Duplicate likes by the same actor are swallowed,
// which makes Like delivery replays harmless.
func (s *Store) CreateLike(ctx context.Context, l *Like) error {
	if (l.UserID == "") == (l.RemoteActorURI == "") {
		return apperr.E(apperr.KindValidation, "like must have exactly one actor side")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO likes (id, activity_id, user_id, remote_actor_uri, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		l.ID, l.ActivityID, nullIfEmpty(l.UserID), nullIfEmpty(l.RemoteActorURI),
		l.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// DeleteLike removes an actor's like from an activity (Undo(Like), or a local
// unlike).
func (s *Store) DeleteLike(ctx context.Context, activityID, userID, remoteActorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM likes WHERE activity_id = ?
		  AND (user_id = ? OR remote_actor_uri = ?)`),
		activityID, userID, remoteActorURI)
	return err
}

// Comment is a comment on a local activity. Remote comments carry the source
// Note's ActivityPub id so redeliveries dedup; local comments get a generated
// one when federated out.
type Comment struct {
	ID             string
	ActivityID     string
	UserID         string
	RemoteActorURI string
	Content        string
	ActivityPubID  string
	CreatedAt      time.Time
}

// CreateComment stores a comment. A duplicate ActivityPub id means a replayed
// delivery and is silently ignored.
func (s *Store) CreateComment(ctx context.Context, c *Comment) error {
	if (c.UserID == "") == (c.RemoteActorURI == "") {
		return apperr.E(apperr.KindValidation, "comment must have exactly one actor side")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO comments (id, activity_id, user_id, remote_actor_uri, content,
			activity_pub_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ActivityID, nullIfEmpty(c.UserID), nullIfEmpty(c.RemoteActorURI),
		c.Content, nullIfEmpty(c.ActivityPubID), c.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListComments returns an activity's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, activityID string) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, activity_id, user_id, remote_actor_uri, content, activity_pub_id, created_at
		FROM comments WHERE activity_id = ? ORDER BY created_at`), activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Comment
	for rows.Next() {
		var c Comment
		var userID, remote, apID sql.NullString
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.ActivityID, &userID, &remote, &c.Content,
			&apID, &createdAt); err != nil {
			return nil, err
		}
		c.UserID = userID.String
		c.RemoteActorURI = remote.String
		c.ActivityPubID = apID.String
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteComment removes a comment if it belongs to the given local user.
func (s *Store) DeleteComment(ctx context.Context, commentID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM comments WHERE id = ? AND user_id = ?`), commentID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "comment not found")
	}
	return nil
}

// Notification types.
const (
	NotificationFollow  = "FOLLOW"
	NotificationLike    = "LIKE"
	NotificationComment = "COMMENT"
)

// Notification is a per-user event record shown in the notifications feed.
type Notification struct {
	ID         string
	UserID     string
	Type       string
	ActorName  string
	ActorURI   string
	ActivityID string
	Read       bool
	CreatedAt  time.Time
}

// CreateNotification appends an event to a user's notification feed.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notifications (id, user_id, type, actor_name, actor_uri,
			activity_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.UserID, n.Type, n.ActorName, n.ActorURI,
		nullIfEmpty(n.ActivityID), n.Read, n.CreatedAt.Unix())
	return err
}

// ListNotifications returns a page of a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, type, actor_name, actor_uri, activity_id, read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var n Notification
		var activityID sql.NullString
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.ActorName, &n.ActorURI,
			&activityID, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		n.ActivityID = activityID.String
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}

// CountUnreadNotifications counts a user's unread notifications.
func (s *Store) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM notifications
		WHERE user_id = ? AND read = `+s.boolLit(false)), userID).Scan(&n)
	return n, err
}

// MarkNotificationsRead marks all of a user's notifications as read.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE notifications SET read = `+s.boolLit(true)+` WHERE user_id = ?`), userID)
	return err
}
