package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

// User is a local account. Every enabled user carries an RSA keypair for
// ActivityPub HTTP signatures; the private key never leaves this struct and
// is never logged.
type User struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	DisplayName   string
	AvatarURL     string
	PrivateKeyPEM string
	PublicKeyPEM  string
	Enabled       bool
	Locked        bool
	CreatedAt     time.Time
}

const userColumns = `id, username, email, password_hash, display_name, avatar_url,
	private_key_pem, public_key_pem, enabled, locked, created_at`

// CreateUser inserts a new user. Fails with Conflict when the username or
// email is taken.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.AvatarURL,
		u.PrivateKeyPEM, u.PublicKeyPEM, u.Enabled, u.Locked, u.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return apperr.E(apperr.KindConflict, "username or email already registered")
	}
	return err
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

// GetUserByUsername loads a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE username = ?`), username))
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.AvatarURL, &u.PrivateKeyPEM, &u.PublicKeyPEM, &u.Enabled, &u.Locked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// UpdateUserProfile updates the mutable profile fields.
func (s *Store) UpdateUserProfile(ctx context.Context, id, displayName, avatarURL string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET display_name = ?, avatar_url = ? WHERE id = ?`),
		displayName, avatarURL, id)
	return err
}

// DeleteUser removes the user row and everything the account owns. The
// caller is responsible for emitting the Delete actor activity first; by the
// time this runs the keypair is gone.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Likes and comments hanging off the user's activities go with them.
		for _, q := range []string{
			`DELETE FROM likes WHERE activity_id IN (SELECT id FROM activities WHERE user_id = ?)`,
			`DELETE FROM comments WHERE activity_id IN (SELECT id FROM activities WHERE user_id = ?)`,
			`DELETE FROM activity_metrics WHERE activity_id IN (SELECT id FROM activities WHERE user_id = ?)`,
			`DELETE FROM activities WHERE user_id = ?`,
			`DELETE FROM follows WHERE follower_user_id = ?`,
			`DELETE FROM likes WHERE user_id = ?`,
			`DELETE FROM comments WHERE user_id = ?`,
			`DELETE FROM notifications WHERE user_id = ?`,
			`DELETE FROM privacy_zones WHERE user_id = ?`,
			`DELETE FROM user_heatmap_grid WHERE user_id = ?`,
			`DELETE FROM personal_records WHERE user_id = ?`,
			`DELETE FROM achievements WHERE user_id = ?`,
			`DELETE FROM training_load WHERE user_id = ?`,
			`DELETE FROM activity_summaries WHERE user_id = ?`,
			`DELETE FROM users WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteFollowsOfActor removes follow edges pointing at the given local
// actor URI, used when the account behind it is deleted.
func (s *Store) DeleteFollowsOfActor(ctx context.Context, actorURI string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM follows WHERE following_actor_uri = ?`), actorURI)
	return err
}
