// Package account handles registration, login and account deletion.
package account

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

// usernamePattern keeps handles WebFinger-safe.
var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

// Service implements the account lifecycle. Keypairs are generated eagerly
// at registration so the actor document is publishable immediately.
type Service struct {
	store               *db.Store
	outbox              *ap.Dispatcher
	urls                ap.URLs
	jwtSecret           []byte
	jwtExpiration       time.Duration
	registrationEnabled bool
	log                 *slog.Logger
}

func New(store *db.Store, outbox *ap.Dispatcher, urls ap.URLs, jwtSecret string,
	jwtExpiration time.Duration, registrationEnabled bool, log *slog.Logger) *Service {
	return &Service{
		store:               store,
		outbox:              outbox,
		urls:                urls,
		jwtSecret:           []byte(jwtSecret),
		jwtExpiration:       jwtExpiration,
		registrationEnabled: registrationEnabled,
		log:                 log,
	}
}

// Register creates a user with a hashed password and a fresh RSA keypair.
func (s *Service) Register(ctx context.Context, username, email, password string) (*db.User, error) {
	if !s.registrationEnabled {
		return nil, apperr.E(apperr.KindForbidden, "registration is disabled on this instance")
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return nil, apperr.E(apperr.KindValidation, "username must be 3-30 lowercase letters, digits or underscores")
	}
	if !strings.Contains(email, "@") {
		return nil, apperr.E(apperr.KindValidation, "invalid email address")
	}
	if len(password) < 8 {
		return nil, apperr.E(apperr.KindValidation, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "hash password")
	}
	privPEM, pubPEM, err := ap.GenerateKeyPair()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "generate keypair")
	}

	user := &db.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:  string(hash),
		DisplayName:   username,
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  pubPEM,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "username", username)
	return user, nil
}

// Login checks credentials and issues a signed session token. Credential
// failures are deliberately indistinguishable.
func (s *Service) Login(ctx context.Context, usernameOrEmail, password string) (string, *db.User, error) {
	lookup := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	user, err := s.store.GetUserByUsername(ctx, lookup)
	if err != nil && apperr.KindOf(err) == apperr.KindNotFound {
		user, err = s.store.GetUserByEmail(ctx, lookup)
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return "", nil, apperr.E(apperr.KindAuthFailure, "invalid credentials")
		}
		return "", nil, err
	}
	if !user.Enabled || user.Locked {
		return "", nil, apperr.E(apperr.KindAuthFailure, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, apperr.E(apperr.KindAuthFailure, "invalid credentials")
	}

	token, err := s.issueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Service) issueToken(user *db.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiration)),
		},
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "sign token")
	}
	return signed, nil
}

// ValidateToken parses and verifies a session token, returning the user id.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.E(apperr.KindAuthFailure, "unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.E(apperr.KindAuthFailure, "invalid or expired token")
	}
	return c.Subject, nil
}

// Delete federates the actor Delete first, then removes everything the
// account owns. Once this returns the keypair is gone, so the Delete cannot
// be re-sent.
func (s *Service) Delete(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	actorURI := s.urls.Actor(user.Username)

	// Resolve the follower inbox set before the rows backing it are gone;
	// the deliveries themselves still run in the background.
	del := ap.BuildDeleteActor(s.urls, actorURI)
	if err := s.outbox.FanOutResolved(ctx, user, del); err != nil {
		s.log.Warn("could not federate account deletion", "username", user.Username, "error", err)
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	if err := s.store.DeleteFollowsOfActor(ctx, actorURI); err != nil {
		return err
	}
	s.log.Info("account deleted", "username", user.Username)
	return nil
}
