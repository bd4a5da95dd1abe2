package account

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

func newTestService(t *testing.T, registrationEnabled bool) *Service {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	urls := ap.NewURLs("https://stride.example", "stride.example")
	return New(store, nil, urls, "test-secret", time.Hour, registrationEnabled, log)
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)

	user, err := svc.Register(ctx, "Alice", "Alice@Example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username, "usernames are lowercased")
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEmpty(t, user.PrivateKeyPEM, "keypair is generated eagerly")
	assert.NotEmpty(t, user.PublicKeyPEM)
	assert.NotEqual(t, "correct horse", user.PasswordHash)

	token, got, err := svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	userID, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
}

func TestLoginByEmail(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)
	user, err := svc.Register(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)

	_, got, err := svc.Login(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestLoginFailuresIndistinguishable(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)
	_, err := svc.Register(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)

	_, _, wrongPassword := svc.Login(ctx, "alice", "wrong")
	_, _, unknownUser := svc.Login(ctx, "nobody", "whatever")

	require.Error(t, wrongPassword)
	require.Error(t, unknownUser)
	assert.Equal(t, apperr.KindAuthFailure, apperr.KindOf(wrongPassword))
	assert.Equal(t, apperr.KindAuthFailure, apperr.KindOf(unknownUser))
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)

	cases := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"short username", "ab", "a@b.com", "long enough"},
		{"bad characters", "Al ice!", "a@b.com", "long enough"},
		{"bad email", "alice", "nope", "long enough"},
		{"short password", "alice", "a@b.com", "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.username, tc.email, tc.password)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)
	_, err := svc.Register(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice", "other@example.com", "correct horse")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRegisterDisabled(t *testing.T) {
	svc := newTestService(t, false)
	_, err := svc.Register(context.Background(), "alice", "alice@example.com", "correct horse")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t, true)
	_, err := svc.ValidateToken("not.a.token")
	assert.Equal(t, apperr.KindAuthFailure, apperr.KindOf(err))
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, true)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	other := New(nil, nil, ap.NewURLs("https://stride.example", "stride.example"),
		"a-different-secret", time.Hour, true, log)

	_, err := svc.Register(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Equal(t, apperr.KindAuthFailure, apperr.KindOf(err))
}
