package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/apperr"
)

type staticResolver struct {
	keys map[string]*rsa.PublicKey
}

func (r *staticResolver) ResolveKey(_ context.Context, keyID string) (*rsa.PublicKey, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "unknown key %s", keyID)
	}
	return key, nil
}

func signedRequest(t *testing.T, body []byte, keyID string, privKey *rsa.PrivateKey) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://peer.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, body, keyID, privKey))
	return req
}

func testKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privPEM, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	priv, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	return priv, pub
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub := testKeyPair(t)
	keyID := "https://stride.example/users/alice#main-key"
	body := []byte(`{"type":"Follow","actor":"https://stride.example/users/alice"}`)

	req := signedRequest(t, body, keyID, priv)
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{keyID: pub}}

	got, err := VerifyRequest(req, body, resolver)
	require.NoError(t, err)
	assert.Equal(t, keyID, got)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	priv, pub := testKeyPair(t)
	keyID := "https://stride.example/users/alice#main-key"
	body := []byte(`{"type":"Follow"}`)

	req := signedRequest(t, body, keyID, priv)
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{keyID: pub}}

	_, err := VerifyRequest(req, []byte(`{"type":"Delete"}`), resolver)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _ := testKeyPair(t)
	_, otherPub := testKeyPair(t)
	keyID := "https://stride.example/users/alice#main-key"
	body := []byte(`{}`)

	req := signedRequest(t, body, keyID, priv)
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{keyID: otherPub}}

	_, err := VerifyRequest(req, body, resolver)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	priv, pub := testKeyPair(t)
	keyID := "https://stride.example/users/alice#main-key"
	body := []byte(`{}`)

	req := signedRequest(t, body, keyID, priv)
	req.Header.Set("Date", time.Now().Add(-5*time.Minute).UTC().Format(http.TimeFormat))
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{keyID: pub}}

	_, err := VerifyRequest(req, body, resolver)
	require.Error(t, err)
	assert.Equal(t, apperr.KindStaleRequest, apperr.KindOf(err))
}

func TestVerifyRejectsMissingDate(t *testing.T) {
	priv, pub := testKeyPair(t)
	keyID := "https://stride.example/users/alice#main-key"
	body := []byte(`{}`)

	req := signedRequest(t, body, keyID, priv)
	req.Header.Del("Date")
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{keyID: pub}}

	_, err := VerifyRequest(req, body, resolver)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))
}

func TestVerifyUnknownKey(t *testing.T) {
	priv, _ := testKeyPair(t)
	keyID := "https://gone.example/users/ghost#main-key"
	body := []byte(`{}`)

	req := signedRequest(t, body, keyID, priv)
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{}}

	_, err := VerifyRequest(req, body, resolver)
	require.Error(t, err)
	assert.Equal(t, apperr.KindKeyUnavailable, apperr.KindOf(err))
}

func TestVerifyUnsignedRequest(t *testing.T) {
	body := []byte(`{}`)
	req, err := http.NewRequest(http.MethodPost, "https://peer.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	_, err = VerifyRequest(req, body, &staticResolver{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))
}
