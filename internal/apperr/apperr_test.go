package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsContext(t *testing.T) {
	cause := errors.New("connection refused")

	err := Wrap(KindRemoteUnreachable, cause, "fetch actor %s (attempt %d)", "https://peer.example/u/a", 2)
	assert.Equal(t, "fetch actor https://peer.example/u/a (attempt 2): connection refused", err.Error())
	assert.Equal(t, KindRemoteUnreachable, KindOf(err))
	assert.ErrorIs(t, err, cause)

	// Plain message, no args.
	plain := Wrap(KindInternal, cause, "sign token")
	assert.Equal(t, "sign token: connection refused", plain.Error())
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := E(KindNotFound, "activity %s not found", "abc")
	outer := fmt.Errorf("loading timeline: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.True(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(outer, KindValidation))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(E(KindTransient, "upstream 503")))
	assert.False(t, Retryable(E(KindRemoteUnreachable, "dns failure")))
	assert.False(t, Retryable(E(KindValidation, "bad input")))
}
