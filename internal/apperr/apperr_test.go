package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("claim: %w", New(KindAlreadyClaimed, "assignment %s already claimed", "a1"))
	require.True(t, errors.Is(err, AlreadyClaimed))
	require.False(t, errors.Is(err, Conflict))
	require.Equal(t, KindAlreadyClaimed, KindOf(err))
	require.Equal(t, "claim: assignment a1 already claimed", err.Error())
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(KindConflict, "lost race")))
	require.True(t, Retryable(Wrap(KindUpstreamUnavailable, errors.New("timeout"), "oracle")))
	require.False(t, Retryable(New(KindInvalidState, "nope")))
	require.False(t, Retryable(errors.New("plain")))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapUnwrap(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Wrap(KindUpstreamUnavailable, base, "oracle verify")
	require.ErrorIs(t, err, base)
	require.Equal(t, "oracle verify: dial tcp: refused", err.Error())

	withDetail := New(KindTooEarly, "wait").WithDetail("eligible_at", "x")
	require.Equal(t, "x", withDetail.Details["eligible_at"])
}
