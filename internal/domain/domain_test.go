package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusAvailable, StatusAssigned, true},
		{StatusAvailable, StatusExpiredUnclaimed, true},
		{StatusAvailable, StatusCompleted, false},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusCompleted, StatusVerified, true},
		{StatusCompleted, StatusFailed, true},
		{StatusCompleted, StatusAIReviewPending, false},
		{StatusRejected, StatusAIReviewPending, true},
		{StatusRejected, StatusVerified, false},
		{StatusAIReviewPending, StatusVerified, true},
		{StatusVerified, StatusRejected, false},
		{StatusFailed, StatusAvailable, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusVerified, StatusVerified, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestActiveClaim(t *testing.T) {
	var a Assignment
	_, ok := a.ActiveClaim()
	require.False(t, ok)

	p := "p1"
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := now.Add(time.Hour)
	a = Assignment{ID: "a1", ClaimedBy: &p, ClaimedAt: &now, LeaseExpiresAt: &lease}
	c, ok := a.ActiveClaim()
	require.True(t, ok)
	require.Equal(t, "p1", c.ProviderID)
	require.True(t, a.ClaimedByActor("p1"))
	require.False(t, a.ClaimedByActor("p2"))
}
