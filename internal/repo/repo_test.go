package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/migrate"
	"claimline/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func seed(t *testing.T, r repo.Repo, id string, createdAt time.Time) domain.Assignment {
	t.Helper()
	ctx := context.Background()
	a := domain.Assignment{
		ID:             id,
		OrderID:        "order-1",
		ActionType:     domain.ActionFollow,
		Platform:       "instagram",
		TargetURL:      "https://instagram.com/acme",
		PricePerAction: decimal.RequireFromString("0.25"),
		Quantity:       1,
		BuyerID:        "buyer-1",
		Status:         domain.StatusAvailable,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Hour),
		Version:        1,
		UpdatedAt:      createdAt,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := r.InsertAssignmentTx(ctx, tx, a)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tx.Commit())
	return a
}

func transition(t *testing.T, r repo.Repo, tr repo.Transition) (domain.Assignment, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	a, err := r.CompareAndTransition(ctx, tx, tr)
	if err != nil {
		return a, err
	}
	require.NoError(t, tx.Commit())
	return a, nil
}

func TestAssignmentRoundTrip(t *testing.T) {
	r := newRepo(t)
	seed(t, r, "a-1", t0)

	got, err := r.GetAssignment(context.Background(), "a-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAvailable, got.Status)
	require.True(t, got.CreatedAt.Equal(t0))
	require.True(t, got.PricePerAction.Equal(decimal.RequireFromString("0.25")))
	require.Nil(t, got.ClaimedBy)

	_, err = r.GetAssignment(context.Background(), "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertAssignmentIsIdempotent(t *testing.T) {
	r := newRepo(t)
	a := seed(t, r, "a-1", t0)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	inserted, err := r.InsertAssignmentTx(ctx, tx, a)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestCompareAndTransition(t *testing.T) {
	r := newRepo(t)
	seed(t, r, "a-1", t0)
	at := t0.Add(time.Minute)
	lease := at.Add(2 * time.Hour)
	provider := "prov-1"

	claimed, err := transition(t, r, repo.Transition{
		ID: "a-1", From: domain.StatusAvailable, To: domain.StatusAssigned, At: at,
		Apply: func(a *domain.Assignment) {
			a.ClaimedBy = &provider
			a.ClaimedAt = &at
			a.LeaseExpiresAt = &lease
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), claimed.Version)

	stored, err := r.GetAssignment(context.Background(), "a-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, stored.Status)
	require.Equal(t, provider, *stored.ClaimedBy)
	require.True(t, stored.LeaseExpiresAt.Equal(lease))

	// stale expectation
	_, err = transition(t, r, repo.Transition{ID: "a-1", From: domain.StatusAvailable, To: domain.StatusAssigned, At: at})
	require.ErrorIs(t, err, repo.ErrConflict)

	// not a lifecycle edge
	_, err = transition(t, r, repo.Transition{ID: "a-1", From: domain.StatusAssigned, To: domain.StatusVerified, At: at})
	require.ErrorIs(t, err, repo.ErrInvalidTransition)
}

func TestDueQueries(t *testing.T) {
	r := newRepo(t)
	seed(t, r, "a-1", t0)
	seed(t, r, "a-2", t0.Add(30*time.Minute))
	ctx := context.Background()

	ids, err := r.DuePoolExpiry(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1"}, ids)

	ids, err = r.DuePoolExpiry(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-2"}, ids)

	deadline := t0.Add(48 * time.Hour)
	_, err = transition(t, r, repo.Transition{ID: "a-1", From: domain.StatusAvailable, To: domain.StatusAssigned, At: t0})
	require.NoError(t, err)
	_, err = transition(t, r, repo.Transition{ID: "a-1", From: domain.StatusAssigned, To: domain.StatusInProgress, At: t0})
	require.NoError(t, err)
	_, err = transition(t, r, repo.Transition{
		ID: "a-1", From: domain.StatusInProgress, To: domain.StatusCompleted, At: t0,
		Apply: func(a *domain.Assignment) {
			a.ReviewDeadlineAt = &deadline
			a.NextEscalationAt = &deadline
		},
	})
	require.NoError(t, err)

	ids, err = r.DueEscalations(ctx, deadline.Add(-time.Nanosecond), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = r.DueEscalations(ctx, deadline, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1"}, ids)
}

func TestCreditIsUniquePerAssignment(t *testing.T) {
	r := newRepo(t)
	seed(t, r, "a-1", t0)
	ctx := context.Background()

	insert := func(id string) bool {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		ok, err := r.InsertCreditTx(ctx, tx, domain.Credit{
			ID: id, AssignmentID: "a-1", ProviderID: "prov-1", Amount: decimal.RequireFromString("0.25"), CreatedAt: t0,
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return ok
	}
	require.True(t, insert("c-1"))
	require.False(t, insert("c-2"))

	pending, err := r.PendingCredits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkCreditDeliveredTx(ctx, tx, "c-1", t0.Add(time.Second)))
	require.NoError(t, tx.Commit())

	pending, err = r.PendingCredits(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	credit, err := r.GetCreditByAssignment(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, credit.DeliveredAt)
	require.Equal(t, 1, credit.Attempts)
}

func TestListAssignmentsCursor(t *testing.T) {
	r := newRepo(t)
	seed(t, r, "a-1", t0)
	seed(t, r, "a-2", t0.Add(time.Minute))
	seed(t, r, "a-3", t0.Add(2*time.Minute))
	ctx := context.Background()

	page, err := r.ListAssignments(ctx, repo.AssignmentFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a-3", page[0].ID)
	last := page[len(page)-1]

	page, err = r.ListAssignments(ctx, repo.AssignmentFilters{Limit: 2, CursorCreatedAt: repo.FormatTime(last.CreatedAt), CursorID: last.ID})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a-1", page[0].ID)
}
