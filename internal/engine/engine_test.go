package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"claimline/internal/apperr"
	"claimline/internal/clock"
	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/migrate"
	"claimline/internal/oracle"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubOracle struct {
	mu      sync.Mutex
	verdict oracle.Verdict
	err     error
	calls   int
}

func (s *stubOracle) Verify(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.verdict, s.err
}

func (s *stubOracle) set(decision string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = oracle.Verdict{Decision: decision, Reason: "oracle says " + decision, Confidence: 0.9}
	s.err = err
}

func (s *stubOracle) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock.Fake
	Oracle *stubOracle
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	clk := clock.NewFake(t0)
	orc := &stubOracle{}
	orc.set(domain.DecisionApprove, nil)
	eng := engine.New(conn, config.Default(), orc, clk, nil)
	return testEnv{Engine: eng, Clock: clk, Oracle: orc, Ctx: ctx}
}

func (env testEnv) order(t *testing.T, actionType string, quantity int) domain.Assignment {
	t.Helper()
	o := engine.Order{
		OrderID:        "order-" + actionType,
		BuyerID:        "buyer-1",
		ActionType:     actionType,
		Platform:       "instagram",
		TargetURL:      "https://instagram.com/acme",
		PricePerAction: decimal.RequireFromString("0.25"),
		Quantity:       quantity,
	}
	if actionType == domain.ActionComment {
		text := "great post"
		o.CommentText = &text
	}
	a, err := env.Engine.CreateAssignment(env.Ctx, o, "payments")
	require.NoError(t, err)
	return a
}

// completed claims, starts and submits proof for a as prov-1.
func (env testEnv) completed(t *testing.T, a domain.Assignment) domain.Assignment {
	t.Helper()
	_, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	done, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{
		AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/proof.png",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	return done
}

func (env testEnv) credits(t *testing.T, providerID string) []domain.Credit {
	t.Helper()
	credits, err := env.Engine.Credits(env.Ctx, providerID, 100)
	require.NoError(t, err)
	return credits
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			provider := "prov-" + string(rune('a'+i))
			_, err := env.Engine.Claim(env.Ctx, a.ID, provider)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, provider)
			case errors.Is(err, apperr.AlreadyClaimed), errors.Is(err, apperr.Conflict):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)
	require.Equal(t, n-1, losers)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, got.Status)
	require.Equal(t, winners[0], *got.ClaimedBy)
}

func TestClaimRules(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionLike, 20)

	_, err := env.Engine.Claim(env.Ctx, "missing", "prov-1")
	require.ErrorIs(t, err, apperr.NotFound)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "buyer-1")
	require.ErrorIs(t, err, apperr.Forbidden)

	first, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, t0.Add(2*time.Hour), *first.LeaseExpiresAt)

	again, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, first.Version, again.Version)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-2")
	require.ErrorIs(t, err, apperr.AlreadyClaimed)

	// Once the lease lapses another provider may take over, even before the sweep.
	env.Clock.Advance(2 * time.Hour)
	taken, err := env.Engine.Claim(env.Ctx, a.ID, "prov-2")
	require.NoError(t, err)
	require.Equal(t, "prov-2", *taken.ClaimedBy)
}

func TestClaimAfterPoolExpiry(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)
	env.Clock.Set(a.ExpiresAt)

	_, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.Expired)

	changed, err := env.Engine.ExpirePool(env.Ctx, a.ID)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpiredUnclaimed, got.Status)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.Expired)
}

func TestStartAndRelease(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)

	_, err := env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.InvalidState)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.Start(env.Ctx, a.ID, "prov-2")
	require.ErrorIs(t, err, apperr.Forbidden)

	started, err := env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, started.Status)

	again, err := env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, started.Version, again.Version)

	_, err = env.Engine.Release(env.Ctx, a.ID, "prov-2", "")
	require.ErrorIs(t, err, apperr.Forbidden)

	released, err := env.Engine.Release(env.Ctx, a.ID, "prov-1", "changed my mind")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAvailable, released.Status)
	require.Nil(t, released.ClaimedBy)
	require.Nil(t, released.LeaseExpiresAt)

	again, err = env.Engine.Release(env.Ctx, a.ID, "prov-1", "")
	require.NoError(t, err)
	require.Equal(t, released.Version, again.Version)

	_, err = env.Engine.Release(env.Ctx, a.ID, "prov-2", "")
	require.ErrorIs(t, err, apperr.InvalidState)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-2")
	require.NoError(t, err)
}

func TestReleaseOfUnclaimedAssignmentIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)

	_, err := env.Engine.Release(env.Ctx, a.ID, "prov-9", "")
	require.ErrorIs(t, err, apperr.InvalidState)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	env.Clock.Advance(3 * time.Hour)
	changed, err := env.Engine.ExpireLease(env.Ctx, a.ID)
	require.NoError(t, err)
	require.True(t, changed)

	// The lease lapsed; the former holder has nothing to release.
	_, err = env.Engine.Release(env.Ctx, a.ID, "prov-1", "")
	require.ErrorIs(t, err, apperr.InvalidState)
}

func TestLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)
	_, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)

	changed, err := env.Engine.ExpireLease(env.Ctx, a.ID)
	require.NoError(t, err)
	require.False(t, changed)

	env.Clock.Advance(2 * time.Hour)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/p.png"})
	require.ErrorIs(t, err, apperr.Expired)

	changed, err = env.Engine.ExpireLease(env.Ctx, a.ID)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAvailable, got.Status)
	require.Nil(t, got.ClaimedBy)
}

func TestSubmitProofRules(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)

	_, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/p.png"})
	require.ErrorIs(t, err, apperr.Forbidden)

	_, err = env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/p.png"})
	require.ErrorIs(t, err, apperr.InvalidState)

	_, err = env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-2", ProofRef: "https://cdn.example/p.png"})
	require.ErrorIs(t, err, apperr.Forbidden)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1"})
	require.ErrorIs(t, err, apperr.Validation)
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "not a url"})
	require.ErrorIs(t, err, apperr.Validation)

	env.Clock.Advance(time.Hour)
	done, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/p.png", Notes: "done"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, t0.Add(49*time.Hour), *done.ReviewDeadlineAt)
	require.Equal(t, *done.ReviewDeadlineAt, *done.NextEscalationAt)
	require.Nil(t, done.LeaseExpiresAt)

	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1", ProofRef: "https://cdn.example/p.png"})
	require.ErrorIs(t, err, apperr.InvalidState)
}

func TestViewMaySubmitWithoutProof(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionView, 20)
	_, err := env.Engine.Claim(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	_, err = env.Engine.Start(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	done, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "prov-1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Nil(t, done.ProofRef)
}

func TestSummaryAndCreditFor(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))
	env.order(t, domain.ActionLike, 5)

	_, err := env.Engine.CreditFor(env.Ctx, a.ID)
	require.ErrorIs(t, err, apperr.NotFound)
	_, err = env.Engine.CreditFor(env.Ctx, "missing")
	require.ErrorIs(t, err, apperr.NotFound)

	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: domain.DecisionApprove})
	require.NoError(t, err)
	credit, err := env.Engine.CreditFor(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "prov-1", credit.ProviderID)
	require.Equal(t, "0.25", credit.Amount.String())

	counts, err := env.Engine.Summary(env.Ctx)
	require.NoError(t, err)
	require.Len(t, counts, len(domain.Statuses))
	require.Equal(t, 1, counts[domain.StatusVerified])
	require.Equal(t, 1, counts[domain.StatusAvailable])
	require.Equal(t, 0, counts[domain.StatusFailed])
}

func TestScenarioBuyerApproves(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)
	require.Equal(t, 20, a.Quantity)

	_, err := env.Engine.Claim(env.Ctx, a.ID, "P1")
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	_, err = env.Engine.Claim(env.Ctx, a.ID, "P2")
	require.ErrorIs(t, err, apperr.AlreadyClaimed)

	_, err = env.Engine.Start(env.Ctx, a.ID, "P1")
	require.NoError(t, err)
	env.Clock.Set(t0.Add(time.Hour))
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "P1", ProofRef: "https://cdn.example/p1.png"})
	require.NoError(t, err)

	env.Clock.Set(t0.Add(2 * time.Hour))
	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "P1", Decision: "approve"})
	require.ErrorIs(t, err, apperr.Forbidden)

	verified, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "approve"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, verified.Status)
	require.Equal(t, domain.SourceBuyer, *verified.VerificationSource)
	require.Equal(t, t0.Add(2*time.Hour), *verified.VerifiedAt)
	require.Equal(t, 20, verified.Quantity)

	// Repeating the same decision is harmless.
	again, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "approve"})
	require.NoError(t, err)
	require.Equal(t, verified.Version, again.Version)

	credits := env.credits(t, "P1")
	require.Len(t, credits, 1)
	require.True(t, credits[0].Amount.Equal(decimal.RequireFromString("0.25")))
	require.Equal(t, 0, env.Oracle.count())
}

func TestScenarioBuyerSilentOracleApproves(t *testing.T) {
	env := newTestEnv(t)
	a := env.order(t, domain.ActionFollow, 20)
	_, err := env.Engine.Claim(env.Ctx, a.ID, "P1")
	require.NoError(t, err)
	_, err = env.Engine.Start(env.Ctx, a.ID, "P1")
	require.NoError(t, err)
	env.Clock.Set(t0.Add(time.Hour))
	_, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitProofInput{AssignmentID: a.ID, ProviderID: "P1", ProofRef: "https://cdn.example/p1.png"})
	require.NoError(t, err)

	// Not due yet.
	env.Clock.Set(t0.Add(time.Hour + 48*time.Hour - time.Second))
	got, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 0, env.Oracle.count())

	env.Clock.Set(t0.Add(time.Hour + 48*time.Hour))
	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "approve"})
	require.ErrorIs(t, err, apperr.InvalidState)

	got, err = env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, got.Status)
	require.Equal(t, domain.SourceAIAuto, *got.VerificationSource)
	require.Nil(t, got.NextEscalationAt)

	// Re-fire is a no-op.
	got, err = env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, got.Status)
	require.Equal(t, 1, env.Oracle.count())
	require.Len(t, env.credits(t, "P1"), 1)
}

func TestAutoTimeoutOracleUnavailableKeepsCompleted(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))
	env.Oracle.set("", apperr.New(apperr.KindUpstreamUnavailable, "down"))

	env.Clock.Set(*a.ReviewDeadlineAt)
	got, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.ErrorIs(t, err, apperr.UpstreamUnavailable)
	require.Equal(t, domain.StatusCompleted, got.Status)

	stored, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, 1, stored.EscalationAttempts)
	require.Equal(t, a.ReviewDeadlineAt.Add(30*time.Second), *stored.NextEscalationAt)

	// Second failure doubles the delay.
	env.Clock.Set(*stored.NextEscalationAt)
	_, err = env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.ErrorIs(t, err, apperr.UpstreamUnavailable)
	stored, err = env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.EscalationAttempts)
	require.Equal(t, env.Clock.Now().Add(time.Minute), *stored.NextEscalationAt)

	env.Oracle.set(domain.DecisionReject, nil)
	env.Clock.Set(*stored.NextEscalationAt)
	got, err = env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Empty(t, env.credits(t, "prov-1"))
}

func TestOracleWithoutDefiniteDecisionIsRetried(t *testing.T) {
	for _, decision := range []string{"", "maybe", "approved"} {
		t.Run("decision="+decision, func(t *testing.T) {
			env := newTestEnv(t)
			a := env.completed(t, env.order(t, domain.ActionFollow, 20))
			env.Oracle.set(decision, nil)

			env.Clock.Set(*a.ReviewDeadlineAt)
			got, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
			require.ErrorIs(t, err, apperr.UpstreamUnavailable)
			require.Equal(t, domain.StatusCompleted, got.Status)

			stored, err := env.Engine.Get(env.Ctx, a.ID)
			require.NoError(t, err)
			require.Equal(t, domain.StatusCompleted, stored.Status)
			require.Equal(t, 1, stored.EscalationAttempts)
			require.Equal(t, a.ReviewDeadlineAt.Add(30*time.Second), *stored.NextEscalationAt)
			attempts, err := env.Engine.Verifications(env.Ctx, a.ID)
			require.NoError(t, err)
			require.Empty(t, attempts)
		})
	}
}

func TestOracleDecisionIsNormalized(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))
	env.Oracle.set(" Approve ", nil)

	env.Clock.Set(*a.ReviewDeadlineAt)
	got, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, got.Status)
	attempts, err := env.Engine.Verifications(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, domain.DecisionApprove, attempts[0].Decision)
	require.Len(t, env.credits(t, "prov-1"), 1)
}

func TestBuyerRejectThenManualReverification(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))

	_, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "reject"})
	require.ErrorIs(t, err, apperr.Validation)

	rejectedAt := t0.Add(time.Hour)
	env.Clock.Set(rejectedAt)
	rejected, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "reject", Reason: "not following"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, rejected.Status)
	require.Equal(t, rejectedAt.Add(24*time.Hour), *rejected.AIEligibleAt)

	_, err = env.Engine.RequestReverification(env.Ctx, a.ID, "prov-2")
	require.ErrorIs(t, err, apperr.Forbidden)

	env.Clock.Set(rejectedAt.Add(24*time.Hour - time.Minute))
	_, err = env.Engine.RequestReverification(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.TooEarly)

	env.Clock.Set(rejectedAt.Add(24 * time.Hour))
	verified, err := env.Engine.RequestReverification(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, verified.Status)
	require.Equal(t, domain.SourceAIManualRequest, *verified.VerificationSource)
	require.Equal(t, "not following", *verified.RejectionReason)

	attempts, err := env.Engine.Verifications(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, domain.SourceBuyer, attempts[0].Source)
	require.Equal(t, domain.DecisionReject, attempts[0].Decision)
	require.Equal(t, domain.SourceAIManualRequest, attempts[1].Source)
	require.Equal(t, domain.ActorAI, attempts[1].ActorID)
	require.NotNil(t, attempts[1].SupersedesID)
	require.Equal(t, attempts[0].ID, *attempts[1].SupersedesID)

	require.Len(t, env.credits(t, "prov-1"), 1)

	_, err = env.Engine.RequestReverification(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.InvalidState)
}

func TestReverificationAlreadyPending(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))
	_, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "reject", Reason: "no proof of follow"})
	require.NoError(t, err)

	env.Oracle.set("", apperr.New(apperr.KindUpstreamUnavailable, "timeout"))
	env.Clock.Advance(24 * time.Hour)
	pending, err := env.Engine.RequestReverification(env.Ctx, a.ID, "prov-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAIReviewPending, pending.Status)

	_, err = env.Engine.RequestReverification(env.Ctx, a.ID, "prov-1")
	require.ErrorIs(t, err, apperr.AlreadyPending)

	// The scheduler finishes the pending review once the oracle recovers.
	env.Oracle.set(domain.DecisionReject, nil)
	env.Clock.Set(*pending.NextEscalationAt)
	failed, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.Equal(t, domain.SourceAIManualRequest, *failed.VerificationSource)
	require.Empty(t, env.credits(t, "prov-1"))
}

func TestAutomaticReverificationAfterEligibility(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionComment, 20))
	rejected, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "reject", Reason: "comment missing"})
	require.NoError(t, err)

	env.Clock.Set(*rejected.AIEligibleAt)
	got, err := env.Engine.ProcessEscalation(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, got.Status)
	require.Equal(t, domain.SourceAIAuto, *got.VerificationSource)
	require.Equal(t, domain.SourceAIAuto, *got.ReviewSource)
	require.Nil(t, got.ReverificationRequestedAt)
	require.Len(t, env.credits(t, "prov-1"), 1)
}

func TestBuyerCannotResolveOthersOrTwiceDifferently(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))

	_, err := env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-2", Decision: "approve"})
	require.ErrorIs(t, err, apperr.Forbidden)
	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "maybe"})
	require.ErrorIs(t, err, apperr.Validation)

	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "reject", Reason: "bad"})
	require.NoError(t, err)
	_, err = env.Engine.ResolveBuyer(env.Ctx, engine.ResolveInput{AssignmentID: a.ID, BuyerID: "buyer-1", Decision: "approve"})
	require.ErrorIs(t, err, apperr.InvalidState)
}

func TestCreateFromOrderIsReplayable(t *testing.T) {
	env := newTestEnv(t)
	o := engine.Order{
		OrderID:        "order-42",
		BuyerID:        "buyer-1",
		ActionType:     domain.ActionLike,
		Platform:       "tiktok",
		TargetURL:      "https://tiktok.com/@acme/video/1",
		PricePerAction: decimal.RequireFromString("0.10"),
		Quantity:       3,
	}
	first, err := env.Engine.CreateFromOrder(env.Ctx, o, "payments")
	require.NoError(t, err)
	require.Len(t, first, 3)

	env.Clock.Advance(time.Minute)
	second, err := env.Engine.CreateFromOrder(env.Ctx, o, "payments")
	require.NoError(t, err)
	require.Len(t, second, 3)
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
		require.True(t, first[i].CreatedAt.Equal(second[i].CreatedAt))
		require.Equal(t, 3, second[i].Quantity)
	}

	bad := o
	bad.ActionType = domain.ActionComment
	_, err = env.Engine.CreateFromOrder(env.Ctx, bad, "payments")
	require.ErrorIs(t, err, apperr.Validation)

	bad = o
	bad.PricePerAction = decimal.Zero
	_, err = env.Engine.CreateFromOrder(env.Ctx, bad, "payments")
	require.ErrorIs(t, err, apperr.Validation)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.completed(t, env.order(t, domain.ActionFollow, 20))
	evts, err := env.Engine.History(env.Ctx, a.ID, 10)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{"assignment.proof_submitted", "assignment.started", "assignment.claimed", "assignment.created"}, types)
}
