package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"claimline/internal/apperr"
	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/oracle"
	"claimline/internal/repo"
)

type ResolveInput struct {
	AssignmentID string
	BuyerID      string
	Decision     string
	Reason       string
}

// ResolveBuyer applies the buyer's decision inside the review window.
// Approve verifies and issues the credit; reject opens the AI eligibility
// window for the provider.
func (e Engine) ResolveBuyer(ctx context.Context, in ResolveInput) (domain.Assignment, error) {
	decision := strings.ToLower(strings.TrimSpace(in.Decision))
	reason := strings.TrimSpace(in.Reason)
	switch decision {
	case domain.DecisionApprove:
	case domain.DecisionReject:
		if reason == "" {
			return domain.Assignment{}, apperr.New(apperr.KindValidation, "reason is required to reject").WithDetail("field", "reason")
		}
	default:
		return domain.Assignment{}, apperr.New(apperr.KindValidation, "decision must be approve or reject").WithDetail("field", "decision")
	}
	var out domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, in.AssignmentID)
		if err != nil {
			return storeErr(err)
		}
		if err := auth.Check(a, in.BuyerID, auth.OpResolve); err != nil {
			return err
		}
		if a.Status != domain.StatusCompleted {
			prior, err := e.Repo.LatestAttemptTx(ctx, tx, a.ID, domain.SourceBuyer)
			if err == nil && prior.Decision == decision {
				out = a
				return nil
			}
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			return invalidState(a, "resolve")
		}
		if a.ReviewDeadlineAt == nil || !now.Before(*a.ReviewDeadlineAt) {
			return apperr.New(apperr.KindInvalidState, "review window closed").WithDetail("status", a.Status)
		}
		attempt := domain.VerificationAttempt{
			ID:           newID(),
			AssignmentID: a.ID,
			Source:       domain.SourceBuyer,
			Decision:     decision,
			Reason:       reason,
			ActorID:      in.BuyerID,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertAttemptTx(ctx, tx, attempt); err != nil {
			return err
		}
		if decision == domain.DecisionApprove {
			out, err = e.verify(ctx, tx, a, domain.SourceBuyer, reason, in.BuyerID, now)
			return err
		}
		eligible := now.Add(e.Config.Windows.AIEligibility)
		out, err = e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: domain.StatusCompleted, To: domain.StatusRejected, At: now,
			Apply: func(a *domain.Assignment) {
				a.RejectedAt = timePtr(now)
				a.RejectionReason = strPtr(reason)
				a.AIEligibleAt = timePtr(eligible)
				a.NextEscalationAt = timePtr(eligible)
				a.EscalationAttempts = 0
			},
		}, events.BuyerResolved, in.BuyerID, events.EventPayload{
			"decision":       decision,
			"reason":         reason,
			"ai_eligible_at": eligible.Format(time.RFC3339),
		})
		return err
	})
	return out, err
}

// verify moves a to verified and records the credit in the same transaction.
// The credit row is unique per assignment.
func (e Engine) verify(ctx context.Context, tx *sql.Tx, a domain.Assignment, source, reason, actorID string, now time.Time) (domain.Assignment, error) {
	evtType := events.BuyerResolved
	if source != domain.SourceBuyer {
		evtType = events.AIVerified
	}
	out, err := e.transition(ctx, tx, repo.Transition{
		ID: a.ID, From: a.Status, To: domain.StatusVerified, At: now,
		Apply: func(a *domain.Assignment) {
			a.VerifiedAt = timePtr(now)
			a.ResolvedAt = timePtr(now)
			a.VerificationSource = strPtr(source)
			if reason != "" {
				a.VerificationReason = strPtr(reason)
			}
			a.NextEscalationAt = nil
		},
	}, evtType, actorID, events.EventPayload{"decision": domain.DecisionApprove, "source": source, "reason": reason})
	if err != nil {
		return out, err
	}
	if out.ClaimedBy == nil {
		return out, apperr.New(apperr.KindInternal, "verified assignment %s has no provider", out.ID)
	}
	credit := domain.Credit{
		ID:           creditID(out.ID),
		AssignmentID: out.ID,
		ProviderID:   *out.ClaimedBy,
		Amount:       out.PricePerAction,
		CreatedAt:    now,
	}
	inserted, err := e.Repo.InsertCreditTx(ctx, tx, credit)
	if err != nil {
		return out, err
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, events.CreditIssued, "credit", credit.ID, actorID, events.EventPayload{
			"assignment_id": out.ID,
			"provider_id":   credit.ProviderID,
			"amount":        credit.Amount.String(),
		}); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e Engine) fail(ctx context.Context, tx *sql.Tx, a domain.Assignment, source, reason string, now time.Time) (domain.Assignment, error) {
	return e.transition(ctx, tx, repo.Transition{
		ID: a.ID, From: a.Status, To: domain.StatusFailed, At: now,
		Apply: func(a *domain.Assignment) {
			a.ResolvedAt = timePtr(now)
			a.VerificationSource = strPtr(source)
			if reason != "" {
				a.VerificationReason = strPtr(reason)
			}
			a.NextEscalationAt = nil
		},
	}, events.AIVerified, domain.ActorAI, events.EventPayload{"decision": domain.DecisionReject, "source": source, "reason": reason})
}

// RequestReverification lets the provider of a rejected assignment ask the
// AI oracle to re-check the proof once the eligibility window has passed.
// If the oracle is unavailable the assignment is returned in
// ai_review_pending and the scheduler finishes it.
func (e Engine) RequestReverification(ctx context.Context, id, providerID string) (domain.Assignment, error) {
	var pending domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if err := auth.Check(a, providerID, auth.OpReverify); err != nil {
			return err
		}
		switch a.Status {
		case domain.StatusRejected:
		case domain.StatusAIReviewPending:
			return apperr.New(apperr.KindAlreadyPending, "re-verification already pending")
		default:
			return invalidState(a, "request re-verification")
		}
		if a.AIEligibleAt != nil && now.Before(*a.AIEligibleAt) {
			return apperr.New(apperr.KindTooEarly, "re-verification available at %s", a.AIEligibleAt.Format(time.RFC3339)).
				WithDetail("ai_eligible_at", a.AIEligibleAt.Format(time.RFC3339))
		}
		pending, err = e.reserveReview(ctx, tx, a, domain.SourceAIManualRequest, providerID, now)
		if errors.Is(err, apperr.Conflict) {
			return apperr.New(apperr.KindAlreadyPending, "re-verification already pending")
		}
		return err
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	out, err := e.adjudicate(ctx, pending)
	if err != nil {
		if apperr.Retryable(err) {
			return pending, nil
		}
		return domain.Assignment{}, err
	}
	return out, nil
}

// reserveReview moves a rejected assignment into ai_review_pending and books
// the first retry slot, so a crash during the oracle call is picked up by
// the scheduler.
func (e Engine) reserveReview(ctx context.Context, tx *sql.Tx, a domain.Assignment, source, actorID string, now time.Time) (domain.Assignment, error) {
	next := now.Add(e.retryDelay(1))
	return e.transition(ctx, tx, repo.Transition{
		ID: a.ID, From: domain.StatusRejected, To: domain.StatusAIReviewPending, At: now,
		Apply: func(a *domain.Assignment) {
			a.ReviewSource = strPtr(source)
			if source == domain.SourceAIManualRequest {
				a.ReverificationRequestedAt = timePtr(now)
			}
			a.EscalationAttempts = 1
			a.NextEscalationAt = timePtr(next)
		},
	}, events.ReverificationRequested, actorID, events.EventPayload{"source": source})
}

// ProcessEscalation fires the timer of one assignment: the buyer review
// deadline, the AI eligibility window after a rejection, or a pending AI
// review retry. It is a no-op when the timer is not due or the assignment
// already moved on.
func (e Engine) ProcessEscalation(ctx context.Context, id string) (domain.Assignment, error) {
	var reserved domain.Assignment
	due := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		reserved = a
		if a.NextEscalationAt == nil || now.Before(*a.NextEscalationAt) {
			return nil
		}
		switch a.Status {
		case domain.StatusCompleted, domain.StatusAIReviewPending:
			attempts := a.EscalationAttempts + 1
			next := now.Add(e.retryDelay(attempts))
			reserved, err = e.transition(ctx, tx, repo.Transition{
				ID: a.ID, From: a.Status, To: a.Status, At: now,
				Apply: func(a *domain.Assignment) {
					a.EscalationAttempts = attempts
					a.NextEscalationAt = timePtr(next)
				},
			}, events.AIEscalation, ActorScheduler, events.EventPayload{"attempt": attempts})
		case domain.StatusRejected:
			reserved, err = e.reserveReview(ctx, tx, a, domain.SourceAIAuto, ActorScheduler, now)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		due = true
		return nil
	})
	if err != nil || !due {
		return reserved, err
	}
	return e.adjudicate(ctx, reserved)
}

// adjudicate asks the oracle for a verdict on a reserved assignment and
// applies it. Oracle failures leave the assignment as is; the booked retry
// slot stays in place.
func (e Engine) adjudicate(ctx context.Context, a domain.Assignment) (domain.Assignment, error) {
	source := domain.SourceAIAuto
	if a.Status == domain.StatusAIReviewPending && a.ReviewSource != nil {
		source = *a.ReviewSource
	}
	log := e.logger().With(
		zap.String("assignment_id", a.ID),
		zap.String("status", a.Status),
		zap.Int("attempt", a.EscalationAttempts),
		zap.String("source", source),
	)
	if e.Oracle == nil {
		return a, apperr.New(apperr.KindUpstreamUnavailable, "no oracle configured")
	}
	verdict, err := e.Oracle.Verify(ctx, oracle.RequestFor(a))
	if err == nil {
		verdict.Decision = strings.ToLower(strings.TrimSpace(verdict.Decision))
		if verdict.Decision != domain.DecisionApprove && verdict.Decision != domain.DecisionReject {
			// Only a definite answer resolves the assignment.
			err = apperr.New(apperr.KindUpstreamUnavailable, "oracle returned unknown decision %q", verdict.Decision)
		}
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Wrap(apperr.KindUpstreamUnavailable, err, "oracle")
		}
		log.Warn("oracle unavailable; retry scheduled", zap.Error(err), zap.Timep("next_escalation_at", a.NextEscalationAt))
		if logErr := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Events.Append(ctx, tx, events.AIUnavailable, "assignment", a.ID, ActorScheduler, events.EventPayload{
				"attempt": a.EscalationAttempts,
				"error":   err.Error(),
			})
		}); logErr != nil {
			log.Error("append oracle failure event", zap.Error(logErr))
		}
		return a, err
	}

	var out domain.Assignment
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		cur, err := e.Repo.GetAssignmentTx(ctx, tx, a.ID)
		if err != nil {
			return storeErr(err)
		}
		if cur.Status != a.Status {
			// Someone else resolved it while the oracle was thinking.
			out = cur
			return nil
		}
		attempt := domain.VerificationAttempt{
			ID:           newID(),
			AssignmentID: cur.ID,
			Source:       source,
			Decision:     verdict.Decision,
			Reason:       verdict.Reason,
			Confidence:   &verdict.Confidence,
			ActorID:      domain.ActorAI,
			CreatedAt:    now,
		}
		if cur.Status == domain.StatusAIReviewPending {
			prior, err := e.Repo.LatestAttemptTx(ctx, tx, cur.ID, domain.SourceBuyer)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil && prior.Decision == domain.DecisionReject && verdict.Decision == domain.DecisionApprove {
				attempt.SupersedesID = strPtr(prior.ID)
			}
		}
		if err := e.Repo.InsertAttemptTx(ctx, tx, attempt); err != nil {
			return err
		}
		if verdict.Decision == domain.DecisionApprove {
			out, err = e.verify(ctx, tx, cur, source, verdict.Reason, domain.ActorAI, now)
		} else {
			out, err = e.fail(ctx, tx, cur, source, verdict.Reason, now)
		}
		return err
	})
	if err != nil {
		return a, err
	}
	log.Info("oracle verdict applied", zap.String("decision", verdict.Decision), zap.String("result", out.Status))
	return out, nil
}
