package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"claimline/internal/apperr"
	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/repo"
)

type SubmitProofInput struct {
	AssignmentID string
	ProviderID   string
	ProofRef     string
	Notes        string
}

// SubmitProof records the provider's proof and opens the buyer review
// window. The window end is also the first escalation time.
func (e Engine) SubmitProof(ctx context.Context, in SubmitProofInput) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, in.AssignmentID)
		if err != nil {
			return storeErr(err)
		}
		if err := auth.Check(a, in.ProviderID, auth.OpSubmit); err != nil {
			switch a.Status {
			case domain.StatusAvailable, domain.StatusAssigned, domain.StatusInProgress:
				return err
			}
			if apperr.KindOf(err) == apperr.KindForbidden {
				return invalidState(a, "submit proof")
			}
			return err
		}
		if a.Status != domain.StatusInProgress {
			return invalidState(a, "submit proof")
		}
		if leaseLapsed(a, now) {
			return apperr.New(apperr.KindExpired, "claim lease expired at %s", a.LeaseExpiresAt.Format(time.RFC3339))
		}
		proofRef := strings.TrimSpace(in.ProofRef)
		policy, _ := e.Config.Policy(a.ActionType)
		if proofRef == "" && policy.ProofRequired {
			return apperr.New(apperr.KindValidation, "proof_ref is required for %s", a.ActionType).WithDetail("field", "proof_ref")
		}
		if proofRef != "" {
			if err := validateURL("proof_ref", proofRef); err != nil {
				return err
			}
		}
		deadline := now.Add(e.Config.Windows.Review)
		out, err = e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: domain.StatusInProgress, To: domain.StatusCompleted, At: now,
			Apply: func(a *domain.Assignment) {
				a.SubmittedAt = timePtr(now)
				if proofRef != "" {
					a.ProofRef = strPtr(proofRef)
				}
				if notes := strings.TrimSpace(in.Notes); notes != "" {
					a.ProofNotes = strPtr(notes)
				}
				a.LeaseExpiresAt = nil
				a.ReviewDeadlineAt = timePtr(deadline)
				a.NextEscalationAt = timePtr(deadline)
				a.EscalationAttempts = 0
			},
		}, events.ProofSubmitted, in.ProviderID, events.EventPayload{
			"proof_ref":          proofRef,
			"review_deadline_at": deadline.Format(time.RFC3339),
		})
		return err
	})
	return out, err
}
