package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"claimline/internal/apperr"
	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/repo"
)

// ActorScheduler is recorded on events emitted by timer firings.
const ActorScheduler = "scheduler"

// Claim gives providerID exclusive ownership of an available assignment.
// A repeated claim by the current holder returns the assignment unchanged.
func (e Engine) Claim(ctx context.Context, id, providerID string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if err := auth.Check(a, providerID, auth.OpClaim); err != nil {
			return err
		}
		switch a.Status {
		case domain.StatusAssigned, domain.StatusInProgress:
			if !leaseLapsed(a, now) {
				if a.ClaimedByActor(providerID) {
					out = a
					return nil
				}
				return apperr.New(apperr.KindAlreadyClaimed, "assignment is claimed by another provider")
			}
			// The holder's lease ran out before the sweep reached it.
			if a, err = e.lapseLease(ctx, tx, a, now); err != nil {
				return err
			}
		case domain.StatusExpiredUnclaimed:
			return apperr.New(apperr.KindExpired, "assignment expired at %s", a.ExpiresAt.Format(time.RFC3339))
		case domain.StatusAvailable:
		default:
			if a.ClaimedByActor(providerID) {
				return invalidState(a, "claim")
			}
			return apperr.New(apperr.KindAlreadyClaimed, "assignment is claimed by another provider")
		}
		if !now.Before(a.ExpiresAt) {
			return apperr.New(apperr.KindExpired, "assignment expired at %s", a.ExpiresAt.Format(time.RFC3339))
		}
		lease := now.Add(e.Config.Windows.ClaimLease)
		out, err = e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: domain.StatusAvailable, To: domain.StatusAssigned, At: now,
			Apply: func(a *domain.Assignment) {
				a.ClaimedBy = strPtr(providerID)
				a.ClaimedAt = timePtr(now)
				a.LeaseExpiresAt = timePtr(lease)
				a.StartedAt = nil
			},
		}, events.AssignmentClaimed, providerID, events.EventPayload{"lease_expires_at": lease.Format(time.RFC3339)})
		return err
	})
	return out, err
}

// Start moves a claimed assignment into progress. Idempotent when already
// in progress.
func (e Engine) Start(ctx context.Context, id, providerID string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if a.ClaimedBy == nil {
			return invalidState(a, "start")
		}
		if err := auth.Check(a, providerID, auth.OpStart); err != nil {
			return err
		}
		switch a.Status {
		case domain.StatusAssigned, domain.StatusInProgress:
		default:
			return invalidState(a, "start")
		}
		if leaseLapsed(a, now) {
			return apperr.New(apperr.KindExpired, "claim lease expired at %s", a.LeaseExpiresAt.Format(time.RFC3339))
		}
		if a.Status == domain.StatusInProgress {
			out = a
			return nil
		}
		out, err = e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: domain.StatusAssigned, To: domain.StatusInProgress, At: now,
			Apply: func(a *domain.Assignment) { a.StartedAt = timePtr(now) },
		}, events.AssignmentStarted, providerID, nil)
		return err
	})
	return out, err
}

// Release returns a claimed assignment to the pool. A repeated release by
// the provider who last released it is a no-op.
func (e Engine) Release(ctx context.Context, id, providerID, reason string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if a.Status == domain.StatusAvailable {
			last, err := e.Repo.LastAssignmentEventTx(ctx, tx, a.ID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil && last.Type == events.AssignmentReleased && last.ActorID == providerID {
				out = a
				return nil
			}
			return invalidState(a, "release")
		}
		if err := auth.Check(a, providerID, auth.OpRelease); err != nil {
			return err
		}
		if a.Status != domain.StatusAssigned && a.Status != domain.StatusInProgress {
			return invalidState(a, "release")
		}
		out, err = e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: a.Status, To: domain.StatusAvailable, At: e.now(),
			Apply: clearClaim,
		}, events.AssignmentReleased, providerID, events.EventPayload{"reason": reason})
		return err
	})
	return out, err
}

func clearClaim(a *domain.Assignment) {
	a.ClaimedBy = nil
	a.ClaimedAt = nil
	a.LeaseExpiresAt = nil
	a.StartedAt = nil
}

func (e Engine) lapseLease(ctx context.Context, tx *sql.Tx, a domain.Assignment, now time.Time) (domain.Assignment, error) {
	holder := ""
	if a.ClaimedBy != nil {
		holder = *a.ClaimedBy
	}
	return e.transition(ctx, tx, repo.Transition{
		ID: a.ID, From: a.Status, To: domain.StatusAvailable, At: now,
		Apply: clearClaim,
	}, events.AssignmentLeaseLapsed, ActorScheduler, events.EventPayload{"provider_id": holder})
}

// ExpireLease returns the assignment to the pool if its claim lease has
// lapsed. It reports whether anything changed.
func (e Engine) ExpireLease(ctx context.Context, id string) (bool, error) {
	changed := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if a.Status != domain.StatusAssigned && a.Status != domain.StatusInProgress {
			return nil
		}
		if !leaseLapsed(a, now) {
			return nil
		}
		if _, err := e.lapseLease(ctx, tx, a, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if changed {
		e.logger().Info("claim lease lapsed", zap.String("assignment_id", id))
	}
	return changed, err
}

// ExpirePool closes an assignment that stayed unclaimed past expires_at.
func (e Engine) ExpirePool(ctx context.Context, id string) (bool, error) {
	changed := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return storeErr(err)
		}
		if a.Status != domain.StatusAvailable || now.Before(a.ExpiresAt) {
			return nil
		}
		if _, err := e.transition(ctx, tx, repo.Transition{
			ID: a.ID, From: domain.StatusAvailable, To: domain.StatusExpiredUnclaimed, At: now,
		}, events.AssignmentExpired, ActorScheduler, nil); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}
