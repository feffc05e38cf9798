package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/repo"
)

// PendingCredits returns credits the ledger has not acknowledged yet.
func (e Engine) PendingCredits(ctx context.Context, limit int) ([]domain.Credit, error) {
	return e.Repo.PendingCredits(ctx, limit)
}

// RecordCreditDelivery stores the outcome of handing c to the ledger.
// deliveryErr nil marks the credit delivered; otherwise the failure is
// recorded and the credit stays pending.
func (e Engine) RecordCreditDelivery(ctx context.Context, c domain.Credit, deliveryErr error) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if deliveryErr != nil {
			e.logger().Warn("ledger delivery failed",
				zap.String("credit_id", c.ID),
				zap.String("assignment_id", c.AssignmentID),
				zap.Int("attempt", c.Attempts+1),
				zap.Error(deliveryErr))
			if err := e.Repo.MarkCreditFailedTx(ctx, tx, c.ID, deliveryErr.Error()); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.CreditDeliveryFailed, "credit", c.ID, ActorScheduler, events.EventPayload{
				"assignment_id": c.AssignmentID,
				"error":         deliveryErr.Error(),
			})
		}
		err := e.Repo.MarkCreditDeliveredTx(ctx, tx, c.ID, e.now())
		if errors.Is(err, repo.ErrConflict) {
			// Already delivered by a concurrent relay.
			return nil
		}
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CreditDelivered, "credit", c.ID, ActorScheduler, events.EventPayload{
			"assignment_id": c.AssignmentID,
			"provider_id":   c.ProviderID,
			"amount":        c.Amount.String(),
		})
	})
}
