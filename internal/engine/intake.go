package engine

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimline/internal/apperr"
	"claimline/internal/domain"
	"claimline/internal/events"
)

// Order is a paid service order as delivered by the payment collaborator.
type Order struct {
	OrderID        string
	BuyerID        string
	ActionType     string
	Platform       string
	TargetURL      string
	CommentText    *string
	PricePerAction decimal.Decimal
	Quantity       int

	// ExpiresAt overrides the pool window when set.
	ExpiresAt *time.Time
}

func (e Engine) validateOrder(o Order) error {
	if strings.TrimSpace(o.OrderID) == "" {
		return apperr.New(apperr.KindValidation, "order_id is required")
	}
	if strings.TrimSpace(o.BuyerID) == "" {
		return apperr.New(apperr.KindValidation, "buyer_id is required")
	}
	if !domain.ValidActionType(o.ActionType) {
		return apperr.New(apperr.KindValidation, "unknown action_type %q", o.ActionType).WithDetail("field", "action_type")
	}
	if strings.TrimSpace(o.Platform) == "" {
		return apperr.New(apperr.KindValidation, "platform is required")
	}
	if err := validateURL("target_url", o.TargetURL); err != nil {
		return err
	}
	if o.Quantity < 1 {
		return apperr.New(apperr.KindValidation, "quantity must be at least 1").WithDetail("field", "quantity")
	}
	if !o.PricePerAction.IsPositive() {
		return apperr.New(apperr.KindValidation, "price_per_action must be positive").WithDetail("field", "price_per_action")
	}
	if policy, _ := e.Config.Policy(o.ActionType); policy.CommentRequired {
		if o.CommentText == nil || strings.TrimSpace(*o.CommentText) == "" {
			return apperr.New(apperr.KindValidation, "comment_text is required for %s", o.ActionType).WithDetail("field", "comment_text")
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperr.New(apperr.KindValidation, "%s must be an absolute URL", field).WithDetail("field", field)
	}
	return nil
}

// CreateAssignment creates a single assignment for slot 0 of the order.
func (e Engine) CreateAssignment(ctx context.Context, o Order, actorID string) (domain.Assignment, error) {
	created, err := e.createSlots(ctx, o, 1, actorID)
	if err != nil {
		return domain.Assignment{}, err
	}
	return created[0], nil
}

// CreateFromOrder fans a paid order out into Quantity single-unit
// assignments. Ids derive from the order id and slot index, so redelivery of
// the same order returns the existing assignments.
func (e Engine) CreateFromOrder(ctx context.Context, o Order, actorID string) ([]domain.Assignment, error) {
	return e.createSlots(ctx, o, o.Quantity, actorID)
}

func (e Engine) createSlots(ctx context.Context, o Order, slots int, actorID string) ([]domain.Assignment, error) {
	if e.Config == nil {
		return nil, apperr.New(apperr.KindInternal, "config not loaded")
	}
	if err := e.validateOrder(o); err != nil {
		return nil, err
	}
	now := e.now()
	expires := now.Add(e.Config.Windows.PoolTTL)
	if o.ExpiresAt != nil {
		if !o.ExpiresAt.After(now) {
			return nil, apperr.New(apperr.KindValidation, "expires_at must be in the future").WithDetail("field", "expires_at")
		}
		expires = o.ExpiresAt.UTC()
	}
	var out []domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		for slot := 0; slot < slots; slot++ {
			a := domain.Assignment{
				ID:             assignmentID(o.OrderID, slot),
				OrderID:        o.OrderID,
				ActionType:     o.ActionType,
				Platform:       strings.TrimSpace(o.Platform),
				TargetURL:      strings.TrimSpace(o.TargetURL),
				CommentText:    o.CommentText,
				PricePerAction: o.PricePerAction,
				Quantity:       o.Quantity,
				BuyerID:        o.BuyerID,
				Status:         domain.StatusAvailable,
				CreatedAt:      now,
				ExpiresAt:      expires,
				Version:        1,
				UpdatedAt:      now,
			}
			inserted, err := e.Repo.InsertAssignmentTx(ctx, tx, a)
			if err != nil {
				return err
			}
			if inserted {
				if err := e.Events.Append(ctx, tx, events.AssignmentCreated, "assignment", a.ID, actorID, events.EventPayload{
					"order_id":    o.OrderID,
					"slot":        slot,
					"action_type": a.ActionType,
					"expires_at":  a.ExpiresAt.Format(time.RFC3339),
				}); err != nil {
					return err
				}
				out = append(out, a)
				continue
			}
			existing, err := e.Repo.GetAssignmentTx(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			out = append(out, existing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger().Info("order intake", zap.String("order_id", o.OrderID), zap.Int("assignments", len(out)))
	return out, nil
}
