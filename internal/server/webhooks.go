package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimline/internal/engine"
)

// actorPayments is recorded as the actor of assignments created from
// payment notifications.
const actorPayments = "payments"

type orderPaidResponse struct {
	OrderID     string               `json:"order_id"`
	Assignments []AssignmentResponse `json:"assignments"`
}

func registerOrderWebhook(api huma.API, e engine.Engine, secret string, log *zap.Logger) {
	log = log.With(zap.String("component", "webhook"))
	huma.Register(api, huma.Operation{
		OperationID: "order-paid",
		Method:      http.MethodPost,
		Path:        "/webhooks/order-paid",
		Summary:     "Create assignments for a paid order",
		Description: "Redelivery of the same order returns the assignments created the first time.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Secret string           `header:"X-Webhook-Secret"`
		Body   OrderPaidRequest `json:"body"`
	}) (*struct {
		Body orderPaidResponse `json:"body"`
	}, error) {
		if !validWebhookSecret(secret, input.Secret) {
			log.Warn("order webhook rejected", zap.String("order_id", input.Body.OrderID))
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook secret", nil)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(input.Body.PricePerAction))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "invalid price_per_action", map[string]any{"price_per_action": input.Body.PricePerAction})
		}
		created, err := e.CreateFromOrder(ctx, engine.Order{
			OrderID:        strings.TrimSpace(input.Body.OrderID),
			BuyerID:        strings.TrimSpace(input.Body.BuyerID),
			ActionType:     input.Body.ActionType,
			Platform:       strings.TrimSpace(input.Body.Platform),
			TargetURL:      strings.TrimSpace(input.Body.TargetURL),
			CommentText:    input.Body.CommentText,
			PricePerAction: price,
			Quantity:       input.Body.Quantity,
			ExpiresAt:      input.Body.ExpiresAt,
		}, actorPayments)
		if err != nil {
			return nil, handleError(err)
		}
		log.Info("order intake",
			zap.String("order_id", input.Body.OrderID),
			zap.Int("assignments", len(created)),
		)
		return &struct {
			Body orderPaidResponse `json:"body"`
		}{Body: orderPaidResponse{OrderID: input.Body.OrderID, Assignments: mapAssignments(created)}}, nil
	})
}

// validWebhookSecret rejects every request when no secret is configured.
func validWebhookSecret(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
