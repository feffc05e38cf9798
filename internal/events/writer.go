package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"claimline/internal/clock"
)

const (
	AssignmentCreated       = "assignment.created"
	AssignmentClaimed       = "assignment.claimed"
	AssignmentStarted       = "assignment.started"
	AssignmentReleased      = "assignment.released"
	AssignmentExpired       = "assignment.expired"
	AssignmentLeaseLapsed   = "assignment.lease_lapsed"
	ProofSubmitted          = "assignment.proof_submitted"
	BuyerResolved           = "assignment.buyer_resolved"
	ReverificationRequested = "assignment.reverification_requested"
	AIEscalation            = "assignment.ai_escalation"
	AIVerified              = "assignment.ai_verified"
	AIUnavailable           = "assignment.ai_unavailable"
	CreditIssued            = "credit.issued"
	CreditDelivered         = "credit.delivered"
	CreditDeliveryFailed    = "credit.delivery_failed"
)

// Writer appends audit events. Append is always called with the
// transaction that performs the state change it describes.
type Writer struct {
	Clock clock.Clock
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	c := w.Clock
	if c == nil {
		c = clock.System{}
	}
	ts := c.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
