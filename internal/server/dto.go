package server

import (
	"encoding/json"
	"time"

	"claimline/internal/domain"
)

// Request payloads

type ReleaseRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

type SubmitProofRequest struct {
	ProofRef string `json:"proof_ref,omitempty" doc:"URL of the proof artifact; optional for action types that do not require proof"`
	Notes    string `json:"notes,omitempty" maxLength:"2000"`
}

type ResolveRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Reason   string `json:"reason,omitempty" maxLength:"2000"`
}

type OrderPaidRequest struct {
	OrderID        string     `json:"order_id" minLength:"1"`
	BuyerID        string     `json:"buyer_id" minLength:"1"`
	ActionType     string     `json:"action_type" enum:"follow,like,comment,view"`
	Platform       string     `json:"platform" minLength:"1"`
	TargetURL      string     `json:"target_url" format:"uri"`
	CommentText    *string    `json:"comment_text,omitempty"`
	PricePerAction string     `json:"price_per_action" pattern:"^[0-9]+(\\.[0-9]+)?$" example:"0.25"`
	Quantity       int        `json:"quantity" minimum:"1"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type DevTokenRequest struct {
	ActorID    string `json:"actor_id" minLength:"1"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type DevTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Response payloads

type AssignmentResponse struct {
	ID                        string     `json:"id"`
	OrderID                   string     `json:"order_id"`
	ActionType                string     `json:"action_type"`
	Platform                  string     `json:"platform"`
	TargetURL                 string     `json:"target_url"`
	CommentText               *string    `json:"comment_text,omitempty"`
	PricePerAction            string     `json:"price_per_action"`
	Quantity                  int        `json:"quantity"`
	BuyerID                   string     `json:"buyer_id"`
	Status                    string     `json:"status"`
	CreatedAt                 time.Time  `json:"created_at"`
	ExpiresAt                 time.Time  `json:"expires_at"`
	ClaimedBy                 *string    `json:"claimed_by,omitempty"`
	ClaimedAt                 *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt            *time.Time `json:"lease_expires_at,omitempty"`
	StartedAt                 *time.Time `json:"started_at,omitempty"`
	SubmittedAt               *time.Time `json:"submitted_at,omitempty"`
	ProofRef                  *string    `json:"proof_ref,omitempty"`
	ProofNotes                *string    `json:"proof_notes,omitempty"`
	ReviewDeadlineAt          *time.Time `json:"review_deadline_at,omitempty"`
	RejectedAt                *time.Time `json:"rejected_at,omitempty"`
	RejectionReason           *string    `json:"rejection_reason,omitempty"`
	AIEligibleAt              *time.Time `json:"ai_eligible_at,omitempty"`
	ReverificationRequestedAt *time.Time `json:"reverification_requested_at,omitempty"`
	ReviewSource              *string    `json:"review_source,omitempty"`
	NextEscalationAt          *time.Time `json:"next_escalation_at,omitempty"`
	EscalationAttempts        int        `json:"escalation_attempts"`
	VerifiedAt                *time.Time `json:"verified_at,omitempty"`
	ResolvedAt                *time.Time `json:"resolved_at,omitempty"`
	VerificationReason        *string    `json:"verification_reason,omitempty"`
	VerificationSource        *string    `json:"verification_source,omitempty"`
	Version                   int64      `json:"version"`
	UpdatedAt                 time.Time  `json:"updated_at"`

	// Claim is set while a provider holds the assignment.
	Claim *domain.Claim `json:"claim,omitempty"`
}

type VerificationResponse struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	Source       string    `json:"source"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	ActorID      string    `json:"actor_id"`
	SupersedesID *string   `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreditResponse struct {
	ID           string     `json:"id"`
	AssignmentID string     `json:"assignment_id"`
	ProviderID   string     `json:"provider_id"`
	Amount       string     `json:"amount"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	Attempts     int        `json:"attempts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedAssignments struct {
	Items      []AssignmentResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	res := AssignmentResponse{
		ID:                        a.ID,
		OrderID:                   a.OrderID,
		ActionType:                a.ActionType,
		Platform:                  a.Platform,
		TargetURL:                 a.TargetURL,
		CommentText:               a.CommentText,
		PricePerAction:            a.PricePerAction.String(),
		Quantity:                  a.Quantity,
		BuyerID:                   a.BuyerID,
		Status:                    a.Status,
		CreatedAt:                 a.CreatedAt,
		ExpiresAt:                 a.ExpiresAt,
		ClaimedBy:                 a.ClaimedBy,
		ClaimedAt:                 a.ClaimedAt,
		LeaseExpiresAt:            a.LeaseExpiresAt,
		StartedAt:                 a.StartedAt,
		SubmittedAt:               a.SubmittedAt,
		ProofRef:                  a.ProofRef,
		ProofNotes:                a.ProofNotes,
		ReviewDeadlineAt:          a.ReviewDeadlineAt,
		RejectedAt:                a.RejectedAt,
		RejectionReason:           a.RejectionReason,
		AIEligibleAt:              a.AIEligibleAt,
		ReverificationRequestedAt: a.ReverificationRequestedAt,
		ReviewSource:              a.ReviewSource,
		NextEscalationAt:          a.NextEscalationAt,
		EscalationAttempts:        a.EscalationAttempts,
		VerifiedAt:                a.VerifiedAt,
		ResolvedAt:                a.ResolvedAt,
		VerificationReason:        a.VerificationReason,
		VerificationSource:        a.VerificationSource,
		Version:                   a.Version,
		UpdatedAt:                 a.UpdatedAt,
	}
	if c, ok := a.ActiveClaim(); ok {
		res.Claim = &c
	}
	return res
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func verificationResponse(v domain.VerificationAttempt) VerificationResponse {
	return VerificationResponse{
		ID:           v.ID,
		AssignmentID: v.AssignmentID,
		Source:       v.Source,
		Decision:     v.Decision,
		Reason:       v.Reason,
		Confidence:   v.Confidence,
		ActorID:      v.ActorID,
		SupersedesID: v.SupersedesID,
		CreatedAt:    v.CreatedAt,
	}
}

func creditResponse(c domain.Credit) CreditResponse {
	return CreditResponse{
		ID:           c.ID,
		AssignmentID: c.AssignmentID,
		ProviderID:   c.ProviderID,
		Amount:       c.Amount.String(),
		CreatedAt:    c.CreatedAt,
		DeliveredAt:  c.DeliveredAt,
		Attempts:     c.Attempts,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
