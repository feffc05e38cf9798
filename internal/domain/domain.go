package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusAvailable        = "available"
	StatusAssigned         = "assigned"
	StatusInProgress       = "in_progress"
	StatusCompleted        = "completed"
	StatusVerified         = "verified"
	StatusRejected         = "rejected"
	StatusAIReviewPending  = "ai_review_pending"
	StatusFailed           = "failed"
	StatusExpiredUnclaimed = "expired_unclaimed"
)

// Statuses lists every lifecycle status in lifecycle order.
var Statuses = []string{
	StatusAvailable,
	StatusAssigned,
	StatusInProgress,
	StatusCompleted,
	StatusRejected,
	StatusAIReviewPending,
	StatusVerified,
	StatusFailed,
	StatusExpiredUnclaimed,
}

const (
	SourceBuyer           = "buyer"
	SourceAIAuto          = "ai_auto"
	SourceAIManualRequest = "ai_manual_request"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

const (
	ActionFollow  = "follow"
	ActionLike    = "like"
	ActionComment = "comment"
	ActionView    = "view"
)

// ActorAI is the actor id recorded for oracle judgments.
const ActorAI = "ai"

type Assignment struct {
	ID                        string          `json:"id"`
	OrderID                   string          `json:"order_id"`
	ActionType                string          `json:"action_type" enum:"follow,like,comment,view"`
	Platform                  string          `json:"platform"`
	TargetURL                 string          `json:"target_url"`
	CommentText               *string         `json:"comment_text,omitempty"`
	PricePerAction            decimal.Decimal `json:"price_per_action"`
	Quantity                  int             `json:"quantity"`
	BuyerID                   string          `json:"buyer_id"`
	Status                    string          `json:"status" enum:"available,assigned,in_progress,completed,verified,rejected,ai_review_pending,failed,expired_unclaimed"`
	CreatedAt                 time.Time       `json:"created_at"`
	ExpiresAt                 time.Time       `json:"expires_at"`
	ClaimedBy                 *string         `json:"claimed_by,omitempty"`
	ClaimedAt                 *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpiresAt            *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt                 *time.Time      `json:"started_at,omitempty"`
	SubmittedAt               *time.Time      `json:"submitted_at,omitempty"`
	ProofRef                  *string         `json:"proof_ref,omitempty"`
	ProofNotes                *string         `json:"proof_notes,omitempty"`
	ReviewDeadlineAt          *time.Time      `json:"review_deadline_at,omitempty"`
	RejectedAt                *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason           *string         `json:"rejection_reason,omitempty"`
	AIEligibleAt              *time.Time      `json:"ai_eligible_at,omitempty"`
	ReverificationRequestedAt *time.Time      `json:"reverification_requested_at,omitempty"`
	ReviewSource              *string         `json:"review_source,omitempty"`
	NextEscalationAt          *time.Time      `json:"next_escalation_at,omitempty"`
	EscalationAttempts        int             `json:"escalation_attempts"`
	VerifiedAt                *time.Time      `json:"verified_at,omitempty"`
	ResolvedAt                *time.Time      `json:"resolved_at,omitempty"`
	VerificationReason        *string         `json:"verification_reason,omitempty"`
	VerificationSource        *string         `json:"verification_source,omitempty" enum:"buyer,ai_auto,ai_manual_request"`
	Version                   int64           `json:"version"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// Claim is the ownership view of an assignment's claim fields.
type Claim struct {
	AssignmentID   string    `json:"assignment_id"`
	ProviderID     string    `json:"provider_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// ActiveClaim returns the claim held on a, if any.
func (a Assignment) ActiveClaim() (Claim, bool) {
	if a.ClaimedBy == nil || a.ClaimedAt == nil || a.LeaseExpiresAt == nil {
		return Claim{}, false
	}
	return Claim{
		AssignmentID:   a.ID,
		ProviderID:     *a.ClaimedBy,
		AcquiredAt:     *a.ClaimedAt,
		LeaseExpiresAt: *a.LeaseExpiresAt,
	}, true
}

func (a Assignment) ClaimedByActor(actorID string) bool {
	return a.ClaimedBy != nil && *a.ClaimedBy == actorID
}

// VerificationAttempt is one judgment on an assignment. Rows are never updated.
type VerificationAttempt struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	Source       string    `json:"source" enum:"buyer,ai_auto,ai_manual_request"`
	Decision     string    `json:"decision" enum:"approve,reject"`
	Reason       string    `json:"reason,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	ActorID      string    `json:"actor_id"`
	SupersedesID *string   `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Credit is the outbox row for the ledger credit emitted on verification.
type Credit struct {
	ID           string          `json:"id"`
	AssignmentID string          `json:"assignment_id"`
	ProviderID   string          `json:"provider_id"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    *string         `json:"last_error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

var transitions = map[string][]string{
	StatusAvailable:       {StatusAssigned, StatusExpiredUnclaimed},
	StatusAssigned:        {StatusInProgress, StatusAvailable},
	StatusInProgress:      {StatusCompleted, StatusAvailable},
	StatusCompleted:       {StatusVerified, StatusRejected, StatusFailed},
	StatusRejected:        {StatusAIReviewPending},
	StatusAIReviewPending: {StatusVerified, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// A same-status "transition" is a guarded bookkeeping update and is allowed
// for non-terminal states.
func CanTransition(from, to string) bool {
	if from == to {
		return !IsTerminal(from) && from != ""
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	switch status {
	case StatusVerified, StatusFailed, StatusExpiredUnclaimed:
		return true
	}
	return false
}

func ValidActionType(t string) bool {
	switch t {
	case ActionFollow, ActionLike, ActionComment, ActionView:
		return true
	}
	return false
}
