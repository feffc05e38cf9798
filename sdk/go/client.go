package claimlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal claimline HTTP API client.
type Client struct {
	BaseURL       string
	BasePath      string
	BearerToken   string
	ActorID       string
	WebhookSecret string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// As returns a copy of c that authenticates as actorID through the dev
// actor header.
func (c *Client) As(actorID string) *Client {
	cp := *c
	cp.ActorID = actorID
	cp.BearerToken = ""
	return &cp
}

// WithToken returns a copy of c that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.BearerToken = token
	cp.ActorID = ""
	return &cp
}

// Assignment represents the API assignment model.
type Assignment struct {
	ID                 string     `json:"id"`
	OrderID            string     `json:"order_id"`
	ActionType         string     `json:"action_type"`
	Platform           string     `json:"platform"`
	TargetURL          string     `json:"target_url"`
	CommentText        *string    `json:"comment_text,omitempty"`
	PricePerAction     string     `json:"price_per_action"`
	Quantity           int        `json:"quantity"`
	BuyerID            string     `json:"buyer_id"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ClaimedBy          *string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt     *time.Time `json:"lease_expires_at,omitempty"`
	ProofRef           *string    `json:"proof_ref,omitempty"`
	ReviewDeadlineAt   *time.Time `json:"review_deadline_at,omitempty"`
	RejectionReason    *string    `json:"rejection_reason,omitempty"`
	AIEligibleAt       *time.Time `json:"ai_eligible_at,omitempty"`
	ReviewSource       *string    `json:"review_source,omitempty"`
	EscalationAttempts int        `json:"escalation_attempts"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	VerificationSource *string    `json:"verification_source,omitempty"`
	Version            int64      `json:"version"`
	Claim              *Claim     `json:"claim,omitempty"`
}

// Claim is the provider's hold on an assignment.
type Claim struct {
	ProviderID     string    `json:"provider_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Verification is one recorded judgment.
type Verification struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	Source       string    `json:"source"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	ActorID      string    `json:"actor_id"`
	SupersedesID *string   `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Credit struct {
	ID           string     `json:"id"`
	AssignmentID string     `json:"assignment_id"`
	ProviderID   string     `json:"provider_id"`
	Amount       string     `json:"amount"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Order is the payload of the order-paid webhook.
type Order struct {
	OrderID        string     `json:"order_id"`
	BuyerID        string     `json:"buyer_id"`
	ActionType     string     `json:"action_type"`
	Platform       string     `json:"platform"`
	TargetURL      string     `json:"target_url"`
	CommentText    *string    `json:"comment_text,omitempty"`
	PricePerAction string     `json:"price_per_action"`
	Quantity       int        `json:"quantity"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type OrderPaidResult struct {
	OrderID     string       `json:"order_id"`
	Assignments []Assignment `json:"assignments"`
}

type PaginatedAssignments struct {
	Items      []Assignment `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// ListOptions filters GET /assignments.
type ListOptions struct {
	Status     string
	Platform   string
	ActionType string
	BuyerID    string
	ClaimedBy  string
	OrderID    string
	Limit      int
	Cursor     string
}

// APIError is returned for non-2xx responses. Code carries the error
// envelope code when the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) ListAssignments(ctx context.Context, opts ListOptions) (PaginatedAssignments, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("platform", opts.Platform)
	set("action_type", opts.ActionType)
	set("buyer_id", opts.BuyerID)
	set("claimed_by", opts.ClaimedBy)
	set("order_id", opts.OrderID)
	set("cursor", opts.Cursor)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "assignments"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out PaginatedAssignments
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodGet, assignmentPath(id, ""), nil, &out)
	return out, err
}

func (c *Client) Claim(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "claim", nil)
}

func (c *Client) Start(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "start", nil)
}

func (c *Client) Release(ctx context.Context, id, reason string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "release", map[string]any{"reason": reason})
}

func (c *Client) SubmitProof(ctx context.Context, id, proofRef, notes string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "submit-proof", map[string]any{"proof_ref": proofRef, "notes": notes})
}

// Resolve records the buyer's decision: "approve" or "reject".
func (c *Client) Resolve(ctx context.Context, id, decision, reason string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "resolve", map[string]any{"decision": decision, "reason": reason})
}

func (c *Client) RequestReverification(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "request-reverification", nil)
}

func (c *Client) Verifications(ctx context.Context, id string) ([]Verification, error) {
	var out []Verification
	err := c.do(ctx, http.MethodGet, assignmentPath(id, "verifications"), nil, &out)
	return out, err
}

func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := assignmentPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// Credits lists credits of providerID; empty means the caller.
func (c *Client) Credits(ctx context.Context, providerID string) ([]Credit, error) {
	endpoint := "credits"
	if providerID != "" {
		endpoint += "?provider_id=" + url.QueryEscape(providerID)
	}
	var out []Credit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// AssignmentCredit returns the credit issued for a verified assignment.
func (c *Client) AssignmentCredit(ctx context.Context, id string) (Credit, error) {
	var out Credit
	err := c.do(ctx, http.MethodGet, assignmentPath(id, "credit"), nil, &out)
	return out, err
}

// OrderPaid delivers a payment notification using WebhookSecret.
func (c *Client) OrderPaid(ctx context.Context, o Order) (OrderPaidResult, error) {
	var out OrderPaidResult
	err := c.do(ctx, http.MethodPost, "webhooks/order-paid", o, &out)
	return out, err
}

// DevToken mints a bearer token on servers running in dev mode.
func (c *Client) DevToken(ctx context.Context, actorID string, ttl time.Duration) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "ttl_seconds": int(ttl / time.Second)}
	if err := c.do(ctx, http.MethodPost, "auth/dev/token", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) assignmentAction(ctx context.Context, id, action string, body any) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, assignmentPath(id, action), body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", c.WebhookSecret)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func assignmentPath(id, action string) string {
	p := "assignments/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
