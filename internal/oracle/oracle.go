// Package oracle talks to the AI verification service. The service is a
// black box that returns an approve or reject verdict for a piece of proof.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"claimline/internal/apperr"
	"claimline/internal/config"
	"claimline/internal/domain"
)

type Request struct {
	AssignmentID string  `json:"assignment_id"`
	ProofRef     string  `json:"proof_ref"`
	ActionType   string  `json:"action_type"`
	Platform     string  `json:"platform"`
	TargetURL    string  `json:"target_url"`
	CommentText  *string `json:"comment_text,omitempty"`
}

type Verdict struct {
	Decision   string  `json:"decision"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Oracle returns a verdict or an error. Any error means "no verdict" and is
// never to be read as approve or reject.
type Oracle interface {
	Verify(ctx context.Context, req Request) (Verdict, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, req Request) (Verdict, error)

func (f Func) Verify(ctx context.Context, req Request) (Verdict, error) { return f(ctx, req) }

// RequestFor builds the oracle request for an assignment.
func RequestFor(a domain.Assignment) Request {
	req := Request{
		AssignmentID: a.ID,
		ActionType:   a.ActionType,
		Platform:     a.Platform,
		TargetURL:    a.TargetURL,
		CommentText:  a.CommentText,
	}
	if a.ProofRef != nil {
		req.ProofRef = *a.ProofRef
	}
	return req
}

// New builds the oracle selected by cfg.Oracle.Mode.
func New(cfg *config.Config) (Oracle, error) {
	switch cfg.Oracle.Mode {
	case "http":
		return NewHTTPClient(cfg.Oracle.URL, cfg.Oracle.Timeout), nil
	case "static":
		return Static{Decision: cfg.Oracle.StaticDecision}, nil
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", cfg.Oracle.Mode)
	}
}

// Static always returns the same decision. Used for local runs.
type Static struct {
	Decision string
}

func (s Static) Verify(ctx context.Context, req Request) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "oracle call cancelled")
	}
	decision := s.Decision
	if decision == "" {
		decision = domain.DecisionApprove
	}
	return Verdict{Decision: decision, Reason: "static oracle", Confidence: 1}, nil
}

type HTTPClient struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		url:     strings.TrimRight(strings.TrimSpace(url), "/"),
		timeout: timeout,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Verify posts the request and decodes the verdict. Transport errors,
// timeouts, non-2xx responses and malformed verdicts all surface as
// UpstreamUnavailable.
func (c *HTTPClient) Verify(ctx context.Context, req Request) (Verdict, error) {
	if c == nil || c.url == "" {
		return Verdict{}, apperr.New(apperr.KindUpstreamUnavailable, "oracle url is not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal oracle request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Verdict{}, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "oracle request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "read oracle response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, apperr.New(apperr.KindUpstreamUnavailable, "oracle returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "decode oracle verdict")
	}
	v.Decision = strings.ToLower(strings.TrimSpace(v.Decision))
	if v.Decision != domain.DecisionApprove && v.Decision != domain.DecisionReject {
		return Verdict{}, apperr.New(apperr.KindUpstreamUnavailable, "oracle returned unknown decision %q", v.Decision)
	}
	return v, nil
}
