package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claimline/internal/apperr"
	"claimline/internal/clock"
	"claimline/internal/config"
	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/oracle"
	"claimline/internal/repo"
)

// Engine owns every state change of an assignment. Each operation runs in
// one transaction that performs the guarded transition and appends the
// matching event; oracle calls happen outside any transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Clock  clock.Clock
	Oracle oracle.Oracle
	Log    *zap.Logger
}

func New(db *sql.DB, cfg *config.Config, orc oracle.Oracle, clk clock.Clock, log *zap.Logger) Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Clock: clk},
		Config: cfg,
		Clock:  clk,
		Oracle: orc,
		Log:    log.With(zap.String("component", "engine")),
	}
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// transition runs the store's compare-and-transition and appends evtType in
// the same transaction.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, t repo.Transition, evtType, actorID string, payload events.EventPayload) (domain.Assignment, error) {
	if t.At.IsZero() {
		t.At = e.now()
	}
	a, err := e.Repo.CompareAndTransition(ctx, tx, t)
	if err != nil {
		return a, storeErr(err)
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = t.From
	payload["to"] = t.To
	if err := e.Events.Append(ctx, tx, evtType, "assignment", a.ID, actorID, payload); err != nil {
		return a, err
	}
	return a, nil
}

// Get returns an assignment by id.
func (e Engine) Get(ctx context.Context, id string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	return a, storeErr(err)
}

func (e Engine) List(ctx context.Context, f repo.AssignmentFilters) ([]domain.Assignment, error) {
	return e.Repo.ListAssignments(ctx, f)
}

func (e Engine) Verifications(ctx context.Context, id string) ([]domain.VerificationAttempt, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListAttempts(ctx, id)
}

// History returns the event log of an assignment, newest first.
func (e Engine) History(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "assignment", EntityID: id, Limit: limit})
}

func (e Engine) Credits(ctx context.Context, providerID string, limit int) ([]domain.Credit, error) {
	return e.Repo.ListCredits(ctx, providerID, limit)
}

// CreditFor returns the credit issued for a verified assignment.
func (e Engine) CreditFor(ctx context.Context, id string) (domain.Credit, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return domain.Credit{}, err
	}
	c, err := e.Repo.GetCreditByAssignment(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, apperr.New(apperr.KindNotFound, "no credit issued for assignment %s", id)
	}
	return c, err
}

// Summary counts assignments per status. Statuses without assignments are
// reported as zero.
func (e Engine) Summary(ctx context.Context) (map[string]int, error) {
	counts, err := e.Repo.CountAssignmentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range domain.Statuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// storeErr maps store sentinels onto the public error kinds.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, "assignment")
	case errors.Is(err, repo.ErrConflict):
		return apperr.Wrap(apperr.KindConflict, err, "assignment changed concurrently")
	case errors.Is(err, repo.ErrInvalidTransition):
		return apperr.Wrap(apperr.KindInvalidState, err, "transition not allowed")
	}
	return err
}

func invalidState(a domain.Assignment, op string) error {
	return apperr.New(apperr.KindInvalidState, "%s not allowed in status %s", op, a.Status).
		WithDetail("status", a.Status)
}

// retryDelay is the backoff before escalation attempt n+1 after n failures.
func (e Engine) retryDelay(attempts int) time.Duration {
	base := e.Config.Scheduler.RetryBase
	ceiling := e.Config.Scheduler.RetryMax
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func leaseLapsed(a domain.Assignment, now time.Time) bool {
	return a.LeaseExpiresAt != nil && !now.Before(*a.LeaseExpiresAt)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func newID() string { return uuid.NewString() }

func creditID(assignmentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("credit|"+assignmentID)).String()
}

func assignmentID(orderID string, slot int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", orderID, slot))).String()
}
