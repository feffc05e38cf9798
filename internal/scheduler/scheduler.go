// Package scheduler fires the durable timers kept on assignments: pool
// expiry, claim lease expiry, the buyer review deadline and the AI
// eligibility window. It also relays the credit outbox to the ledger.
//
// All timer state lives in the store, so a restarted scheduler resumes where
// the previous one stopped. Firings are idempotent; a stale firing finds the
// assignment in a successor state and does nothing.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"claimline/internal/apperr"
	"claimline/internal/clock"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/ledger"
)

type Scheduler struct {
	Engine   engine.Engine
	Ledger   ledger.Ledger
	Clock    clock.Clock
	Interval time.Duration
	Batch    int
	Log      *zap.Logger
}

// Report summarizes one tick.
type Report struct {
	PoolExpired      int `json:"pool_expired"`
	LeasesLapsed     int `json:"leases_lapsed"`
	Escalations      int `json:"escalations"`
	Resolved         int `json:"resolved"`
	OracleFailures   int `json:"oracle_failures"`
	CreditsDelivered int `json:"credits_delivered"`
	CreditFailures   int `json:"credit_failures"`
	Errors           int `json:"errors"`
}

func New(eng engine.Engine, l ledger.Ledger, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		Engine:   eng,
		Ledger:   l,
		Clock:    eng.Clock,
		Interval: 5 * time.Second,
		Batch:    100,
		Log:      log.With(zap.String("component", "scheduler")),
	}
	if eng.Config != nil {
		s.Interval = eng.Config.Scheduler.Interval
		s.Batch = eng.Config.Scheduler.Batch
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Log.Info("scheduler started", zap.Duration("interval", interval))
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.Log.Warn("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick processes everything due at the clock's current time.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now()
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	repo := s.Engine.Repo

	ids, err := repo.DuePoolExpiry(ctx, now, batch)
	if err != nil {
		return rep, fmt.Errorf("scan pool expiry: %w", err)
	}
	for _, id := range ids {
		s.guard(&rep, id, func() error {
			changed, err := s.Engine.ExpirePool(ctx, id)
			if changed {
				rep.PoolExpired++
			}
			return err
		})
	}

	ids, err = repo.DueLeaseExpiry(ctx, now, batch)
	if err != nil {
		return rep, fmt.Errorf("scan lease expiry: %w", err)
	}
	for _, id := range ids {
		s.guard(&rep, id, func() error {
			changed, err := s.Engine.ExpireLease(ctx, id)
			if changed {
				rep.LeasesLapsed++
			}
			return err
		})
	}

	ids, err = repo.DueEscalations(ctx, now, batch)
	if err != nil {
		return rep, fmt.Errorf("scan escalations: %w", err)
	}
	for _, id := range ids {
		s.guard(&rep, id, func() error {
			rep.Escalations++
			a, err := s.Engine.ProcessEscalation(ctx, id)
			if err != nil {
				if apperr.Retryable(err) {
					rep.OracleFailures++
					return nil
				}
				return err
			}
			if domain.IsTerminal(a.Status) {
				rep.Resolved++
			}
			return nil
		})
	}

	if err := s.relayCredits(ctx, &rep, batch); err != nil {
		return rep, err
	}
	if rep != (Report{}) {
		s.Log.Info("scheduler tick",
			zap.Int("pool_expired", rep.PoolExpired),
			zap.Int("leases_lapsed", rep.LeasesLapsed),
			zap.Int("escalations", rep.Escalations),
			zap.Int("resolved", rep.Resolved),
			zap.Int("oracle_failures", rep.OracleFailures),
			zap.Int("credits_delivered", rep.CreditsDelivered),
			zap.Int("credit_failures", rep.CreditFailures),
			zap.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}

func (s *Scheduler) relayCredits(ctx context.Context, rep *Report, batch int) error {
	if s.Ledger == nil {
		return nil
	}
	credits, err := s.Engine.PendingCredits(ctx, batch)
	if err != nil {
		return fmt.Errorf("scan credits: %w", err)
	}
	for _, c := range credits {
		deliveryErr := s.Ledger.Credit(ctx, c)
		if err := s.Engine.RecordCreditDelivery(ctx, c, deliveryErr); err != nil {
			rep.Errors++
			s.Log.Error("record credit delivery", zap.String("credit_id", c.ID), zap.Error(err))
			continue
		}
		if deliveryErr != nil {
			rep.CreditFailures++
			continue
		}
		rep.CreditsDelivered++
	}
	return nil
}

// guard runs fn for one assignment, logging errors and recovering panics so
// one bad row does not stop the sweep.
func (s *Scheduler) guard(rep *Report, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors++
			s.Log.Error("timer handler panic", zap.String("assignment_id", id), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		rep.Errors++
		s.Log.Warn("timer firing failed", zap.String("assignment_id", id), zap.Error(err))
	}
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
