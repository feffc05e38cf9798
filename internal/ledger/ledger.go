// Package ledger delivers credit events to the balance service.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"claimline/internal/config"
	"claimline/internal/domain"
)

// Ledger receives one credit per verified assignment. Delivery is
// at-least-once; consumers dedupe on the credit id.
type Ledger interface {
	Credit(ctx context.Context, c domain.Credit) error
	Close() error
}

// New builds the ledger selected by cfg.Ledger.Driver.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Ledger, error) {
	switch cfg.Ledger.Driver {
	case "redis":
		return NewRedis(ctx, cfg.Ledger.RedisAddr, cfg.Ledger.Stream)
	case "log", "":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

// Redis appends credits to a Redis stream.
type Redis struct {
	rdb    *goredis.Client
	stream string
}

func NewRedis(ctx context.Context, addr, stream string) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing ledger redis address")
	}
	if strings.TrimSpace(stream) == "" {
		stream = "ledger.credits"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, stream: stream}, nil
}

func (r *Redis) Credit(ctx context.Context, c domain.Credit) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis ledger not initialized")
	}
	return r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"credit_id":     c.ID,
			"assignment_id": c.AssignmentID,
			"provider_id":   c.ProviderID,
			"amount":        c.Amount.String(),
			"created_at":    c.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// Log writes credits to the structured log. Used when no ledger service is
// configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.With(zap.String("component", "ledger"))}
}

func (l *Log) Credit(ctx context.Context, c domain.Credit) error {
	l.log.Info("credit",
		zap.String("credit_id", c.ID),
		zap.String("assignment_id", c.AssignmentID),
		zap.String("provider_id", c.ProviderID),
		zap.String("amount", c.Amount.String()),
	)
	return nil
}

func (l *Log) Close() error { return nil }
