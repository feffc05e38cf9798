// Package app wires configuration, storage, collaborators and the engine
// into a runnable service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"claimline/internal/clock"
	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/engine"
	"claimline/internal/ledger"
	"claimline/internal/logger"
	"claimline/internal/migrate"
	"claimline/internal/oracle"
	"claimline/internal/scheduler"
	"claimline/internal/server"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Workspace string
	Config    *config.Config

	// Optional overrides, mainly for tests.
	Clock  clock.Clock
	Oracle oracle.Oracle
	Ledger ledger.Ledger
	Log    *zap.Logger
}

type App struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
	Ledger    ledger.Ledger
	Scheduler *scheduler.Scheduler
}

// Open builds the service: logger, migrated database, oracle, engine,
// ledger and scheduler.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		built, err := logger.New(cfg.Log.Mode)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		log = built
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	orc := opts.Oracle
	if orc == nil {
		if orc, err = oracle.New(cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	l := opts.Ledger
	if l == nil {
		if l, err = ledger.New(ctx, cfg, log); err != nil {
			conn.Close()
			return nil, err
		}
	}
	eng := engine.New(conn, cfg, orc, opts.Clock, log)
	return &App{
		Config:    cfg,
		Log:       log,
		DB:        conn,
		Engine:    eng,
		Ledger:    l,
		Scheduler: scheduler.New(eng, l, log),
	}, nil
}

// Handler returns the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        a.Config.Auth.JWTSecret,
			AllowActorHeader: a.Config.Auth.AllowActorHeader,
			Logger:           a.Log.With(zap.String("component", "auth")),
		},
		WebhookSecret: a.Config.Webhook.Secret,
		Log:           a.Log.With(zap.String("component", "http")),
	})
}

// Serve runs the HTTP server and the scheduler until ctx is cancelled or
// either of them fails.
func (a *App) Serve(ctx context.Context, addr string) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("http listening", zap.String("addr", addr), zap.String("base_path", a.Config.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
