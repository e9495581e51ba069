// Package app wires the store, policy config, metrics and engine for the
// CLI and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/engine"
	"crmflow/internal/migrate"
	"crmflow/internal/otel"
	"crmflow/internal/repo"
	"crmflow/internal/repo/pgrepo"
	"crmflow/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Workspace string
	// Driver selects the store backend; empty means sqlite.
	Driver string
	// DSN is the PostgreSQL connection string (falls back to DATABASE_URL).
	DSN      string
	MaxConns int32
	// Metrics installs the Prometheus-backed meter provider.
	Metrics bool
	Logger  *slog.Logger
}

// Runtime is an opened store plus the engine bound to it.
type Runtime struct {
	Engine  engine.Engine
	Store   store.Store
	Config  *config.Config
	Metrics http.Handler
}

func (r *Runtime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, opts Options) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return repo.Repo{DB: conn}, nil
	case DriverPostgres, "pg", "pgx":
		st, err := pgrepo.Open(ctx, opts.DSN, opts.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want sqlite or postgres)", opts.Driver)
	}
}

// Open loads crmflow.yml from the workspace (defaults when absent), opens the
// store and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg}
	if opts.Metrics {
		handler, err := otel.InitMeterProvider(ctx, "crmflow")
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if err := otel.InitMetrics(ctx); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		rt.Metrics = handler
	}
	st, err := OpenStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	rt.Store = st
	rt.Engine = engine.New(st, cfg)
	if opts.Logger != nil {
		rt.Engine.Log = opts.Logger
	}
	return rt, nil
}
