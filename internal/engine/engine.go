package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/events"
	"crmflow/internal/otel"
	"crmflow/internal/store"
)

// SystemActor attributes changes made without a caller identity.
const SystemActor = "system"

// Engine runs onboarding state transitions against a Store. Each transition
// holds the agent's lock and runs in one store transaction.
type Engine struct {
	Store  store.Store
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    *slog.Logger

	locks *agentLocks
}

func New(st store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:  st,
		Config: cfg,
		Now:    time.Now,
		Log:    slog.Default(),
		locks:  newAgentLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// read runs fn in a transaction bounded by store.tx_timeout.
func (e Engine) read(ctx context.Context, fn func(store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.config().TxTimeout())
	defer cancel()
	return e.Store.Tx(ctx, fn)
}

// mutate serializes fn with every other mutation of agentID in this process
// and runs it in one transaction.
func (e Engine) mutate(ctx context.Context, agentID string, fn func(store.Tx) error) error {
	unlock := e.locks.lock(agentID)
	defer unlock()
	return e.read(ctx, fn)
}

// observe records the outcome of an operation. Use with a deferred call and a
// named error result.
func (e Engine) observe(ctx context.Context, op string, started time.Time, errp *error) {
	err := *errp
	otel.RecordOperation(ctx, op, started, err)
	if err != nil && !isClientError(err) {
		e.log().Error("operation failed", "op", op, "err", err, "retryable", store.IsRetryable(err))
	}
}

// audit appends an entry stamped with the engine clock.
func (e Engine) audit(ctx context.Context, tx store.Tx, action, agentID, actorID string, change events.Change) error {
	if actorID == "" {
		actorID = SystemActor
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, action, agentID, actorID, change)
}

func notFound(kind, id string, err error) error {
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
