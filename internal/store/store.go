// Package store defines the persistence boundary of the onboarding engine.
// Implementations: repo.Repo (SQLite) and pgrepo.Store (PostgreSQL).
package store

import (
	"context"
	"errors"

	"crmflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is a constraint violation, e.g. a duplicate key on a retried insert.
	ErrConflict = errors.New("conflict")
	// ErrTransient is a timeout, lock or connection failure; callers may retry.
	ErrTransient = errors.New("transient store error")
)

// Store runs units of work. Tx commits when fn returns nil and rolls back otherwise.
type Store interface {
	Tx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

type TaskFilter struct {
	AgentID     string
	StageID     string
	TemplateID  string
	OnlyPending bool
}

type AuditFilter struct {
	AgentID string
	Action  string
	AfterID int64
	Limit   int
}

// Tx is a transaction handle. All reads observe the transaction's snapshot.
type Tx interface {
	// Pipelines
	InsertPipeline(ctx context.Context, p domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)
	InsertStage(ctx context.Context, s domain.PipelineStage) error
	GetStage(ctx context.Context, id string) (domain.PipelineStage, error)
	ListStages(ctx context.Context, pipelineID string) ([]domain.PipelineStage, error)
	// NextStage returns the stage of pipelineID with the smallest order greater
	// than afterOrder, ties broken by id. ErrNotFound when there is none.
	NextStage(ctx context.Context, pipelineID string, afterOrder int) (domain.PipelineStage, error)

	// Task configuration
	InsertTemplate(ctx context.Context, t domain.TaskTemplate) error
	InsertTaskSet(ctx context.Context, ts domain.TaskSet) error
	AddTemplateToSet(ctx context.Context, taskSetID, templateID string, order int) error
	AttachTaskSet(ctx context.Context, a domain.StageTaskSet) error
	// StageTaskSets loads the stage's associations ordered by association
	// order, each with its templates (active and inactive) in set order.
	StageTaskSets(ctx context.Context, stageID string) ([]domain.StageTaskSet, error)

	// Onboarding
	InsertOnboarding(ctx context.Context, o domain.AgentOnboarding) error
	GetOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error)
	// LockOnboarding reads the record and holds a write lock on it until the
	// transaction ends.
	LockOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error)
	// UpdateOnboarding writes o when the stored version equals o.Version and
	// bumps it; a version mismatch is ErrConflict.
	UpdateOnboarding(ctx context.Context, o domain.AgentOnboarding) (domain.AgentOnboarding, error)

	// Tasks
	InsertTasks(ctx context.Context, tasks []domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error

	// Audit
	AppendAudit(ctx context.Context, entry domain.AuditLog) error
	ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditLog, error)
	// LatestAuditID is the highest audit id, 0 when the log is empty.
	LatestAuditID(ctx context.Context) (int64, error)

	// Activation requirements
	InsertRequirement(ctx context.Context, r domain.Requirement) error
	GetRequirement(ctx context.Context, id string) (domain.Requirement, error)
	UpdateRequirement(ctx context.Context, r domain.Requirement) error
	ListRequirements(ctx context.Context, agentID string) ([]domain.Requirement, error)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
