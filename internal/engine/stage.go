package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/otel"
	"crmflow/internal/store"
)

// EnterStage moves the agent into stageID and drafts a task for every active
// template of the stage's task sets. Tasks and the onboarding update commit
// together or not at all.
func (e Engine) EnterStage(ctx context.Context, agentID, stageID, assignedBy string) (res domain.EnterStageResult, err error) {
	defer e.observe(ctx, "enter_stage", time.Now(), &err)
	if agentID == "" || stageID == "" {
		return res, invalid("agent id and stage id are required")
	}
	var entered stageEntry
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		var err error
		entered, err = e.enterStageTx(ctx, tx, agentID, stageID, assignedBy, false)
		return err
	})
	if err != nil {
		return domain.EnterStageResult{}, err
	}
	e.reportEntry(ctx, entered)
	return entered.Result, nil
}

// MoveToStage is EnterStage restricted to stages of the agent's own pipeline.
func (e Engine) MoveToStage(ctx context.Context, agentID, stageID, actorID string) (res domain.EnterStageResult, err error) {
	defer e.observe(ctx, "move_to_stage", time.Now(), &err)
	if agentID == "" || stageID == "" {
		return res, invalid("agent id and stage id are required")
	}
	var entered stageEntry
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		var err error
		entered, err = e.enterStageTx(ctx, tx, agentID, stageID, actorID, true)
		return err
	})
	if err != nil {
		return domain.EnterStageResult{}, err
	}
	e.reportEntry(ctx, entered)
	return entered.Result, nil
}

type stageEntry struct {
	AgentID    string
	Result     domain.EnterStageResult
	PipelineID string
	FromStatus domain.OnboardingStatus
	ToStatus   domain.OnboardingStatus
}

func (e Engine) reportEntry(ctx context.Context, s stageEntry) {
	otel.RecordStageEntered(ctx, s.PipelineID, s.Result.Stage.ID, s.Result.TasksCreated)
	if s.FromStatus != s.ToStatus {
		otel.RecordStatusChange(ctx, string(s.ToStatus))
	}
	e.log().Info("stage entered",
		"agent", s.AgentID,
		"pipeline", s.PipelineID,
		"stage", s.Result.Stage.ID,
		"tasks_created", s.Result.TasksCreated,
		"status", s.ToStatus)
}

func (e Engine) enterStageTx(ctx context.Context, tx store.Tx, agentID, stageID, assignedBy string, samePipeline bool) (stageEntry, error) {
	stage, err := tx.GetStage(ctx, stageID)
	if err != nil {
		return stageEntry{}, notFound("stage", stageID, err)
	}
	associations, err := tx.StageTaskSets(ctx, stageID)
	if err != nil {
		return stageEntry{}, err
	}
	o, err := tx.LockOnboarding(ctx, agentID)
	if err != nil {
		return stageEntry{}, notFound("onboarding for agent", agentID, err)
	}
	if samePipeline && stage.PipelineID != o.PipelineID {
		return stageEntry{}, invalid("stage %s is not in pipeline %s of agent %s", stageID, o.PipelineID, agentID)
	}

	drafted := map[string]bool{}
	// a deduped template belongs to the first required set holding it
	owner := map[string]string{}
	if e.config().Dedupe() {
		for _, a := range associations {
			if !a.IsRequired {
				continue
			}
			for _, member := range a.TaskSet.Templates {
				if _, ok := owner[member.Template.ID]; !ok {
					owner[member.Template.ID] = a.TaskSet.ID
				}
			}
		}
		existing, err := tx.ListTasks(ctx, store.TaskFilter{AgentID: agentID, StageID: stageID})
		if err != nil {
			return stageEntry{}, err
		}
		for _, t := range existing {
			drafted[t.TemplateID] = true
		}
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	tasks := []domain.Task{}
	for _, a := range associations {
		var due *string
		if a.DefaultDueDays != nil {
			d := now.Add(time.Duration(*a.DefaultDueDays) * 24 * time.Hour).Format(time.RFC3339)
			due = &d
		}
		for _, member := range a.TaskSet.Templates {
			tpl := member.Template
			if !tpl.IsActive {
				continue
			}
			setID := a.TaskSet.ID
			if e.config().Dedupe() {
				if drafted[tpl.ID] {
					continue
				}
				drafted[tpl.ID] = true
				if id, ok := owner[tpl.ID]; ok {
					setID = id
				}
			}
			tasks = append(tasks, domain.Task{
				ID:          uuid.NewString(),
				AgentID:     agentID,
				TemplateID:  tpl.ID,
				StageID:     stage.ID,
				TaskSetID:   setID,
				Title:       tpl.Name,
				Description: tpl.Description,
				Category:    tpl.Category,
				Priority:    tpl.Priority,
				DueDate:     due,
				AssignedBy:  optionalString(assignedBy),
				CreatedAt:   ts,
			})
		}
	}
	if len(tasks) > 0 {
		if err := tx.InsertTasks(ctx, tasks); err != nil {
			return stageEntry{}, err
		}
	}

	prevStage := o.CurrentStageID
	prevStatus := o.Status
	o.CurrentStageID = &stage.ID
	o.StageEnteredAt = &ts
	if o.Status == domain.StatusInvited {
		o.Status = domain.StatusOnboardingStarted
	}
	if o.OnboardingStartedAt == nil {
		o.OnboardingStartedAt = &ts
	}
	o.UpdatedAt = ts
	if _, err := tx.UpdateOnboarding(ctx, o); err != nil {
		return stageEntry{}, err
	}
	if err := e.audit(ctx, tx, events.ActionStageEntered, agentID, assignedBy, events.Change{
		Field: "current_stage_id", Old: prevStage, New: stage.ID,
	}); err != nil {
		return stageEntry{}, err
	}
	if prevStatus != o.Status {
		if err := e.audit(ctx, tx, events.ActionStatusChanged, agentID, assignedBy, events.Change{
			Field: "status", Old: prevStatus, New: o.Status,
		}); err != nil {
			return stageEntry{}, err
		}
	}
	return stageEntry{
		AgentID:    agentID,
		Result:     domain.EnterStageResult{Stage: stage, TasksCreated: len(tasks), Tasks: tasks},
		PipelineID: stage.PipelineID,
		FromStatus: prevStatus,
		ToStatus:   o.Status,
	}, nil
}

// IsStageComplete reports whether the agent finished the stage's work. A
// stage without required task sets is always complete; a stage with required
// sets but no tasks for the agent is not.
func (e Engine) IsStageComplete(ctx context.Context, agentID, stageID string) (bool, error) {
	c, err := e.StageCompletion(ctx, agentID, stageID)
	if err != nil {
		return false, err
	}
	return c.Complete, nil
}

// StageCompletion is IsStageComplete with the counts behind the verdict.
func (e Engine) StageCompletion(ctx context.Context, agentID, stageID string) (c domain.StageCompletion, err error) {
	defer e.observe(ctx, "stage_completion", time.Now(), &err)
	if agentID == "" || stageID == "" {
		return c, invalid("agent id and stage id are required")
	}
	err = e.read(ctx, func(tx store.Tx) error {
		if _, err := tx.GetStage(ctx, stageID); err != nil {
			return notFound("stage", stageID, err)
		}
		var err error
		c, err = e.stageCompletionTx(ctx, tx, agentID, stageID)
		return err
	})
	return c, err
}

func (e Engine) stageCompletionTx(ctx context.Context, tx store.Tx, agentID, stageID string) (domain.StageCompletion, error) {
	scope := e.config().Scope()
	c := domain.StageCompletion{AgentID: agentID, StageID: stageID, Scope: scope}
	associations, err := tx.StageTaskSets(ctx, stageID)
	if err != nil {
		return c, err
	}
	required := map[string]bool{}
	requiredTemplates := map[string]bool{}
	for _, a := range associations {
		if !a.IsRequired {
			continue
		}
		required[a.TaskSet.ID] = true
		for _, member := range a.TaskSet.Templates {
			requiredTemplates[member.Template.ID] = true
		}
	}
	c.RequiredSets = len(required)
	if len(required) == 0 {
		c.Complete = true
		return c, nil
	}
	tasks, err := tx.ListTasks(ctx, store.TaskFilter{AgentID: agentID, StageID: stageID})
	if err != nil {
		return c, err
	}
	dedupe := e.config().Dedupe()
	for _, t := range tasks {
		if scope == config.ScopeRequired && !required[t.TaskSetID] && !(dedupe && requiredTemplates[t.TemplateID]) {
			continue
		}
		c.Total++
		if t.IsCompleted {
			c.Completed++
		}
	}
	c.Complete = c.Total > 0 && c.Completed == c.Total
	return c, nil
}

// GetNextStage returns the stage after currentStageID in pipelineID. ok is
// false when the current stage does not exist in the pipeline or is last.
func (e Engine) GetNextStage(ctx context.Context, pipelineID, currentStageID string) (next string, ok bool, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		stage, found, err := nextStageTx(ctx, tx, pipelineID, currentStageID)
		if err != nil || !found {
			return err
		}
		next, ok = stage.ID, true
		return nil
	})
	return next, ok, err
}

func nextStageTx(ctx context.Context, tx store.Tx, pipelineID, currentStageID string) (domain.PipelineStage, bool, error) {
	current, err := tx.GetStage(ctx, currentStageID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PipelineStage{}, false, nil
	}
	if err != nil {
		return domain.PipelineStage{}, false, err
	}
	if current.PipelineID != pipelineID {
		return domain.PipelineStage{}, false, nil
	}
	next, err := tx.NextStage(ctx, pipelineID, current.Order)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PipelineStage{}, false, nil
	}
	if err != nil {
		return domain.PipelineStage{}, false, err
	}
	return next, true, nil
}

// CompleteStageOptions are parameters for a manual stage completion.
type CompleteStageOptions struct {
	AgentID string
	// StageID defaults to the agent's current stage.
	StageID string
	// Advance enters the next stage, if any, in the same transaction.
	Advance bool
	// RequireComplete rejects the completion while the stage's tasks are open.
	RequireComplete bool
	ActorID         string
}

// CompleteStage stamps stageCompletedAt on the agent's current stage and
// optionally advances. Open tasks do not block it unless RequireComplete is
// set. Reaching the last stage never activates the agent.
func (e Engine) CompleteStage(ctx context.Context, opts CompleteStageOptions) (res domain.CompleteStageResult, err error) {
	defer e.observe(ctx, "complete_stage", time.Now(), &err)
	if opts.AgentID == "" {
		return res, invalid("agent id is required")
	}
	var completed domain.PipelineStage
	var entered *stageEntry
	err = e.mutate(ctx, opts.AgentID, func(tx store.Tx) error {
		o, err := tx.LockOnboarding(ctx, opts.AgentID)
		if err != nil {
			return notFound("onboarding for agent", opts.AgentID, err)
		}
		if o.CurrentStageID == nil {
			return invalid("agent %s has not entered a stage", opts.AgentID)
		}
		stageID := opts.StageID
		if stageID == "" {
			stageID = *o.CurrentStageID
		}
		if stageID != *o.CurrentStageID {
			return invalid("stage %s is not the current stage of agent %s", stageID, opts.AgentID)
		}
		completed, err = tx.GetStage(ctx, stageID)
		if err != nil {
			return notFound("stage", stageID, err)
		}
		if opts.RequireComplete {
			c, err := e.stageCompletionTx(ctx, tx, opts.AgentID, stageID)
			if err != nil {
				return err
			}
			if !c.Complete {
				return IncompleteStageError{Completion: c}
			}
		}
		ts := e.timestamp()
		prev := o.StageCompletedAt
		o.StageCompletedAt = &ts
		o.UpdatedAt = ts
		o, err = tx.UpdateOnboarding(ctx, o)
		if err != nil {
			return err
		}
		if err := e.audit(ctx, tx, events.ActionStageCompleted, opts.AgentID, opts.ActorID, events.Change{
			Field: "stage_completed_at", Old: prev, New: map[string]any{"stage_id": stageID, "at": ts, "checked": opts.RequireComplete},
		}); err != nil {
			return err
		}
		res.Onboarding = o
		if !opts.Advance {
			return nil
		}
		next, ok, err := nextStageTx(ctx, tx, o.PipelineID, stageID)
		if err != nil || !ok {
			return err
		}
		s, err := e.enterStageTx(ctx, tx, opts.AgentID, next.ID, opts.ActorID, true)
		if err != nil {
			return err
		}
		entered = &s
		res.Next = &s.Result
		res.Onboarding, err = tx.GetOnboarding(ctx, opts.AgentID)
		return err
	})
	if err != nil {
		return domain.CompleteStageResult{}, err
	}
	otel.RecordStageCompleted(ctx, completed.PipelineID, completed.ID)
	e.log().Info("stage completed", "agent", opts.AgentID, "pipeline", completed.PipelineID, "stage", completed.ID, "checked", opts.RequireComplete, "advanced", entered != nil)
	if entered != nil {
		e.reportEntry(ctx, *entered)
	}
	return res, nil
}
