package engine

import (
	"context"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/store"
)

// CompleteTask marks a task done and reports whether its stage is now
// complete. Completing a completed task changes nothing.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (res domain.TaskCompletion, err error) {
	defer e.observe(ctx, "complete_task", time.Now(), &err)
	if taskID == "" {
		return res, invalid("task id is required")
	}
	var agentID string
	err = e.read(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return notFound("task", taskID, err)
		}
		agentID = t.AgentID
		return nil
	})
	if err != nil {
		return res, err
	}
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return notFound("task", taskID, err)
		}
		if !t.IsCompleted {
			ts := e.timestamp()
			t.IsCompleted = true
			t.CompletedAt = &ts
			t.CompletedBy = optionalString(actorID)
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			if err := e.audit(ctx, tx, events.ActionTaskCompleted, t.AgentID, actorID, events.Change{
				Field: "task_id", New: t.ID,
			}); err != nil {
				return err
			}
		}
		c, err := e.stageCompletionTx(ctx, tx, t.AgentID, t.StageID)
		if err != nil {
			return err
		}
		res = domain.TaskCompletion{Task: t, StageComplete: c.Complete}
		return nil
	})
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	return res, nil
}

// ListTasks returns the agent's tasks, optionally narrowed to one stage.
func (e Engine) ListTasks(ctx context.Context, f store.TaskFilter) (tasks []domain.Task, err error) {
	if f.AgentID == "" {
		return nil, invalid("agent id is required")
	}
	err = e.read(ctx, func(tx store.Tx) error {
		if _, err := tx.GetOnboarding(ctx, f.AgentID); err != nil {
			return notFound("onboarding for agent", f.AgentID, err)
		}
		tasks, err = tx.ListTasks(ctx, f)
		return err
	})
	return tasks, err
}
