package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

// Audit actions.
const (
	ActionInvited            = "onboarding.invited"
	ActionStageEntered       = "stage.entered"
	ActionStageCompleted     = "stage.completed"
	ActionStatusChanged      = "status.changed"
	ActionFieldUpdated       = "onboarding.updated"
	ActionActivated          = "onboarding.activated"
	ActionTaskCompleted      = "task.completed"
	ActionRequirementAdded   = "requirement.added"
	ActionRequirementUpdated = "requirement.updated"
)

type Writer struct {
	Now func() time.Time
}

// Change is the field-level delta an audit entry records. Old and New are
// JSON encoded; nil stays NULL.
type Change struct {
	Field string
	Old   any
	New   any
}

// Append writes one audit entry inside tx.
func (w Writer) Append(ctx context.Context, tx store.Tx, action, agentID, actorID string, change Change) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	oldVal, err := encode(change.Old)
	if err != nil {
		return fmt.Errorf("encode audit old value: %w", err)
	}
	newVal, err := encode(change.New)
	if err != nil {
		return fmt.Errorf("encode audit new value: %w", err)
	}
	return tx.AppendAudit(ctx, domain.AuditLog{
		AgentID:   agentID,
		Action:    action,
		Field:     change.Field,
		OldValue:  oldVal,
		NewValue:  newVal,
		ActorID:   actorID,
		CreatedAt: w.Now().UTC().Format(time.RFC3339),
	})
}

func encode(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	s := string(data)
	return &s, nil
}
