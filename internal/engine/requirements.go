package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/store"
)

// AddRequirement registers an activation prerequisite. Status defaults to pending.
func (e Engine) AddRequirement(ctx context.Context, r domain.Requirement, actorID string) (out domain.Requirement, err error) {
	defer e.observe(ctx, "add_requirement", time.Now(), &err)
	if r.AgentID == "" || r.Name == "" {
		return out, invalid("agent id and name are required")
	}
	if !r.Kind.Valid() {
		return out, invalid("invalid requirement kind %q", r.Kind)
	}
	if r.Status == "" {
		r.Status = "pending"
	}
	if !r.Kind.ValidStatus(r.Status) {
		return out, invalid("invalid %s status %q, expected one of %v", r.Kind, r.Status, r.Kind.Statuses())
	}
	if err := validTimestamp("expires_at", r.ExpiresAt); err != nil {
		return out, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	err = e.mutate(ctx, r.AgentID, func(tx store.Tx) error {
		if _, err := tx.LockOnboarding(ctx, r.AgentID); err != nil {
			return notFound("onboarding for agent", r.AgentID, err)
		}
		r.UpdatedAt = e.timestamp()
		if err := tx.InsertRequirement(ctx, r); err != nil {
			return err
		}
		return e.audit(ctx, tx, events.ActionRequirementAdded, r.AgentID, actorID, events.Change{
			Field: "requirements." + r.ID, New: map[string]any{"kind": r.Kind, "name": r.Name, "status": r.Status},
		})
	})
	if err != nil {
		return domain.Requirement{}, err
	}
	return r, nil
}

// SetRequirementStatus moves a requirement to status. A nil expiresAt keeps
// the stored expiry.
func (e Engine) SetRequirementStatus(ctx context.Context, requirementID, status string, expiresAt *string, actorID string) (r domain.Requirement, err error) {
	defer e.observe(ctx, "set_requirement_status", time.Now(), &err)
	if requirementID == "" || status == "" {
		return r, invalid("requirement id and status are required")
	}
	if err := validTimestamp("expires_at", expiresAt); err != nil {
		return r, err
	}
	var agentID string
	err = e.read(ctx, func(tx store.Tx) error {
		found, err := tx.GetRequirement(ctx, requirementID)
		if err != nil {
			return notFound("requirement", requirementID, err)
		}
		agentID = found.AgentID
		return nil
	})
	if err != nil {
		return r, err
	}
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		r, err = tx.GetRequirement(ctx, requirementID)
		if err != nil {
			return notFound("requirement", requirementID, err)
		}
		if !r.Kind.ValidStatus(status) {
			return invalid("invalid %s status %q, expected one of %v", r.Kind, status, r.Kind.Statuses())
		}
		prev := r.Status
		r.Status = status
		if expiresAt != nil {
			r.ExpiresAt = expiresAt
		}
		r.UpdatedAt = e.timestamp()
		if err := tx.UpdateRequirement(ctx, r); err != nil {
			return err
		}
		return e.audit(ctx, tx, events.ActionRequirementUpdated, r.AgentID, actorID, events.Change{
			Field: "requirements." + r.ID + ".status", Old: prev, New: status,
		})
	})
	if err != nil {
		return domain.Requirement{}, err
	}
	return r, nil
}

func (e Engine) ListRequirements(ctx context.Context, agentID string) (reqs []domain.Requirement, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		if _, err := tx.GetOnboarding(ctx, agentID); err != nil {
			return notFound("onboarding for agent", agentID, err)
		}
		reqs, err = tx.ListRequirements(ctx, agentID)
		return err
	})
	return reqs, err
}

func validTimestamp(field string, v *string) error {
	if v == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, *v); err != nil {
		return invalid("%s must be RFC3339: %v", field, err)
	}
	return nil
}
