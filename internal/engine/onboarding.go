package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/otel"
	"crmflow/internal/store"
)

// Invite creates the agent's onboarding record in pipelineID with status Invited.
func (e Engine) Invite(ctx context.Context, agentID, pipelineID, actorID string) (o domain.AgentOnboarding, err error) {
	defer e.observe(ctx, "invite", time.Now(), &err)
	if agentID == "" || pipelineID == "" {
		return o, invalid("agent id and pipeline id are required")
	}
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		if _, err := tx.GetPipeline(ctx, pipelineID); err != nil {
			return notFound("pipeline", pipelineID, err)
		}
		_, err := tx.GetOnboarding(ctx, agentID)
		if err == nil {
			return fmt.Errorf("%w: agent %s already has an onboarding record", store.ErrConflict, agentID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		ts := e.timestamp()
		o = domain.AgentOnboarding{
			AgentID:    agentID,
			PipelineID: pipelineID,
			Status:     domain.StatusInvited,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		if err := tx.InsertOnboarding(ctx, o); err != nil {
			return err
		}
		return e.audit(ctx, tx, events.ActionInvited, agentID, actorID, events.Change{Field: "status", New: o.Status})
	})
	if err != nil {
		return domain.AgentOnboarding{}, err
	}
	e.log().Info("agent invited", "agent", agentID, "pipeline", pipelineID)
	return o, nil
}

func (e Engine) GetOnboarding(ctx context.Context, agentID string) (o domain.AgentOnboarding, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		o, err = tx.GetOnboarding(ctx, agentID)
		if err != nil {
			return notFound("onboarding for agent", agentID, err)
		}
		return nil
	})
	return o, err
}

// ensureStatusTransition guards SetStatus. Activation has its own checks.
func ensureStatusTransition(o domain.AgentOnboarding, to domain.OnboardingStatus, force bool) error {
	if force {
		return nil
	}
	from := o.Status
	switch to {
	case domain.StatusSuspended:
		if from != domain.StatusTerminated {
			return nil
		}
	case domain.StatusTerminated:
		return nil
	}
	switch from {
	case domain.StatusInvited:
		if to == domain.StatusOnboardingStarted {
			return nil
		}
	case domain.StatusOnboardingStarted:
		if to == domain.StatusProfileComplete {
			return nil
		}
	case domain.StatusProfileComplete:
		if to == domain.StatusCompliancePending {
			return nil
		}
	case domain.StatusCompliancePending:
		if to == domain.StatusAwaitingApproval {
			return nil
		}
	case domain.StatusAwaitingApproval:
		if to == domain.StatusCompliancePending {
			return nil
		}
	case domain.StatusSuspended:
		switch to {
		case domain.StatusOnboardingStarted, domain.StatusProfileComplete, domain.StatusCompliancePending, domain.StatusAwaitingApproval:
			return nil
		case domain.StatusActive:
			if o.ActivatedAt != nil {
				return nil
			}
		}
	}
	return TransitionError{From: from, To: to}
}

// SetStatus changes the onboarding status along the allowed transitions.
// Setting the current status again is a no-op.
func (e Engine) SetStatus(ctx context.Context, agentID string, status domain.OnboardingStatus, actorID string, force bool) (o domain.AgentOnboarding, err error) {
	defer e.observe(ctx, "set_status", time.Now(), &err)
	if !status.Valid() {
		return o, invalid("invalid onboarding status %q", status)
	}
	changed := false
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		o, err = tx.LockOnboarding(ctx, agentID)
		if err != nil {
			return notFound("onboarding for agent", agentID, err)
		}
		if o.Status == status {
			return nil
		}
		if err := ensureStatusTransition(o, status, force); err != nil {
			return err
		}
		prev := o.Status
		ts := e.timestamp()
		o.Status = status
		if status == domain.StatusOnboardingStarted && o.OnboardingStartedAt == nil {
			o.OnboardingStartedAt = &ts
		}
		if status == domain.StatusActive && o.ActivatedAt == nil {
			o.ActivatedAt = &ts
		}
		o.UpdatedAt = ts
		o, err = tx.UpdateOnboarding(ctx, o)
		if err != nil {
			return err
		}
		changed = true
		return e.audit(ctx, tx, events.ActionStatusChanged, agentID, actorID, events.Change{
			Field: "status", Old: prev, New: status,
		})
	})
	if err != nil {
		return domain.AgentOnboarding{}, err
	}
	if changed {
		otel.RecordStatusChange(ctx, string(status))
		e.log().Info("status changed", "agent", agentID, "status", status, "forced", force)
	}
	return o, nil
}

// Activate sets status Active once every required checklist item and
// training is completed, every required agreement is signed, every required
// document is approved and unexpired, and financial setup is flagged.
func (e Engine) Activate(ctx context.Context, agentID, actorID string) (o domain.AgentOnboarding, err error) {
	defer e.observe(ctx, "activate", time.Now(), &err)
	changed := false
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		o, err = tx.LockOnboarding(ctx, agentID)
		if err != nil {
			return notFound("onboarding for agent", agentID, err)
		}
		switch o.Status {
		case domain.StatusActive:
			return nil
		case domain.StatusTerminated:
			return TransitionError{From: o.Status, To: domain.StatusActive}
		}
		reqs, err := tx.ListRequirements(ctx, agentID)
		if err != nil {
			return err
		}
		if unmet := e.unmetRequirements(o, reqs); len(unmet) > 0 {
			return ActivationError{Unmet: unmet}
		}
		prev := o.Status
		ts := e.timestamp()
		o.Status = domain.StatusActive
		o.ActivatedAt = &ts
		o.UpdatedAt = ts
		o, err = tx.UpdateOnboarding(ctx, o)
		if err != nil {
			return err
		}
		changed = true
		if err := e.audit(ctx, tx, events.ActionStatusChanged, agentID, actorID, events.Change{
			Field: "status", Old: prev, New: o.Status,
		}); err != nil {
			return err
		}
		return e.audit(ctx, tx, events.ActionActivated, agentID, actorID, events.Change{Field: "activated_at", New: ts})
	})
	if err != nil {
		return domain.AgentOnboarding{}, err
	}
	if changed {
		otel.RecordStatusChange(ctx, string(domain.StatusActive))
		e.log().Info("agent activated", "agent", agentID)
	}
	return o, nil
}

func (e Engine) unmetRequirements(o domain.AgentOnboarding, reqs []domain.Requirement) []string {
	var unmet []string
	now := e.now().UTC()
	for _, r := range reqs {
		if !r.IsRequired {
			continue
		}
		want := r.Kind.SatisfiedStatus()
		if r.Status != want {
			unmet = append(unmet, fmt.Sprintf("%s %q is %s, needs %s", r.Kind, r.Name, r.Status, want))
			continue
		}
		if r.Kind == domain.RequirementDocument && r.ExpiresAt != nil {
			exp, err := time.Parse(time.RFC3339, *r.ExpiresAt)
			if err != nil || !exp.After(now) {
				unmet = append(unmet, fmt.Sprintf("document %q expired", r.Name))
			}
		}
	}
	if e.config().RequireFinancialSetup() && !o.FinancialSetupComplete {
		unmet = append(unmet, "financial setup not complete")
	}
	return unmet
}

// UpdateOnboarding applies a partial update. Each changed field gets its own
// audit entry; a patch that changes nothing writes nothing.
func (e Engine) UpdateOnboarding(ctx context.Context, agentID string, patch domain.OnboardingPatch, actorID string) (o domain.AgentOnboarding, err error) {
	defer e.observe(ctx, "update_onboarding", time.Now(), &err)
	if patch.Empty() {
		return o, invalid("no fields to update")
	}
	flags := []struct {
		name  string
		patch domain.Patch[bool]
		field func(*domain.AgentOnboarding) *bool
	}{
		{"profile_complete", patch.ProfileComplete, func(o *domain.AgentOnboarding) *bool { return &o.ProfileComplete }},
		{"compliance_complete", patch.ComplianceComplete, func(o *domain.AgentOnboarding) *bool { return &o.ComplianceComplete }},
		{"training_complete", patch.TrainingComplete, func(o *domain.AgentOnboarding) *bool { return &o.TrainingComplete }},
		{"financial_setup_complete", patch.FinancialSetupComplete, func(o *domain.AgentOnboarding) *bool { return &o.FinancialSetupComplete }},
	}
	for _, f := range flags {
		if f.patch.Null {
			return o, invalid("%s cannot be null", f.name)
		}
	}
	err = e.mutate(ctx, agentID, func(tx store.Tx) error {
		o, err = tx.LockOnboarding(ctx, agentID)
		if err != nil {
			return notFound("onboarding for agent", agentID, err)
		}
		var changes []events.Change
		for _, f := range flags {
			if !f.patch.Set {
				continue
			}
			cur := f.field(&o)
			if *cur == f.patch.Value {
				continue
			}
			changes = append(changes, events.Change{Field: f.name, Old: *cur, New: f.patch.Value})
			*cur = f.patch.Value
		}
		if patch.Notes.Set {
			var next *string
			if !patch.Notes.Null {
				v := patch.Notes.Value
				next = &v
			}
			if deref(o.Notes) != deref(next) || (o.Notes == nil) != (next == nil) {
				changes = append(changes, events.Change{Field: "notes", Old: o.Notes, New: next})
				o.Notes = next
			}
		}
		if len(changes) == 0 {
			return nil
		}
		o.UpdatedAt = e.timestamp()
		o, err = tx.UpdateOnboarding(ctx, o)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if err := e.audit(ctx, tx, events.ActionFieldUpdated, agentID, actorID, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.AgentOnboarding{}, err
	}
	return o, nil
}

// ListAudit returns audit entries in append order.
func (e Engine) ListAudit(ctx context.Context, f store.AuditFilter) (entries []domain.AuditLog, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		if f.AgentID != "" {
			if _, err := tx.GetOnboarding(ctx, f.AgentID); err != nil {
				return notFound("onboarding for agent", f.AgentID, err)
			}
		}
		entries, err = tx.ListAudit(ctx, f)
		return err
	})
	return entries, err
}

// LatestAuditID is the id of the newest audit entry.
func (e Engine) LatestAuditID(ctx context.Context) (id int64, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		id, err = tx.LatestAuditID(ctx)
		return err
	})
	return id, err
}
