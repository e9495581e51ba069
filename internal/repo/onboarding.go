package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

const onboardingColumns = `agent_id,pipeline_id,current_stage_id,status,stage_entered_at,stage_completed_at,onboarding_started_at,activated_at,
profile_complete,compliance_complete,training_complete,financial_setup_complete,notes,version,created_at,updated_at`

func scanOnboarding(row scanner) (domain.AgentOnboarding, error) {
	var o domain.AgentOnboarding
	var currentStage, entered, completed, started, activated, notes sql.NullString
	var status string
	err := row.Scan(&o.AgentID, &o.PipelineID, &currentStage, &status, &entered, &completed, &started, &activated,
		&o.ProfileComplete, &o.ComplianceComplete, &o.TrainingComplete, &o.FinancialSetupComplete, &notes, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, classify(err)
	}
	o.Status = domain.OnboardingStatus(status)
	o.CurrentStageID = stringPtr(currentStage)
	o.StageEnteredAt = stringPtr(entered)
	o.StageCompletedAt = stringPtr(completed)
	o.OnboardingStartedAt = stringPtr(started)
	o.ActivatedAt = stringPtr(activated)
	o.Notes = stringPtr(notes)
	return o, nil
}

func (t txRepo) InsertOnboarding(ctx context.Context, o domain.AgentOnboarding) error {
	_, err := t.exec(ctx, `INSERT INTO agent_onboardings(`+onboardingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.AgentID, o.PipelineID, nullableStringPtr(o.CurrentStageID), string(o.Status), nullableStringPtr(o.StageEnteredAt),
		nullableStringPtr(o.StageCompletedAt), nullableStringPtr(o.OnboardingStartedAt), nullableStringPtr(o.ActivatedAt),
		o.ProfileComplete, o.ComplianceComplete, o.TrainingComplete, o.FinancialSetupComplete, nullableStringPtr(o.Notes),
		o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t txRepo) GetOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error) {
	return scanOnboarding(t.tx.QueryRowContext(ctx, `SELECT `+onboardingColumns+` FROM agent_onboardings WHERE agent_id=?`, agentID))
}

// LockOnboarding relies on the IMMEDIATE transaction mode set by db.Open: the
// write lock is already held for the whole database when the transaction starts.
func (t txRepo) LockOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error) {
	return t.GetOnboarding(ctx, agentID)
}

func (t txRepo) UpdateOnboarding(ctx context.Context, o domain.AgentOnboarding) (domain.AgentOnboarding, error) {
	res, err := t.exec(ctx, `UPDATE agent_onboardings SET pipeline_id=?, current_stage_id=?, status=?, stage_entered_at=?, stage_completed_at=?,
onboarding_started_at=?, activated_at=?, profile_complete=?, compliance_complete=?, training_complete=?, financial_setup_complete=?,
notes=?, version=version+1, updated_at=? WHERE agent_id=? AND version=?`,
		o.PipelineID, nullableStringPtr(o.CurrentStageID), string(o.Status), nullableStringPtr(o.StageEnteredAt),
		nullableStringPtr(o.StageCompletedAt), nullableStringPtr(o.OnboardingStartedAt), nullableStringPtr(o.ActivatedAt),
		o.ProfileComplete, o.ComplianceComplete, o.TrainingComplete, o.FinancialSetupComplete, nullableStringPtr(o.Notes),
		o.UpdatedAt, o.AgentID, o.Version)
	if err != nil {
		return o, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetOnboarding(ctx, o.AgentID); err != nil {
			return o, err
		}
		return o, fmt.Errorf("%w: onboarding %s modified concurrently", store.ErrConflict, o.AgentID)
	}
	o.Version++
	return o, nil
}

const taskColumns = `id,agent_id,template_id,stage_id,task_set_id,title,description,category,priority,due_date,is_completed,completed_at,completed_by,assigned_by,created_at`

// taskInsertBatch keeps each INSERT well below SQLite's bound parameter limit.
const taskInsertBatch = 500

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var description, category, priority, due, completedAt, completedBy, assignedBy sql.NullString
	err := row.Scan(&t.ID, &t.AgentID, &t.TemplateID, &t.StageID, &t.TaskSetID, &t.Title, &description, &category, &priority,
		&due, &t.IsCompleted, &completedAt, &completedBy, &assignedBy, &t.CreatedAt)
	if err != nil {
		return t, classify(err)
	}
	t.Description = description.String
	t.Category = category.String
	t.Priority = priority.String
	t.DueDate = stringPtr(due)
	t.CompletedAt = stringPtr(completedAt)
	t.CompletedBy = stringPtr(completedBy)
	t.AssignedBy = stringPtr(assignedBy)
	return t, nil
}

func (t txRepo) InsertTasks(ctx context.Context, tasks []domain.Task) error {
	for start := 0; start < len(tasks); start += taskInsertBatch {
		end := start + taskInsertBatch
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]
		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*15)
		for _, task := range batch {
			values = append(values, "("+placeholders(15)+")")
			args = append(args, task.ID, task.AgentID, task.TemplateID, task.StageID, task.TaskSetID, task.Title,
				nullable(task.Description), nullable(task.Category), nullable(task.Priority), nullableStringPtr(task.DueDate),
				task.IsCompleted, nullableStringPtr(task.CompletedAt), nullableStringPtr(task.CompletedBy),
				nullableStringPtr(task.AssignedBy), task.CreatedAt)
		}
		if _, err := t.exec(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES `+strings.Join(values, ","), args...); err != nil {
			return err
		}
	}
	return nil
}

func (t txRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (t txRepo) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.OnlyPending {
		clauses = append(clauses, "is_completed=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, task)
	}
	return res, rows.Err()
}

func (t txRepo) UpdateTask(ctx context.Context, task domain.Task) error {
	res, err := t.exec(ctx, `UPDATE tasks SET title=?, description=?, category=?, priority=?, due_date=?, is_completed=?, completed_at=?, completed_by=? WHERE id=?`,
		task.Title, nullable(task.Description), nullable(task.Category), nullable(task.Priority), nullableStringPtr(task.DueDate),
		task.IsCompleted, nullableStringPtr(task.CompletedAt), nullableStringPtr(task.CompletedBy), task.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t txRepo) AppendAudit(ctx context.Context, e domain.AuditLog) error {
	_, err := t.exec(ctx, `INSERT INTO onboarding_audit_logs(agent_id,action,field,old_value,new_value,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.AgentID, e.Action, nullable(e.Field), nullableStringPtr(e.OldValue), nullableStringPtr(e.NewValue), e.ActorID, e.CreatedAt)
	return err
}

func (t txRepo) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	clauses := []string{"id > ?"}
	args := []any{f.AfterID}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	query := `SELECT id,agent_id,action,COALESCE(field,''),old_value,new_value,actor_id,created_at FROM onboarding_audit_logs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		var oldValue, newValue sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.Field, &oldValue, &newValue, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OldValue = stringPtr(oldValue)
		e.NewValue = stringPtr(newValue)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (t txRepo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM onboarding_audit_logs`).Scan(&id)
	return id, classify(err)
}

const requirementColumns = `id,agent_id,kind,name,is_required,status,expires_at,updated_at`

func scanRequirement(row scanner) (domain.Requirement, error) {
	var r domain.Requirement
	var kind string
	var expires sql.NullString
	if err := row.Scan(&r.ID, &r.AgentID, &kind, &r.Name, &r.IsRequired, &r.Status, &expires, &r.UpdatedAt); err != nil {
		return r, classify(err)
	}
	r.Kind = domain.RequirementKind(kind)
	r.ExpiresAt = stringPtr(expires)
	return r, nil
}

func (t txRepo) InsertRequirement(ctx context.Context, r domain.Requirement) error {
	_, err := t.exec(ctx, `INSERT INTO onboarding_requirements(`+requirementColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.AgentID, string(r.Kind), r.Name, r.IsRequired, r.Status, nullableStringPtr(r.ExpiresAt), r.UpdatedAt)
	return err
}

func (t txRepo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	return scanRequirement(t.tx.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM onboarding_requirements WHERE id=?`, id))
}

func (t txRepo) UpdateRequirement(ctx context.Context, r domain.Requirement) error {
	res, err := t.exec(ctx, `UPDATE onboarding_requirements SET name=?, is_required=?, status=?, expires_at=?, updated_at=? WHERE id=?`,
		r.Name, r.IsRequired, r.Status, nullableStringPtr(r.ExpiresAt), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t txRepo) ListRequirements(ctx context.Context, agentID string) ([]domain.Requirement, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+requirementColumns+` FROM onboarding_requirements WHERE agent_id=? ORDER BY kind, name, id`, agentID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
