package pgrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

func (t pgTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (t pgTx) InsertPipeline(ctx context.Context, p domain.Pipeline) error {
	_, err := t.exec(ctx, `INSERT INTO pipelines(id,name,description,created_at) VALUES ($1,$2,NULLIF($3,''),$4)`,
		p.ID, p.Name, p.Description, p.CreatedAt)
	return err
}

func (t pgTx) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	err := t.tx.QueryRow(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM pipelines WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	return p, classify(err)
}

func (t pgTx) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := t.tx.Query(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, classify(rows.Err())
}

const stageColumns = `id,pipeline_id,name,position,color,created_at`

func scanStage(row pgx.Row) (domain.PipelineStage, error) {
	var s domain.PipelineStage
	err := row.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Order, &s.Color, &s.CreatedAt)
	return s, classify(err)
}

func (t pgTx) InsertStage(ctx context.Context, s domain.PipelineStage) error {
	_, err := t.exec(ctx, `INSERT INTO pipeline_stages(`+stageColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.PipelineID, s.Name, s.Order, s.Color, s.CreatedAt)
	return err
}

func (t pgTx) GetStage(ctx context.Context, id string) (domain.PipelineStage, error) {
	return scanStage(t.tx.QueryRow(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE id=$1`, id))
}

func (t pgTx) ListStages(ctx context.Context, pipelineID string) ([]domain.PipelineStage, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE pipeline_id=$1 ORDER BY position ASC, id ASC`, pipelineID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.PipelineStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, classify(rows.Err())
}

func (t pgTx) NextStage(ctx context.Context, pipelineID string, afterOrder int) (domain.PipelineStage, error) {
	return scanStage(t.tx.QueryRow(ctx, `SELECT `+stageColumns+` FROM pipeline_stages
WHERE pipeline_id=$1 AND position > $2 ORDER BY position ASC, id ASC LIMIT 1`, pipelineID, afterOrder))
}

func (t pgTx) InsertTemplate(ctx context.Context, tpl domain.TaskTemplate) error {
	_, err := t.exec(ctx, `INSERT INTO task_templates(id,name,description,category,priority,is_active,created_at)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7)`,
		tpl.ID, tpl.Name, tpl.Description, tpl.Category, tpl.Priority, tpl.IsActive, tpl.CreatedAt)
	return err
}

func (t pgTx) InsertTaskSet(ctx context.Context, ts domain.TaskSet) error {
	_, err := t.exec(ctx, `INSERT INTO task_sets(id,name,description) VALUES ($1,$2,NULLIF($3,''))`, ts.ID, ts.Name, ts.Description)
	return err
}

func (t pgTx) AddTemplateToSet(ctx context.Context, taskSetID, templateID string, order int) error {
	_, err := t.exec(ctx, `INSERT INTO task_set_templates(task_set_id,template_id,position) VALUES ($1,$2,$3)`, taskSetID, templateID, order)
	return err
}

func (t pgTx) AttachTaskSet(ctx context.Context, a domain.StageTaskSet) error {
	_, err := t.exec(ctx, `INSERT INTO stage_task_sets(stage_id,task_set_id,position,is_required,default_due_days) VALUES ($1,$2,$3,$4,$5)`,
		a.StageID, a.TaskSet.ID, a.Order, a.IsRequired, a.DefaultDueDays)
	return err
}

func (t pgTx) StageTaskSets(ctx context.Context, stageID string) ([]domain.StageTaskSet, error) {
	rows, err := t.tx.Query(ctx, `SELECT sts.stage_id, sts.position, sts.is_required, sts.default_due_days, ts.id, ts.name, COALESCE(ts.description,'')
FROM stage_task_sets sts
JOIN task_sets ts ON ts.id=sts.task_set_id
WHERE sts.stage_id=$1
ORDER BY sts.position ASC, ts.id ASC`, stageID)
	if err != nil {
		return nil, classify(err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StageTaskSet, error) {
		var a domain.StageTaskSet
		err := row.Scan(&a.StageID, &a.Order, &a.IsRequired, &a.DefaultDueDays, &a.TaskSet.ID, &a.TaskSet.Name, &a.TaskSet.Description)
		return a, err
	})
	if err != nil {
		return nil, classify(err)
	}
	for i := range res {
		tplRows, err := t.tx.Query(ctx, `SELECT t.id, t.name, COALESCE(t.description,''), COALESCE(t.category,''), COALESCE(t.priority,''), t.is_active, t.created_at, tst.position
FROM task_set_templates tst
JOIN task_templates t ON t.id=tst.template_id
WHERE tst.task_set_id=$1
ORDER BY tst.position ASC, t.id ASC`, res[i].TaskSet.ID)
		if err != nil {
			return nil, classify(err)
		}
		templates, err := pgx.CollectRows(tplRows, func(row pgx.CollectableRow) (domain.TaskSetTemplate, error) {
			var m domain.TaskSetTemplate
			tpl := &m.Template
			err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Category, &tpl.Priority, &tpl.IsActive, &tpl.CreatedAt, &m.Order)
			return m, err
		})
		if err != nil {
			return nil, classify(err)
		}
		res[i].TaskSet.Templates = templates
	}
	return res, nil
}

const onboardingColumns = `agent_id,pipeline_id,current_stage_id,status,stage_entered_at,stage_completed_at,onboarding_started_at,activated_at,
profile_complete,compliance_complete,training_complete,financial_setup_complete,notes,version,created_at,updated_at`

func scanOnboarding(row pgx.Row) (domain.AgentOnboarding, error) {
	var o domain.AgentOnboarding
	var status string
	err := row.Scan(&o.AgentID, &o.PipelineID, &o.CurrentStageID, &status, &o.StageEnteredAt, &o.StageCompletedAt,
		&o.OnboardingStartedAt, &o.ActivatedAt, &o.ProfileComplete, &o.ComplianceComplete, &o.TrainingComplete,
		&o.FinancialSetupComplete, &o.Notes, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.Status = domain.OnboardingStatus(status)
	return o, classify(err)
}

func (t pgTx) InsertOnboarding(ctx context.Context, o domain.AgentOnboarding) error {
	_, err := t.exec(ctx, `INSERT INTO agent_onboardings(`+onboardingColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.AgentID, o.PipelineID, o.CurrentStageID, string(o.Status), o.StageEnteredAt, o.StageCompletedAt, o.OnboardingStartedAt,
		o.ActivatedAt, o.ProfileComplete, o.ComplianceComplete, o.TrainingComplete, o.FinancialSetupComplete, o.Notes,
		o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t pgTx) GetOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error) {
	return scanOnboarding(t.tx.QueryRow(ctx, `SELECT `+onboardingColumns+` FROM agent_onboardings WHERE agent_id=$1`, agentID))
}

func (t pgTx) LockOnboarding(ctx context.Context, agentID string) (domain.AgentOnboarding, error) {
	return scanOnboarding(t.tx.QueryRow(ctx, `SELECT `+onboardingColumns+` FROM agent_onboardings WHERE agent_id=$1 FOR UPDATE`, agentID))
}

func (t pgTx) UpdateOnboarding(ctx context.Context, o domain.AgentOnboarding) (domain.AgentOnboarding, error) {
	n, err := t.exec(ctx, `UPDATE agent_onboardings SET pipeline_id=$1, current_stage_id=$2, status=$3, stage_entered_at=$4, stage_completed_at=$5,
onboarding_started_at=$6, activated_at=$7, profile_complete=$8, compliance_complete=$9, training_complete=$10, financial_setup_complete=$11,
notes=$12, version=version+1, updated_at=$13 WHERE agent_id=$14 AND version=$15`,
		o.PipelineID, o.CurrentStageID, string(o.Status), o.StageEnteredAt, o.StageCompletedAt, o.OnboardingStartedAt, o.ActivatedAt,
		o.ProfileComplete, o.ComplianceComplete, o.TrainingComplete, o.FinancialSetupComplete, o.Notes, o.UpdatedAt, o.AgentID, o.Version)
	if err != nil {
		return o, err
	}
	if n == 0 {
		if _, err := t.GetOnboarding(ctx, o.AgentID); err != nil {
			return o, err
		}
		return o, fmt.Errorf("%w: onboarding %s modified concurrently", store.ErrConflict, o.AgentID)
	}
	o.Version++
	return o, nil
}

var taskColumnNames = []string{"id", "agent_id", "template_id", "stage_id", "task_set_id", "title", "description", "category",
	"priority", "due_date", "is_completed", "completed_at", "completed_by", "assigned_by", "created_at"}

var taskColumns = strings.Join(taskColumnNames, ",")

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var description, category, priority *string
	err := row.Scan(&t.ID, &t.AgentID, &t.TemplateID, &t.StageID, &t.TaskSetID, &t.Title, &description, &category, &priority,
		&t.DueDate, &t.IsCompleted, &t.CompletedAt, &t.CompletedBy, &t.AssignedBy, &t.CreatedAt)
	t.Description = deref(description)
	t.Category = deref(category)
	t.Priority = deref(priority)
	return t, classify(err)
}

// InsertTasks bulk loads tasks with the COPY protocol.
func (t pgTx) InsertTasks(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"tasks"}, taskColumnNames, pgx.CopyFromSlice(len(tasks), func(i int) ([]any, error) {
		task := tasks[i]
		return []any{task.ID, task.AgentID, task.TemplateID, task.StageID, task.TaskSetID, task.Title,
			emptyToNil(task.Description), emptyToNil(task.Category), emptyToNil(task.Priority), task.DueDate,
			task.IsCompleted, task.CompletedAt, task.CompletedBy, task.AssignedBy, task.CreatedAt}, nil
	}))
	return classify(err)
}

func (t pgTx) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
}

func (t pgTx) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id=$%d", f.AgentID)
	}
	if f.StageID != "" {
		add("stage_id=$%d", f.StageID)
	}
	if f.TemplateID != "" {
		add("template_id=$%d", f.TemplateID)
	}
	if f.OnlyPending {
		clauses = append(clauses, "NOT is_completed")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := t.tx.Query(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at ASC, id ASC`, args...)
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
	return res, classify(rows.Err())
}

func (t pgTx) UpdateTask(ctx context.Context, task domain.Task) error {
	n, err := t.exec(ctx, `UPDATE tasks SET title=$1, description=$2, category=$3, priority=$4, due_date=$5, is_completed=$6, completed_at=$7, completed_by=$8 WHERE id=$9`,
		task.Title, emptyToNil(task.Description), emptyToNil(task.Category), emptyToNil(task.Priority), task.DueDate,
		task.IsCompleted, task.CompletedAt, task.CompletedBy, task.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t pgTx) AppendAudit(ctx context.Context, e domain.AuditLog) error {
	_, err := t.exec(ctx, `INSERT INTO onboarding_audit_logs(agent_id,action,field,old_value,new_value,actor_id,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.AgentID, e.Action, emptyToNil(e.Field), e.OldValue, e.NewValue, e.ActorID, e.CreatedAt)
	return err
}

func (t pgTx) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	args := []any{f.AfterID}
	clauses := []string{"id > $1"}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		clauses = append(clauses, fmt.Sprintf("agent_id=$%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		clauses = append(clauses, fmt.Sprintf("action=$%d", len(args)))
	}
	query := `SELECT id,agent_id,action,COALESCE(field,''),old_value,new_value,actor_id,created_at FROM onboarding_audit_logs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditLog, error) {
		var e domain.AuditLog
		err := row.Scan(&e.ID, &e.AgentID, &e.Action, &e.Field, &e.OldValue, &e.NewValue, &e.ActorID, &e.CreatedAt)
		return e, err
	})
	return res, classify(err)
}

func (t pgTx) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM onboarding_audit_logs`).Scan(&id)
	return id, classify(err)
}

const requirementColumns = `id,agent_id,kind,name,is_required,status,expires_at,updated_at`

func scanRequirement(row pgx.Row) (domain.Requirement, error) {
	var r domain.Requirement
	var kind string
	err := row.Scan(&r.ID, &r.AgentID, &kind, &r.Name, &r.IsRequired, &r.Status, &r.ExpiresAt, &r.UpdatedAt)
	r.Kind = domain.RequirementKind(kind)
	return r, classify(err)
}

func (t pgTx) InsertRequirement(ctx context.Context, r domain.Requirement) error {
	_, err := t.exec(ctx, `INSERT INTO onboarding_requirements(`+requirementColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.AgentID, string(r.Kind), r.Name, r.IsRequired, r.Status, r.ExpiresAt, r.UpdatedAt)
	return err
}

func (t pgTx) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	return scanRequirement(t.tx.QueryRow(ctx, `SELECT `+requirementColumns+` FROM onboarding_requirements WHERE id=$1`, id))
}

func (t pgTx) UpdateRequirement(ctx context.Context, r domain.Requirement) error {
	n, err := t.exec(ctx, `UPDATE onboarding_requirements SET name=$1, is_required=$2, status=$3, expires_at=$4, updated_at=$5 WHERE id=$6`,
		r.Name, r.IsRequired, r.Status, r.ExpiresAt, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t pgTx) ListRequirements(ctx context.Context, agentID string) ([]domain.Requirement, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+requirementColumns+` FROM onboarding_requirements WHERE agent_id=$1 ORDER BY kind, name, id`, agentID)
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
	return res, classify(rows.Err())
}

func emptyToNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
