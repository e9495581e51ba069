package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

// Repo is the SQLite implementation of store.Store.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = store.ErrNotFound

var _ store.Store = Repo{}

// Tx runs fn inside one database transaction.
func (r Repo) Tx(ctx context.Context, fn func(store.Tx) error) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(txRepo{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return classify(tx.Commit())
}

func (r Repo) Close() error {
	return r.DB.Close()
}

type txRepo struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
	}
	return err
}

func (t txRepo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, classify(err)
}

func (t txRepo) InsertPipeline(ctx context.Context, p domain.Pipeline) error {
	_, err := t.exec(ctx, `INSERT INTO pipelines(id,name,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (t txRepo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	err := t.tx.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM pipelines WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	return p, classify(err)
}

func (t txRepo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM pipelines ORDER BY created_at, id`)
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
	return res, rows.Err()
}

const stageColumns = `id,pipeline_id,name,position,color,created_at`

func scanStage(row scanner) (domain.PipelineStage, error) {
	var s domain.PipelineStage
	var color sql.NullString
	if err := row.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Order, &color, &s.CreatedAt); err != nil {
		return s, classify(err)
	}
	s.Color = stringPtr(color)
	return s, nil
}

func (t txRepo) InsertStage(ctx context.Context, s domain.PipelineStage) error {
	_, err := t.exec(ctx, `INSERT INTO pipeline_stages(`+stageColumns+`) VALUES (?,?,?,?,?,?)`,
		s.ID, s.PipelineID, s.Name, s.Order, nullableStringPtr(s.Color), s.CreatedAt)
	return err
}

func (t txRepo) GetStage(ctx context.Context, id string) (domain.PipelineStage, error) {
	return scanStage(t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE id=?`, id))
}

func (t txRepo) ListStages(ctx context.Context, pipelineID string) ([]domain.PipelineStage, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+stageColumns+` FROM pipeline_stages WHERE pipeline_id=? ORDER BY position ASC, id ASC`, pipelineID)
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
	return res, rows.Err()
}

func (t txRepo) NextStage(ctx context.Context, pipelineID string, afterOrder int) (domain.PipelineStage, error) {
	return scanStage(t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM pipeline_stages
WHERE pipeline_id=? AND position > ? ORDER BY position ASC, id ASC LIMIT 1`, pipelineID, afterOrder))
}

func (t txRepo) InsertTemplate(ctx context.Context, tpl domain.TaskTemplate) error {
	_, err := t.exec(ctx, `INSERT INTO task_templates(id,name,description,category,priority,is_active,created_at) VALUES (?,?,?,?,?,?,?)`,
		tpl.ID, tpl.Name, nullable(tpl.Description), nullable(tpl.Category), nullable(tpl.Priority), tpl.IsActive, tpl.CreatedAt)
	return err
}

func (t txRepo) InsertTaskSet(ctx context.Context, ts domain.TaskSet) error {
	_, err := t.exec(ctx, `INSERT INTO task_sets(id,name,description) VALUES (?,?,?)`, ts.ID, ts.Name, nullable(ts.Description))
	return err
}

func (t txRepo) AddTemplateToSet(ctx context.Context, taskSetID, templateID string, order int) error {
	_, err := t.exec(ctx, `INSERT INTO task_set_templates(task_set_id,template_id,position) VALUES (?,?,?)`, taskSetID, templateID, order)
	return err
}

func (t txRepo) AttachTaskSet(ctx context.Context, a domain.StageTaskSet) error {
	_, err := t.exec(ctx, `INSERT INTO stage_task_sets(stage_id,task_set_id,position,is_required,default_due_days) VALUES (?,?,?,?,?)`,
		a.StageID, a.TaskSet.ID, a.Order, a.IsRequired, nullableIntPtr(a.DefaultDueDays))
	return err
}

func (t txRepo) StageTaskSets(ctx context.Context, stageID string) ([]domain.StageTaskSet, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT sts.stage_id, sts.position, sts.is_required, sts.default_due_days, ts.id, ts.name, COALESCE(ts.description,'')
FROM stage_task_sets sts
JOIN task_sets ts ON ts.id=sts.task_set_id
WHERE sts.stage_id=?
ORDER BY sts.position ASC, ts.id ASC`, stageID)
	if err != nil {
		return nil, classify(err)
	}
	var res []domain.StageTaskSet
	for rows.Next() {
		var a domain.StageTaskSet
		var due sql.NullInt64
		if err := rows.Scan(&a.StageID, &a.Order, &a.IsRequired, &due, &a.TaskSet.ID, &a.TaskSet.Name, &a.TaskSet.Description); err != nil {
			rows.Close()
			return nil, err
		}
		a.DefaultDueDays = intPtr(due)
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		templates, err := t.setTemplates(ctx, res[i].TaskSet.ID)
		if err != nil {
			return nil, err
		}
		res[i].TaskSet.Templates = templates
	}
	return res, nil
}

func (t txRepo) setTemplates(ctx context.Context, taskSetID string) ([]domain.TaskSetTemplate, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT t.id, t.name, COALESCE(t.description,''), COALESCE(t.category,''), COALESCE(t.priority,''), t.is_active, t.created_at, tst.position
FROM task_set_templates tst
JOIN task_templates t ON t.id=tst.template_id
WHERE tst.task_set_id=?
ORDER BY tst.position ASC, t.id ASC`, taskSetID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.TaskSetTemplate
	for rows.Next() {
		var m domain.TaskSetTemplate
		tpl := &m.Template
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Category, &tpl.Priority, &tpl.IsActive, &tpl.CreatedAt, &m.Order); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
