package engine

import (
	"context"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/store"
)

// ImportPipeline creates a pipeline with its templates, task sets, stages and
// stage associations in one transaction. Existing ids are a conflict.
func (e Engine) ImportPipeline(ctx context.Context, def config.PipelineFile) (p domain.Pipeline, stages []domain.PipelineStage, err error) {
	defer e.observe(ctx, "import_pipeline", time.Now(), &err)
	if err := def.Validate(); err != nil {
		return p, nil, ValidationError{Msg: err.Error()}
	}
	ts := e.timestamp()
	p = domain.Pipeline{ID: def.Pipeline.ID, Name: def.Pipeline.Name, Description: def.Pipeline.Description, CreatedAt: ts}
	err = e.read(ctx, func(tx store.Tx) error {
		if err := tx.InsertPipeline(ctx, p); err != nil {
			return err
		}
		for _, t := range def.Templates {
			if err := tx.InsertTemplate(ctx, domain.TaskTemplate{
				ID:          t.ID,
				Name:        t.Name,
				Description: t.Description,
				Category:    t.Category,
				Priority:    t.Priority,
				IsActive:    t.IsActive(),
				CreatedAt:   ts,
			}); err != nil {
				return err
			}
		}
		for _, set := range def.TaskSets {
			if err := tx.InsertTaskSet(ctx, domain.TaskSet{ID: set.ID, Name: set.Name, Description: set.Description}); err != nil {
				return err
			}
			for i, tplID := range set.Templates {
				if err := tx.AddTemplateToSet(ctx, set.ID, tplID, i+1); err != nil {
					return err
				}
			}
		}
		for _, sd := range def.Stages {
			stage := domain.PipelineStage{
				ID:         sd.ID,
				PipelineID: p.ID,
				Name:       sd.Name,
				Order:      sd.Order,
				Color:      optionalString(sd.Color),
				CreatedAt:  ts,
			}
			if err := tx.InsertStage(ctx, stage); err != nil {
				return err
			}
			for i, ref := range sd.TaskSets {
				if err := tx.AttachTaskSet(ctx, domain.StageTaskSet{
					StageID:        stage.ID,
					TaskSet:        domain.TaskSet{ID: ref.ID},
					Order:          i + 1,
					IsRequired:     ref.IsRequired(),
					DefaultDueDays: ref.DueDays,
				}); err != nil {
					return err
				}
			}
		}
		var err error
		stages, err = tx.ListStages(ctx, p.ID)
		return err
	})
	if err != nil {
		return domain.Pipeline{}, nil, err
	}
	e.log().Info("pipeline imported", "pipeline", p.ID, "stages", len(stages), "templates", len(def.Templates))
	return p, stages, nil
}

// ListStages returns the pipeline's stages in order.
func (e Engine) ListStages(ctx context.Context, pipelineID string) (stages []domain.PipelineStage, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPipeline(ctx, pipelineID); err != nil {
			return notFound("pipeline", pipelineID, err)
		}
		stages, err = tx.ListStages(ctx, pipelineID)
		return err
	})
	return stages, err
}

func (e Engine) ListPipelines(ctx context.Context) (pipelines []domain.Pipeline, err error) {
	err = e.read(ctx, func(tx store.Tx) error {
		pipelines, err = tx.ListPipelines(ctx)
		return err
	})
	return pipelines, err
}
