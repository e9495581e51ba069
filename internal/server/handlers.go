package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/store"
)

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Import a pipeline definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body config.PipelineFile `json:"body"`
	}) (*struct {
		Body ImportPipelineResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		p, stages, err := e.ImportPipeline(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportPipelineResponse `json:"body"`
		}{Body: ImportPipelineResponse{Pipeline: p, Stages: stages}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Pipeline `json:"body"`
	}, error) {
		items, err := e.ListPipelines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pipeline `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/stages",
		Summary:     "List the stages of a pipeline in order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body []domain.PipelineStage `json:"body"`
	}, error) {
		stages, err := e.ListStages(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PipelineStage `json:"body"`
		}{Body: stages}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-stage",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/stages/{stage_id}/next",
		Summary:     "Stage following the given one",
		Description: "next_stage_id is null when the stage is the last one or does not belong to the pipeline.",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		StageID    string `path:"stage_id"`
	}) (*struct {
		Body NextStageResponse `json:"body"`
	}, error) {
		next, ok, err := e.GetNextStage(ctx, input.PipelineID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := NextStageResponse{PipelineID: input.PipelineID, CurrentStageID: input.StageID}
		if ok {
			resp.NextStageID = &next
		}
		return &struct {
			Body NextStageResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOnboarding(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "invite-agent",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/onboarding",
		Summary:       "Create an onboarding record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string        `path:"agent_id"`
		Body    InviteRequest `json:"body"`
	}) (*struct {
		Body domain.AgentOnboarding `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		o, err := e.Invite(ctx, input.AgentID, input.Body.PipelineID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentOnboarding `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-onboarding",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/onboarding",
		Summary:     "Get an onboarding record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentOnboarding `json:"body"`
	}, error) {
		o, err := e.GetOnboarding(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentOnboarding `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-onboarding",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}/onboarding",
		Summary:     "Update onboarding fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string                 `path:"agent_id"`
		Body    PatchOnboardingRequest `json:"body"`
	}) (*struct {
		Body domain.AgentOnboarding `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		patch, perr := onboardingPatch(rawBodyMap(ctx))
		if perr != nil {
			return nil, perr
		}
		o, err := e.UpdateOnboarding(ctx, input.AgentID, patch, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentOnboarding `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-onboarding-status",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/onboarding/status",
		Summary:     "Change onboarding status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string           `path:"agent_id"`
		Body    SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.AgentOnboarding `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		o, err := e.SetStatus(ctx, input.AgentID, domain.OnboardingStatus(input.Body.Status), actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentOnboarding `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/onboarding/activate",
		Summary:     "Activate an agent once requirements are met",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentOnboarding `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		o, err := e.Activate(ctx, input.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentOnboarding `json:"body"`
		}{Body: o}, nil
	})
}

func onboardingPatch(body map[string]json.RawMessage) (domain.OnboardingPatch, huma.StatusError) {
	var patch domain.OnboardingPatch
	flags := []struct {
		name string
		dst  *domain.Patch[bool]
	}{
		{"profile_complete", &patch.ProfileComplete},
		{"compliance_complete", &patch.ComplianceComplete},
		{"training_complete", &patch.TrainingComplete},
		{"financial_setup_complete", &patch.FinancialSetupComplete},
	}
	for _, f := range flags {
		raw, ok := body[f.name]
		if !ok {
			continue
		}
		if isNullRaw(raw) {
			*f.dst = domain.SetNull[bool]()
			continue
		}
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s must be a boolean", f.name), nil)
		}
		*f.dst = domain.SetTo(v)
	}
	if raw, ok := body["notes"]; ok {
		if isNullRaw(raw) {
			patch.Notes = domain.SetNull[string]()
		} else {
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return patch, newAPIError(http.StatusBadRequest, "bad_request", "notes must be a string", nil)
			}
			patch.Notes = domain.SetTo(v)
		}
	}
	return patch, nil
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "move-to-stage",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/onboarding/stage",
		Summary:     "Enter a stage and draft its tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    MoveToStageRequest `json:"body"`
	}) (*struct {
		Body domain.EnterStageResult `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.MoveToStage(ctx, input.AgentID, input.Body.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EnterStageResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-completion",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/onboarding/stages/{stage_id}/completion",
		Summary:     "Whether the agent's stage tasks are complete",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		StageID string `path:"stage_id"`
	}) (*struct {
		Body domain.StageCompletion `json:"body"`
	}, error) {
		c, err := e.StageCompletion(ctx, input.AgentID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageCompletion `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/onboarding/stages/{stage_id}/complete",
		Summary:     "Mark the current stage complete, optionally entering the next one",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgentID string               `path:"agent_id"`
		StageID string               `path:"stage_id"`
		Body    CompleteStageRequest `json:"body"`
	}) (*struct {
		Body domain.CompleteStageResult `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.CompleteStage(ctx, engine.CompleteStageOptions{
			AgentID:         input.AgentID,
			StageID:         input.StageID,
			Advance:         input.Body.Advance,
			RequireComplete: input.Body.RequireComplete,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CompleteStageResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/tasks",
		Summary:     "List an agent's onboarding tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		StageID string `query:"stage_id"`
		Pending bool   `query:"pending"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, store.TaskFilter{
			AgentID:     input.AgentID,
			StageID:     input.StageID,
			OnlyPending: input.Pending,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete an onboarding task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.TaskCompletion `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.CompleteTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskCompletion `json:"body"`
		}{Body: res}, nil
	})
}

func registerRequirements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/requirements",
		Summary:     "List activation requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.Requirement `json:"body"`
	}, error) {
		reqs, err := e.ListRequirements(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Requirement `json:"body"`
		}{Body: reqs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-requirement",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/requirements",
		Summary:       "Add an activation requirement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string                `path:"agent_id"`
		Body    AddRequirementRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req := domain.Requirement{
			AgentID:    input.AgentID,
			Kind:       domain.RequirementKind(input.Body.Kind),
			Name:       input.Body.Name,
			IsRequired: true,
			Status:     input.Body.Status,
			ExpiresAt:  input.Body.ExpiresAt,
		}
		if input.Body.IsRequired != nil {
			req.IsRequired = *input.Body.IsRequired
		}
		out, err := e.AddRequirement(ctx, req, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-requirement-status",
		Method:      http.MethodPost,
		Path:        "/requirements/{requirement_id}/status",
		Summary:     "Change a requirement's status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequirementID string                      `path:"requirement_id"`
		Body          SetRequirementStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		out, err := e.SetRequirementStatus(ctx, input.RequirementID, input.Body.Status, input.Body.ExpiresAt, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: out}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/onboarding/audit",
		Summary:     "Audit trail of an onboarding record",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Action  string `query:"action"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListAudit(ctx, store.AuditFilter{
			AgentID: input.AgentID,
			Action:  input.Action,
			AfterID: cursorID,
			Limit:   limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditLog{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}
