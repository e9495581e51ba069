package server

import (
	"crmflow/internal/domain"
)

// Request payloads

type InviteRequest struct {
	PipelineID string `json:"pipeline_id"`
}

// PatchOnboardingRequest documents the patch body. Absent fields are left
// alone; an explicit null clears notes.
type PatchOnboardingRequest struct {
	ProfileComplete        *bool   `json:"profile_complete,omitempty"`
	ComplianceComplete     *bool   `json:"compliance_complete,omitempty"`
	TrainingComplete       *bool   `json:"training_complete,omitempty"`
	FinancialSetupComplete *bool   `json:"financial_setup_complete,omitempty"`
	Notes                  *string `json:"notes,omitempty" nullable:"true"`
}

type MoveToStageRequest struct {
	StageID string `json:"stage_id"`
}

type CompleteStageRequest struct {
	Advance         bool `json:"advance,omitempty"`
	RequireComplete bool `json:"require_complete,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"Invited,Onboarding Started,Profile Complete,Compliance Pending,Awaiting Approval,Active,Suspended,Terminated"`
	Force  bool   `json:"force,omitempty"`
}

type AddRequirementRequest struct {
	Kind       string  `json:"kind" enum:"checklist,document,agreement,training"`
	Name       string  `json:"name"`
	IsRequired *bool   `json:"is_required,omitempty"`
	Status     string  `json:"status,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
}

type SetRequirementStatusRequest struct {
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

// Responses

type ImportPipelineResponse struct {
	Pipeline domain.Pipeline        `json:"pipeline"`
	Stages   []domain.PipelineStage `json:"stages"`
}

type NextStageResponse struct {
	PipelineID     string  `json:"pipeline_id"`
	CurrentStageID string  `json:"current_stage_id"`
	NextStageID    *string `json:"next_stage_id"`
}

type paginatedAudit struct {
	Items      []domain.AuditLog `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}
