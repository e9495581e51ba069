package domain

type Pipeline struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PipelineStage struct {
	ID         string  `json:"id"`
	PipelineID string  `json:"pipeline_id"`
	Name       string  `json:"name"`
	Order      int     `json:"order"`
	Color      *string `json:"color,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type TaskTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Priority    string `json:"priority,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// TaskSetTemplate is a template's membership in a task set.
type TaskSetTemplate struct {
	Template TaskTemplate `json:"template"`
	Order    int          `json:"order"`
}

type TaskSet struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Templates   []TaskSetTemplate `json:"templates,omitempty"`
}

// StageTaskSet is the stage <-> task set association with its per-assignment settings.
type StageTaskSet struct {
	StageID        string  `json:"stage_id"`
	TaskSet        TaskSet `json:"task_set"`
	Order          int     `json:"order"`
	IsRequired     bool    `json:"is_required"`
	DefaultDueDays *int    `json:"default_due_days,omitempty"`
}

type OnboardingStatus string

const (
	StatusInvited           OnboardingStatus = "Invited"
	StatusOnboardingStarted OnboardingStatus = "Onboarding Started"
	StatusProfileComplete   OnboardingStatus = "Profile Complete"
	StatusCompliancePending OnboardingStatus = "Compliance Pending"
	StatusAwaitingApproval  OnboardingStatus = "Awaiting Approval"
	StatusActive            OnboardingStatus = "Active"
	StatusSuspended         OnboardingStatus = "Suspended"
	StatusTerminated        OnboardingStatus = "Terminated"
)

// Valid reports whether s is a known onboarding status.
func (s OnboardingStatus) Valid() bool {
	switch s {
	case StatusInvited, StatusOnboardingStarted, StatusProfileComplete, StatusCompliancePending,
		StatusAwaitingApproval, StatusActive, StatusSuspended, StatusTerminated:
		return true
	}
	return false
}

type AgentOnboarding struct {
	AgentID                string           `json:"agent_id"`
	PipelineID             string           `json:"pipeline_id"`
	CurrentStageID         *string          `json:"current_stage_id,omitempty"`
	Status                 OnboardingStatus `json:"status" enum:"Invited,Onboarding Started,Profile Complete,Compliance Pending,Awaiting Approval,Active,Suspended,Terminated"`
	StageEnteredAt         *string          `json:"stage_entered_at,omitempty" format:"date-time"`
	StageCompletedAt       *string          `json:"stage_completed_at,omitempty" format:"date-time"`
	OnboardingStartedAt    *string          `json:"onboarding_started_at,omitempty" format:"date-time"`
	ActivatedAt            *string          `json:"activated_at,omitempty" format:"date-time"`
	ProfileComplete        bool             `json:"profile_complete"`
	ComplianceComplete     bool             `json:"compliance_complete"`
	TrainingComplete       bool             `json:"training_complete"`
	FinancialSetupComplete bool             `json:"financial_setup_complete"`
	Notes                  *string          `json:"notes,omitempty"`
	Version                int64            `json:"version"`
	CreatedAt              string           `json:"created_at" format:"date-time"`
	UpdatedAt              string           `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	TemplateID  string  `json:"template_id"`
	StageID     string  `json:"stage_id"`
	TaskSetID   string  `json:"task_set_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	IsCompleted bool    `json:"is_completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	AssignedBy  *string `json:"assigned_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type AuditLog struct {
	ID        int64   `json:"id"`
	AgentID   string  `json:"agent_id"`
	Action    string  `json:"action"`
	Field     string  `json:"field,omitempty"`
	OldValue  *string `json:"old_value,omitempty"`
	NewValue  *string `json:"new_value,omitempty"`
	ActorID   string  `json:"actor_id"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type RequirementKind string

const (
	RequirementChecklist RequirementKind = "checklist"
	RequirementDocument  RequirementKind = "document"
	RequirementAgreement RequirementKind = "agreement"
	RequirementTraining  RequirementKind = "training"
)

// Requirement is one activation prerequisite of an agent.
type Requirement struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	Kind       RequirementKind `json:"kind" enum:"checklist,document,agreement,training"`
	Name       string          `json:"name"`
	IsRequired bool            `json:"is_required"`
	Status     string          `json:"status"`
	ExpiresAt  *string         `json:"expires_at,omitempty" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
}

// EnterStageResult is what EnterStage hands back to callers.
type EnterStageResult struct {
	Stage        PipelineStage `json:"stage"`
	TasksCreated int           `json:"tasks_created"`
	Tasks        []Task        `json:"tasks"`
}

// StageCompletion is the completeness verdict for one agent and stage.
type StageCompletion struct {
	AgentID      string `json:"agent_id"`
	StageID      string `json:"stage_id"`
	Complete     bool   `json:"complete"`
	Scope        string `json:"scope"`
	RequiredSets int    `json:"required_sets"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
}

// CompleteStageResult reports a manual completion and the stage entered
// afterwards, if any.
type CompleteStageResult struct {
	Onboarding AgentOnboarding   `json:"onboarding"`
	Next       *EnterStageResult `json:"next,omitempty"`
}

type TaskCompletion struct {
	Task          Task `json:"task"`
	StageComplete bool `json:"stage_complete"`
}
