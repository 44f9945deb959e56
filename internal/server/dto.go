package server

import (
	"prodline/internal/domain"
	"prodline/internal/engine"
)

// Request payloads

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateCardRequest struct {
	OrderID      string         `json:"order_id"`
	OrderNumber  string         `json:"order_number,omitempty"`
	OrderType    string         `json:"order_type,omitempty"`
	PropertyType string         `json:"property_type,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	Priority     string         `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	DueDate      string         `json:"due_date,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UpdateCardRequest edits card fields and, when Stage is set, moves the card in the same write.
type UpdateCardRequest struct {
	Priority      *string        `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	DueDate       *string        `json:"due_date,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	ExpectedStage string         `json:"expected_stage,omitempty"`
	Override      bool           `json:"override,omitempty"`
	Justification string         `json:"justification,omitempty"`
}

type AdvanceStageRequest struct {
	Stage         string `json:"stage"`
	ExpectedStage string `json:"expected_stage,omitempty"`
	Override      bool   `json:"override,omitempty"`
	Justification string `json:"justification,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateTaskRequest struct {
	Stage            string `json:"stage,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Role             string `json:"role,omitempty"`
	AssignedTo       string `json:"assigned_to,omitempty"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
	IsRequired       bool   `json:"is_required,omitempty"`
	ParentTaskID     string `json:"parent_task_id,omitempty"`
	DueDate          string `json:"due_date,omitempty"`
}

type AssignRequest struct {
	AssignedTo string `json:"assigned_to"`
}

type TimeEntryRequest struct {
	Minutes   int    `json:"minutes"`
	EntryType string `json:"entry_type,omitempty" enum:"work,review,travel,other"`
	Notes     string `json:"notes,omitempty"`
}

type CreateCorrectionRequest struct {
	CardID       string `json:"production_card_id"`
	SourceTaskID string `json:"source_task_id,omitempty"`
	CaseID       string `json:"case_id,omitempty"`
	Description  string `json:"description"`
	Severity     string `json:"severity,omitempty" enum:"minor,major,critical"`
	Category     string `json:"category,omitempty" enum:"data,format,compliance,calculation,other"`
	ReviewerID   string `json:"reviewer_id,omitempty"`
	AssignedTo   string `json:"assigned_to,omitempty"`
	AISummary    string `json:"ai_summary,omitempty"`
}

// UpdateCorrectionRequest drives the correction lifecycle. Action picks the transition.
type UpdateCorrectionRequest struct {
	Action          string `json:"action" enum:"assign,complete,approve,reject"`
	AssignedTo      string `json:"assigned_to,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	ReviewerNotes   string `json:"reviewer_notes,omitempty"`
	CreateNew       bool   `json:"create_new,omitempty"`
	Severity        string `json:"severity,omitempty" enum:"minor,major,critical"`
	Category        string `json:"category,omitempty" enum:"data,format,compliance,calculation,other"`
}

type TemplateTaskRequest struct {
	Stage            string `json:"stage"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Role             string `json:"role,omitempty"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
	IsRequired       bool   `json:"is_required,omitempty"`
	SortOrder        *int   `json:"sort_order,omitempty"`
	ParentIndex      *int   `json:"parent_index,omitempty"`
	ParentID         string `json:"parent_template_task_id,omitempty"`
}

type CreateTemplateRequest struct {
	Name                    string                `json:"name"`
	Description             string                `json:"description,omitempty"`
	ApplicableOrderTypes    []string              `json:"applicable_order_types,omitempty"`
	ApplicablePropertyTypes []string              `json:"applicable_property_types,omitempty"`
	IsDefault               bool                  `json:"is_default,omitempty"`
	Tasks                   []TemplateTaskRequest `json:"tasks,omitempty"`
}

type UpdateTemplateRequest struct {
	Name                    *string   `json:"name,omitempty"`
	Description             *string   `json:"description,omitempty"`
	ApplicableOrderTypes    *[]string `json:"applicable_order_types,omitempty"`
	ApplicablePropertyTypes *[]string `json:"applicable_property_types,omitempty"`
	IsActive                *bool     `json:"is_active,omitempty"`
	IsDefault               *bool     `json:"is_default,omitempty"`
}

type ResolveAlertRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"owner,admin,reviewer,appraiser,viewer"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type paginatedCards struct {
	Items      []domain.Card `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedCorrections struct {
	Items      []domain.Correction `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedWorkHistory struct {
	Items      []domain.WorkHistoryEntry `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

// CorrectionTransitionResponse carries the updated correction and, for approvals and
// follow-up rejections, what changed alongside it.
type CorrectionTransitionResponse struct {
	Correction    domain.Correction  `json:"correction"`
	Card          *domain.Card       `json:"card,omitempty"`
	NewCorrection *domain.Correction `json:"new_correction,omitempty"`
}

type CreatedAPIKeyResponse struct {
	Key    string        `json:"key"`
	APIKey APIKeyResponse `json:"api_key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type cardOutput struct {
	Body domain.Card `json:"body"`
}

type cardDetailOutput struct {
	Body engine.CardDetail `json:"body"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type tasksOutput struct {
	Body []domain.Task `json:"body"`
}

type correctionOutput struct {
	Body domain.Correction `json:"body"`
}

type templateOutput struct {
	Body domain.Template `json:"body"`
}

type alertOutput struct {
	Body domain.Alert `json:"body"`
}

type alertsOutput struct {
	Body []domain.Alert `json:"body"`
}

type emptyOutput struct{}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, OrgID: k.OrgID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func metadataOf(in map[string]any) domain.Metadata {
	if in == nil {
		return nil
	}
	return domain.Metadata(in)
}
