package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Card priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Card struct {
	ID              string   `json:"id"`
	OrgID           string   `json:"org_id"`
	OrderID         string   `json:"order_id"`
	OrderNumber     string   `json:"order_number,omitempty"`
	OrderType       string   `json:"order_type,omitempty"`
	PropertyType    string   `json:"property_type,omitempty"`
	TemplateID      *string  `json:"template_id,omitempty"`
	CurrentStage    Stage    `json:"current_stage"`
	PreviousStage   *Stage   `json:"previous_stage,omitempty"`
	ProcessedStages []Stage  `json:"processed_stages"`
	Priority        string   `json:"priority" enum:"low,normal,high,urgent"`
	DueDate         *string  `json:"due_date,omitempty" format:"date-time"`
	HoldReason      *string  `json:"hold_reason,omitempty"`
	CancelledReason *string  `json:"cancelled_reason,omitempty"`
	StageEnteredAt  string   `json:"stage_entered_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	Metadata        Metadata `json:"metadata"`
	CreatedBy       string   `json:"created_by"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
)

type Task struct {
	ID               string   `json:"id"`
	OrgID            string   `json:"org_id"`
	CardID           string   `json:"card_id"`
	Stage            Stage    `json:"stage"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Role             string   `json:"role"`
	AssignedTo       *string  `json:"assigned_to,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	IsRequired       bool     `json:"is_required"`
	SortOrder        int      `json:"sort_order"`
	Status           string   `json:"status" enum:"pending,in_progress,completed,blocked"`
	ParentTaskID     *string  `json:"parent_task_id,omitempty"`
	TemplateTaskID   *string  `json:"template_task_id,omitempty"`
	DueDate          *string  `json:"due_date,omitempty" format:"date-time"`
	StartedAt        *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy      *string  `json:"completed_by,omitempty"`
	IsOnTime         *bool    `json:"is_on_time,omitempty"`
	TotalTimeMinutes int      `json:"total_time_minutes"`
	BlockedReason    *string  `json:"blocked_reason,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	Metadata         Metadata `json:"metadata"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Template struct {
	ID                      string         `json:"id"`
	OrgID                   string         `json:"org_id"`
	Name                    string         `json:"name"`
	Description             string         `json:"description,omitempty"`
	ApplicableOrderTypes    []string       `json:"applicable_order_types"`
	ApplicablePropertyTypes []string       `json:"applicable_property_types"`
	IsDefault               bool           `json:"is_default"`
	IsActive                bool           `json:"is_active"`
	CreatedBy               string         `json:"created_by"`
	CreatedAt               string         `json:"created_at" format:"date-time"`
	UpdatedAt               string         `json:"updated_at" format:"date-time"`
	Tasks                   []TemplateTask `json:"tasks,omitempty"`
}

type TemplateTask struct {
	ID               string  `json:"id"`
	TemplateID       string  `json:"template_id"`
	Stage            Stage   `json:"stage"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Role             string  `json:"role"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	IsRequired       bool    `json:"is_required"`
	SortOrder        int     `json:"sort_order"`
	ParentID         *string `json:"parent_template_task_id,omitempty"`
}

// Correction request types, statuses, severities and categories.
const (
	RequestCorrection = "correction"
	RequestRevision   = "revision"

	CorrectionPending    = "pending"
	CorrectionInProgress = "in_progress"
	CorrectionReview     = "review"
	CorrectionApproved   = "approved"
	CorrectionRejected   = "rejected"

	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

var correctionCategories = []string{"data", "format", "compliance", "calculation", "other"}

func ValidSeverity(s string) bool {
	return s == SeverityMinor || s == SeverityMajor || s == SeverityCritical
}

func ValidCategory(c string) bool {
	for _, v := range correctionCategories {
		if v == c {
			return true
		}
	}
	return false
}

type Correction struct {
	ID                 string  `json:"id"`
	OrgID              string  `json:"org_id"`
	CardID             string  `json:"production_card_id"`
	SourceTaskID       *string `json:"source_task_id,omitempty"`
	CaseID             *string `json:"case_id,omitempty"`
	RequestType        string  `json:"request_type" enum:"correction,revision"`
	Status             string  `json:"status" enum:"pending,in_progress,review,approved,rejected"`
	Severity           string  `json:"severity" enum:"minor,major,critical"`
	Category           string  `json:"category" enum:"data,format,compliance,calculation,other"`
	Description        string  `json:"description"`
	PreviousStage      Stage   `json:"previous_stage"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	ReviewerID         *string `json:"reviewer_id,omitempty"`
	RequestedBy        string  `json:"requested_by"`
	ResolutionNotes    *string `json:"resolution_notes,omitempty"`
	ReviewerNotes      *string `json:"reviewer_notes,omitempty"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	AISummary          *string `json:"ai_summary,omitempty"`
	ParentCorrectionID *string `json:"parent_correction_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Open reports whether the correction has not reached a terminal status.
func (c Correction) Open() bool {
	return c.Status != CorrectionApproved && c.Status != CorrectionRejected
}

type CorrectionStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Review     int `json:"review"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	MyPending  int `json:"my_pending"`
	MyReviews  int `json:"my_reviews"`
}

// ProductionMetrics is the dashboard snapshot of an org's pipeline. Day windows start at
// UTC midnight of AsOf.
type ProductionMetrics struct {
	OrgID               string    `json:"org_id"`
	AsOf                string    `json:"as_of" format:"date-time"`
	Active              int       `json:"active"`
	ReadyForDelivery    int       `json:"ready_for_delivery"`
	DueToday            int       `json:"due_today"`
	Overdue             int       `json:"overdue"`
	InReview            int       `json:"in_review"`
	NotInReview         int       `json:"not_in_review"`
	OnHold              int       `json:"on_hold"`
	FilesWithIssues     int       `json:"files_with_issues"`
	FilesWithCorrection int       `json:"files_with_correction"`
	CorrectionReview    int       `json:"correction_review"`
	DeliveredToday      int       `json:"delivered_today"`
	DeliveredPast7Days  int       `json:"delivered_past_7_days"`
	AvgTurnTime1Week    *TurnTime `json:"avg_turn_time_1_week"`
	AvgTurnTime30Days   *TurnTime `json:"avg_turn_time_30_days"`
}

// TurnTime is an average intake-to-delivery duration split into whole weeks, days and hours.
type TurnTime struct {
	Minutes int `json:"minutes"`
	Weeks   int `json:"weeks"`
	Days    int `json:"days"`
	Hours   int `json:"hours"`
}

func NewTurnTime(minutes int) TurnTime {
	hours := minutes / 60
	days := hours / 24
	return TurnTime{Minutes: minutes, Weeks: days / 7, Days: days % 7, Hours: hours % 24}
}

// Work history event types.
const (
	HistoryCorrectionReceived  = "correction_received"
	HistoryCorrectionCompleted = "correction_completed"
	HistoryCorrectionApproved  = "correction_approved"
	HistoryCorrectionRejected  = "correction_rejected"
	HistoryRevisionReceived    = "revision_received"
	HistoryRevisionCompleted   = "revision_completed"
)

type WorkHistoryEntry struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"org_id"`
	ResourceID   *string  `json:"resource_id,omitempty"`
	UserID       string   `json:"user_id"`
	CorrectionID *string  `json:"correction_request_id,omitempty"`
	TaskID       *string  `json:"production_task_id,omitempty"`
	CardID       *string  `json:"production_card_id,omitempty"`
	EventType    string   `json:"event_type"`
	Summary      string   `json:"summary"`
	ImpactScore  *float64 `json:"impact_score,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type OrderActivity struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"org_id"`
	OrderID      string   `json:"order_id"`
	ActivityType string   `json:"activity_type"`
	Description  string   `json:"description"`
	Metadata     Metadata `json:"metadata"`
	ActorID      string   `json:"actor_id"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Alert types and severities.
const (
	AlertOverdue      = "overdue"
	AlertStuckInStage = "stuck_in_stage"
	AlertBlocked      = "blocked"

	AlertInfo     = "info"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

type Alert struct {
	ID              string   `json:"id"`
	OrgID           string   `json:"org_id"`
	CardID          *string  `json:"production_card_id,omitempty"`
	TaskID          *string  `json:"task_id,omitempty"`
	AlertType       string   `json:"alert_type"`
	Severity        string   `json:"severity" enum:"info,warning,critical"`
	Message         string   `json:"message"`
	Stage           *Stage   `json:"stage,omitempty"`
	IsResolved      bool     `json:"is_resolved"`
	ResolvedAt      *string  `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy      *string  `json:"resolved_by,omitempty"`
	ResolutionNotes *string  `json:"resolution_notes,omitempty"`
	Metadata        Metadata `json:"metadata"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type TimeEntry struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	EntryType string `json:"entry_type" enum:"work,review,travel,other"`
	Minutes   int    `json:"minutes"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageReadiness is computed from the tasks of a card stage on every read.
type StageReadiness struct {
	CardID            string   `json:"card_id"`
	Stage             Stage    `json:"stage"`
	RequiredTotal     int      `json:"required_total"`
	RequiredCompleted int      `json:"required_completed"`
	Missing           []string `json:"missing"`
	Ready             bool     `json:"ready"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
