package prodlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Prodline HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; "/v1" when empty.
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Card represents the API card model (partial).
type Card struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"org_id"`
	OrderID         string         `json:"order_id"`
	OrderNumber     string         `json:"order_number,omitempty"`
	CurrentStage    string         `json:"current_stage"`
	PreviousStage   string         `json:"previous_stage,omitempty"`
	ProcessedStages []string       `json:"processed_stages"`
	Priority        string         `json:"priority"`
	DueDate         string         `json:"due_date,omitempty"`
	Metadata        map[string]any `json:"metadata"`
	UpdatedAt       string         `json:"updated_at"`
}

// CardDetail is a card with its checklist progress.
type CardDetail struct {
	Card
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	Readiness      Readiness `json:"readiness"`
	Allowed        []string  `json:"allowed_transitions"`
}

// Readiness reports whether the card's stage can advance.
type Readiness struct {
	Stage             string   `json:"stage"`
	RequiredTotal     int      `json:"required_total"`
	RequiredCompleted int      `json:"required_completed"`
	Missing           []string `json:"missing"`
	Ready             bool     `json:"ready"`
}

// Metrics is the production dashboard snapshot (partial).
type Metrics struct {
	Active             int       `json:"active"`
	ReadyForDelivery   int       `json:"ready_for_delivery"`
	DueToday           int       `json:"due_today"`
	Overdue            int       `json:"overdue"`
	InReview           int       `json:"in_review"`
	CorrectionReview   int       `json:"correction_review"`
	DeliveredPast7Days int       `json:"delivered_past_7_days"`
	AvgTurnTime1Week   *TurnTime `json:"avg_turn_time_1_week"`
	AvgTurnTime30Days  *TurnTime `json:"avg_turn_time_30_days"`
}

type TurnTime struct {
	Minutes int `json:"minutes"`
	Weeks   int `json:"weeks"`
	Days    int `json:"days"`
	Hours   int `json:"hours"`
}

// Task represents a checklist task (partial).
type Task struct {
	ID           string `json:"id"`
	CardID       string `json:"card_id"`
	Stage        string `json:"stage"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	IsRequired   bool   `json:"is_required"`
	AssignedTo   string `json:"assigned_to,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// Correction represents a correction or revision request (partial).
type Correction struct {
	ID            string `json:"id"`
	CardID        string `json:"production_card_id"`
	CaseID        string `json:"case_id,omitempty"`
	RequestType   string `json:"request_type"`
	Status        string `json:"status"`
	Severity      string `json:"severity"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	PreviousStage string `json:"previous_stage"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
}

// CorrectionTransition is the result of a lifecycle action.
type CorrectionTransition struct {
	Correction    Correction  `json:"correction"`
	Card          *Card       `json:"card,omitempty"`
	NewCorrection *Correction `json:"new_correction,omitempty"`
}

// WorkHistoryEntry is one credited piece of QC work.
type WorkHistoryEntry struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	CorrectionID string   `json:"correction_request_id,omitempty"`
	CardID       string   `json:"production_card_id,omitempty"`
	EventType    string   `json:"event_type"`
	Summary      string   `json:"summary"`
	ImpactScore  *float64 `json:"impact_score,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// CreateCardRequest opens a card for an order.
type CreateCardRequest struct {
	OrderID      string         `json:"order_id"`
	OrderNumber  string         `json:"order_number,omitempty"`
	OrderType    string         `json:"order_type,omitempty"`
	PropertyType string         `json:"property_type,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	DueDate      string         `json:"due_date,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AdvanceRequest moves a card between stages.
type AdvanceRequest struct {
	Stage         string `json:"stage"`
	ExpectedStage string `json:"expected_stage,omitempty"`
	Override      bool   `json:"override,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// CreateCorrectionRequest opens a correction, or a revision when CaseID is set.
type CreateCorrectionRequest struct {
	CardID       string `json:"production_card_id"`
	SourceTaskID string `json:"source_task_id,omitempty"`
	CaseID       string `json:"case_id,omitempty"`
	Description  string `json:"description"`
	Severity     string `json:"severity,omitempty"`
	Category     string `json:"category,omitempty"`
	ReviewerID   string `json:"reviewer_id,omitempty"`
	AssignedTo   string `json:"assigned_to,omitempty"`
}

// CorrectionAction drives PATCH /corrections/{id}.
type CorrectionAction struct {
	Action          string `json:"action"`
	AssignedTo      string `json:"assigned_to,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	ReviewerNotes   string `json:"reviewer_notes,omitempty"`
	CreateNew       bool   `json:"create_new,omitempty"`
}

// CardQuery filters ListCards.
type CardQuery struct {
	Stages   []string
	Priority string
	OrderID  string
	Limit    int
	Cursor   string
}

// Page is a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCard creates a card and instantiates its checklist.
func (c *Client) CreateCard(ctx context.Context, req CreateCardRequest) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodPost, "cards", req, &resp)
	return resp, err
}

// ListCards returns a page of cards, newest first.
func (c *Client) ListCards(ctx context.Context, q CardQuery) (Page[Card], error) {
	v := url.Values{}
	if len(q.Stages) > 0 {
		v.Set("stage", strings.Join(q.Stages, ","))
	}
	if q.Priority != "" {
		v.Set("priority", q.Priority)
	}
	if q.OrderID != "" {
		v.Set("order_id", q.OrderID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	var resp Page[Card]
	err := c.do(ctx, http.MethodGet, withQuery("cards", v), nil, &resp)
	return resp, err
}

// GetCard fetches a card with its progress.
func (c *Client) GetCard(ctx context.Context, id string) (CardDetail, error) {
	var resp CardDetail
	err := c.do(ctx, http.MethodGet, "cards/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AdvanceStage moves a card.
func (c *Client) AdvanceStage(ctx context.Context, id string, req AdvanceRequest) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("cards/%s/advance", url.PathEscape(id)), req, &resp)
	return resp, err
}

// Readiness reports whether the card's current stage can advance.
func (c *Client) Readiness(ctx context.Context, id string) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cards/%s/readiness", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) ProductionMetrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "production/metrics", nil, &resp)
	return resp, err
}

// CardTasks lists a card's tasks, optionally for one stage.
func (c *Client) CardTasks(ctx context.Context, id, stage string) ([]Task, error) {
	v := url.Values{}
	if stage != "" {
		v.Set("stage", stage)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("cards/%s/tasks", url.PathEscape(id)), v), nil, &resp)
	return resp, err
}

// CompleteTask marks a task completed.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(id)), map[string]any{}, &resp)
	return resp, err
}

// CreateCorrection opens a correction or revision.
func (c *Client) CreateCorrection(ctx context.Context, req CreateCorrectionRequest) (Correction, error) {
	var resp Correction
	err := c.do(ctx, http.MethodPost, "corrections", req, &resp)
	return resp, err
}

// UpdateCorrection applies a lifecycle action (assign, complete, approve or reject).
func (c *Client) UpdateCorrection(ctx context.Context, id string, action CorrectionAction) (CorrectionTransition, error) {
	var resp CorrectionTransition
	err := c.do(ctx, http.MethodPatch, "corrections/"+url.PathEscape(id), action, &resp)
	return resp, err
}

// ListCorrections returns corrections visible to the caller.
func (c *Client) ListCorrections(ctx context.Context, status []string, limit int) (Page[Correction], error) {
	v := url.Values{}
	if len(status) > 0 {
		v.Set("status", strings.Join(status, ","))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp Page[Correction]
	err := c.do(ctx, http.MethodGet, withQuery("corrections", v), nil, &resp)
	return resp, err
}

// WorkHistory returns a page of work history for a user ("" for everyone).
func (c *Client) WorkHistory(ctx context.Context, userID string, limit int, cursor string) (Page[WorkHistoryEntry], error) {
	v := url.Values{}
	if userID != "" {
		v.Set("user_id", userID)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	var resp Page[WorkHistoryEntry]
	err := c.do(ctx, http.MethodGet, withQuery("work-history", v), nil, &resp)
	return resp, err
}

// ExportWorkHistory downloads the xlsx workbook.
func (c *Client) ExportWorkHistory(ctx context.Context, userID string) ([]byte, error) {
	v := url.Values{}
	if userID != "" {
		v.Set("user_id", userID)
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, withQuery("work-history/export", v), nil, &buf)
	return buf.Bytes(), err
}

// EventsPage returns events older than cursor (0 for the newest).
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) ([]Event, int64, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		v.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	var resp struct {
		Items      []Event `json:"items"`
		NextCursor int64   `json:"next_cursor"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp.Items, resp.NextCursor, err
}

// do sends the request. A *bytes.Buffer out receives the raw body; anything else is JSON-decoded.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Code, env.Error
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) url(endpoint string) string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}
