package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
)

type cardPath struct {
	ID string `path:"id"`
}

type taskPath struct {
	ID string `path:"id"`
}

func (h handlers) registerCards(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/cards",
		Summary:       "Create a production card for an order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCardRequest `json:"body"`
	}) (*cardOutput, error) {
		p, err := h.authorize(ctx, auth.PermCardWrite)
		if err != nil {
			return nil, err
		}
		b := input.Body
		card, err := h.e.CreateCard(ctx, p.OrgID, p.ActorID, engine.CardInput{
			OrderID:      b.OrderID,
			OrderNumber:  b.OrderNumber,
			OrderType:    b.OrderType,
			PropertyType: b.PropertyType,
			TemplateID:   b.TemplateID,
			Priority:     b.Priority,
			DueDate:      b.DueDate,
			Metadata:     metadataOf(b.Metadata),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &cardOutput{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List production cards, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Stage    string `query:"stage" doc:"Comma separated stages"`
		Priority string `query:"priority"`
		OrderID  string `query:"order_id"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedCards `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		f := repo.CardFilters{OrgID: p.OrgID, Priority: input.Priority, OrderID: input.OrderID, Limit: normalizeLimit(input.Limit)}
		for _, s := range splitCSV(input.Stage) {
			stage, err := domain.ParseStage(s)
			if err != nil {
				return nil, badRequest(err.Error(), map[string]any{"field": "stage"})
			}
			f.Stages = append(f.Stages, stage)
		}
		if f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor); err != nil {
			return nil, badRequest(err.Error(), nil)
		}
		cards, err := h.e.ListCards(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := paginatedCards{Items: nonNilSlice(cards)}
		if len(cards) == f.Limit {
			last := cards[len(cards)-1]
			out.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedCards `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{id}",
		Summary:     "Get a card with progress, readiness and allowed transitions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cardPath) (*cardDetailOutput, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		detail, err := h.e.GetCard(ctx, p.OrgID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &cardDetailOutput{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card",
		Method:      http.MethodPatch,
		Path:        "/cards/{id}",
		Summary:     "Update card fields or move it to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateCardRequest `json:"body"`
	}) (*cardOutput, error) {
		b := input.Body
		fields := b.Priority != nil || b.DueDate != nil || b.Metadata != nil
		moving := strings.TrimSpace(b.Stage) != ""
		if !fields && !moving {
			return nil, badRequest("nothing to update", nil)
		}
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		if fields {
			if _, err := h.authorize(ctx, auth.PermCardWrite); err != nil {
				return nil, err
			}
		}
		up := engine.CardUpdate{
			Priority: b.Priority,
			DueDate:  b.DueDate,
			Metadata: metadataOf(b.Metadata),
		}
		if moving {
			target, opts, err := h.advanceParams(ctx, AdvanceStageRequest{
				Stage: b.Stage, ExpectedStage: b.ExpectedStage, Override: b.Override, Justification: b.Justification,
			})
			if err != nil {
				return nil, err
			}
			up.Stage = &target
			up.Advance = opts
		}
		card, err := h.e.UpdateCard(ctx, p.OrgID, input.ID, p.ActorID, up)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &cardOutput{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-card",
		Method:      http.MethodPost,
		Path:        "/cards/{id}/advance",
		Summary:     "Move a card to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AdvanceStageRequest `json:"body"`
	}) (*cardOutput, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		card, err := h.advance(ctx, p, input.ID, input.Body)
		if err != nil {
			return nil, err
		}
		return &cardOutput{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "card-readiness",
		Method:      http.MethodGet,
		Path:        "/cards/{id}/readiness",
		Summary:     "Required task progress for the card's current stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cardPath) (*struct {
		Body domain.StageReadiness `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		ready, err := h.e.StageReadiness(ctx, p.OrgID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.StageReadiness `json:"body"`
		}{Body: ready}, nil
	})

	h.registerCardAction(api, "hold-card", "hold", "Put a card on hold", func(ctx context.Context, p Principal, id, reason string) (domain.Card, error) {
		return h.e.HoldCard(ctx, p.OrgID, id, p.ActorID, reason)
	})
	h.registerCardAction(api, "resume-card", "resume", "Resume a held card at its previous stage", func(ctx context.Context, p Principal, id, _ string) (domain.Card, error) {
		return h.e.ResumeCard(ctx, p.OrgID, id, p.ActorID)
	})
	h.registerCardAction(api, "cancel-card", "cancel", "Cancel a card", func(ctx context.Context, p Principal, id, reason string) (domain.Card, error) {
		return h.e.CancelCard(ctx, p.OrgID, id, p.ActorID, reason)
	})

	huma.Register(api, huma.Operation{
		OperationID: "production-metrics",
		Method:      http.MethodGet,
		Path:        "/production/metrics",
		Summary:     "Dashboard counts, deliveries and average turn time",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.ProductionMetrics `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		m, err := h.e.DashboardMetrics(ctx, p.OrgID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.ProductionMetrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-card-tasks",
		Method:      http.MethodGet,
		Path:        "/cards/{id}/tasks",
		Summary:     "List a card's tasks in checklist order",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Stage  string `query:"stage"`
		Status string `query:"status"`
	}) (*tasksOutput, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		if _, err := h.e.Repo.GetCard(ctx, nil, p.OrgID, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		f := repo.TaskFilters{OrgID: p.OrgID, CardID: input.ID, Status: input.Status}
		if input.Stage != "" {
			if f.Stage, err = domain.ParseStage(input.Stage); err != nil {
				return nil, badRequest(err.Error(), map[string]any{"field": "stage"})
			}
		}
		tasks, err := h.e.ListTasks(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tasksOutput{Body: nonNilSlice(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-card-task",
		Method:        http.MethodPost,
		Path:          "/cards/{id}/tasks",
		Summary:       "Add an ad-hoc task or subtask to a card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, err := h.authorize(ctx, auth.PermTaskWrite)
		if err != nil {
			return nil, err
		}
		b := input.Body
		in := engine.TaskInput{
			Title:            b.Title,
			Description:      b.Description,
			Role:             b.Role,
			AssignedTo:       b.AssignedTo,
			EstimatedMinutes: b.EstimatedMinutes,
			IsRequired:       b.IsRequired,
			ParentTaskID:     b.ParentTaskID,
			DueDate:          b.DueDate,
		}
		if b.Stage != "" {
			if in.Stage, err = domain.ParseStage(b.Stage); err != nil {
				return nil, badRequest(err.Error(), map[string]any{"field": "stage"})
			}
		}
		task, err := h.e.CreateTask(ctx, p.OrgID, input.ID, p.ActorID, in)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})
}

func (h handlers) advance(ctx context.Context, p Principal, cardID string, req AdvanceStageRequest) (domain.Card, error) {
	target, opts, err := h.advanceParams(ctx, req)
	if err != nil {
		return domain.Card{}, err
	}
	card, err := h.e.AdvanceStage(ctx, p.OrgID, cardID, target, p.ActorID, opts)
	if err != nil {
		return domain.Card{}, h.handleError(err)
	}
	return card, nil
}

// advanceParams checks card.advance and parses the stage fields of a move request.
func (h handlers) advanceParams(ctx context.Context, req AdvanceStageRequest) (domain.Stage, engine.AdvanceOptions, error) {
	if _, err := h.authorize(ctx, auth.PermCardAdvance); err != nil {
		return "", engine.AdvanceOptions{}, err
	}
	target, err := domain.ParseStage(req.Stage)
	if err != nil {
		return "", engine.AdvanceOptions{}, badRequest(err.Error(), map[string]any{"field": "stage"})
	}
	opts := engine.AdvanceOptions{Override: req.Override, Justification: req.Justification}
	if strings.TrimSpace(req.ExpectedStage) != "" {
		if opts.ExpectedStage, err = domain.ParseStage(req.ExpectedStage); err != nil {
			return "", engine.AdvanceOptions{}, badRequest(err.Error(), map[string]any{"field": "expected_stage"})
		}
	}
	return target, opts, nil
}

func (h handlers) registerCardAction(api huma.API, opID, action, summary string, fn func(context.Context, Principal, string, string) (domain.Card, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/cards/{id}/" + action,
		Summary:     summary,
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body,omitempty" required:"false"`
	}) (*cardOutput, error) {
		p, err := h.authorize(ctx, auth.PermCardAdvance)
		if err != nil {
			return nil, err
		}
		card, err := fn(ctx, p, input.ID, input.Body.Reason)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &cardOutput{Body: card}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		task, err := h.e.GetTask(ctx, p.OrgID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})

	h.registerTaskAction(api, "complete-task", "complete", "Complete a task", func(ctx context.Context, p Principal, id string, _ ReasonRequest) (domain.Task, error) {
		return h.e.CompleteTask(ctx, p.OrgID, id, p.ActorID)
	})
	h.registerTaskAction(api, "reopen-task", "reopen", "Reopen a completed task", func(ctx context.Context, p Principal, id string, body ReasonRequest) (domain.Task, error) {
		return h.e.ReopenTask(ctx, p.OrgID, id, p.ActorID, body.Reason)
	})
	h.registerTaskAction(api, "start-task", "start", "Start a pending task", func(ctx context.Context, p Principal, id string, _ ReasonRequest) (domain.Task, error) {
		return h.e.StartTask(ctx, p.OrgID, id, p.ActorID)
	})
	h.registerTaskAction(api, "block-task", "block", "Block a task with a reason", func(ctx context.Context, p Principal, id string, body ReasonRequest) (domain.Task, error) {
		return h.e.BlockTask(ctx, p.OrgID, id, p.ActorID, body.Reason)
	})
	h.registerTaskAction(api, "unblock-task", "unblock", "Unblock a task", func(ctx context.Context, p Principal, id string, _ ReasonRequest) (domain.Task, error) {
		return h.e.UnblockTask(ctx, p.OrgID, id, p.ActorID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*taskOutput, error) {
		p, err := h.authorize(ctx, auth.PermTaskWrite)
		if err != nil {
			return nil, err
		}
		task, err := h.e.AssignTask(ctx, p.OrgID, input.ID, p.ActorID, input.Body.AssignedTo)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-time-entry",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/time",
		Summary:       "Log time against a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body TimeEntryRequest `json:"body"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermTaskWrite)
		if err != nil {
			return nil, err
		}
		entry, err := h.e.AddTimeEntry(ctx, p.OrgID, input.ID, p.ActorID, input.Body.Minutes, input.Body.EntryType, input.Body.Notes)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-time-entries",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/time",
		Summary:     "List time logged against a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.TimeEntry `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermCardRead)
		if err != nil {
			return nil, err
		}
		entries, err := h.e.ListTimeEntries(ctx, p.OrgID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.TimeEntry `json:"body"`
		}{Body: nonNilSlice(entries)}, nil
	})
}

func (h handlers) registerTaskAction(api huma.API, opID, action, summary string, fn func(context.Context, Principal, string, ReasonRequest) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/" + action,
		Summary:     summary,
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body,omitempty" required:"false"`
	}) (*taskOutput, error) {
		p, err := h.authorize(ctx, auth.PermTaskWrite)
		if err != nil {
			return nil, err
		}
		task, err := fn(ctx, p, input.ID, input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})
}
