package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
)

func templateTaskInput(r TemplateTaskRequest) (engine.TemplateTaskInput, error) {
	stage, err := domain.ParseStage(r.Stage)
	if err != nil {
		return engine.TemplateTaskInput{}, badRequest(err.Error(), map[string]any{"field": "stage"})
	}
	in := engine.TemplateTaskInput{
		Stage:            stage,
		Title:            r.Title,
		Description:      r.Description,
		Role:             r.Role,
		EstimatedMinutes: r.EstimatedMinutes,
		IsRequired:       r.IsRequired,
		SortOrder:        -1,
		ParentIndex:      r.ParentIndex,
		ParentID:         r.ParentID,
	}
	if r.SortOrder != nil {
		in.SortOrder = *r.SortOrder
	}
	return in, nil
}

func (h handlers) registerTemplates(api huma.API) {
	type templatePath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List production templates",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []domain.Template `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermTemplateRead)
		if err != nil {
			return nil, err
		}
		items, err := h.e.ListTemplates(ctx, p.OrgID, input.ActiveOnly)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Template `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create a production template with its tasks",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*templateOutput, error) {
		p, err := h.authorize(ctx, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		b := input.Body
		in := engine.TemplateInput{
			Name:                    b.Name,
			Description:             b.Description,
			ApplicableOrderTypes:    b.ApplicableOrderTypes,
			ApplicablePropertyTypes: b.ApplicablePropertyTypes,
			IsDefault:               b.IsDefault,
		}
		for _, t := range b.Tasks {
			tt, err := templateTaskInput(t)
			if err != nil {
				return nil, err
			}
			in.Tasks = append(in.Tasks, tt)
		}
		tpl, err := h.e.CreateTemplate(ctx, p.OrgID, p.ActorID, in)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &templateOutput{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-template",
		Method:      http.MethodGet,
		Path:        "/templates/resolve",
		Summary:     "Show which template a new card for the order would use",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderType    string `query:"order_type"`
		PropertyType string `query:"property_type"`
	}) (*templateOutput, error) {
		p, err := h.authorize(ctx, auth.PermTemplateRead)
		if err != nil {
			return nil, err
		}
		tpl, err := h.e.ResolveTemplate(ctx, p.OrgID, input.OrderType, input.PropertyType)
		if err != nil {
			return nil, h.handleError(err)
		}
		if tpl == nil {
			return nil, newAPIError(http.StatusNotFound, "template_not_found", "no active template matches", map[string]any{
				"order_type": input.OrderType, "property_type": input.PropertyType,
			})
		}
		return &templateOutput{Body: *tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get a template with its tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateOutput, error) {
		p, err := h.authorize(ctx, auth.PermTemplateRead)
		if err != nil {
			return nil, err
		}
		tpl, err := h.e.GetTemplate(ctx, p.OrgID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &templateOutput{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{id}",
		Summary:     "Update template fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateTemplateRequest `json:"body"`
	}) (*templateOutput, error) {
		p, err := h.authorize(ctx, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		b := input.Body
		tpl, err := h.e.UpdateTemplate(ctx, p.OrgID, input.ID, p.ActorID, engine.TemplateUpdate{
			Name:                    b.Name,
			Description:             b.Description,
			ApplicableOrderTypes:    b.ApplicableOrderTypes,
			ApplicablePropertyTypes: b.ApplicablePropertyTypes,
			IsActive:                b.IsActive,
			IsDefault:               b.IsDefault,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &templateOutput{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-default-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/default",
		Summary:     "Make a template the default for its applicability",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateOutput, error) {
		p, err := h.authorize(ctx, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		tpl, err := h.e.SetDefaultTemplate(ctx, p.OrgID, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &templateOutput{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-template-task",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/tasks",
		Summary:       "Append a task to a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body TemplateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.TemplateTask `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermTemplateWrite)
		if err != nil {
			return nil, err
		}
		in, err := templateTaskInput(input.Body)
		if err != nil {
			return nil, err
		}
		tt, err := h.e.AddTemplateTask(ctx, p.OrgID, input.ID, p.ActorID, in)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.TemplateTask `json:"body"`
		}{Body: tt}, nil
	})
}

func (h handlers) registerAlerts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List SLA alerts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CardID    string `query:"card_id"`
		AlertType string `query:"alert_type"`
		Severity  string `query:"severity"`
		Open      string `query:"open" doc:"true or false to filter by resolution state"`
		Limit     int    `query:"limit"`
	}) (*alertsOutput, error) {
		p, err := h.authorize(ctx, auth.PermAlertRead)
		if err != nil {
			return nil, err
		}
		f := repo.AlertFilters{OrgID: p.OrgID, CardID: input.CardID, AlertType: input.AlertType, Severity: input.Severity, Limit: normalizeLimit(input.Limit)}
		switch input.Open {
		case "true":
			open := true
			f.Open = &open
		case "false":
			open := false
			f.Open = &open
		}
		alerts, err := h.e.ListAlerts(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertsOutput{Body: nonNilSlice(alerts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-alerts",
		Method:      http.MethodPost,
		Path:        "/alerts/scan",
		Summary:     "Run the SLA scan for the caller's org now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*alertsOutput, error) {
		p, err := h.authorize(ctx, auth.PermAlertWrite)
		if err != nil {
			return nil, err
		}
		alerts, err := h.e.ScanAlerts(ctx, p.OrgID, time.Now())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertsOutput{Body: nonNilSlice(alerts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/resolve",
		Summary:     "Resolve an alert",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ResolveAlertRequest `json:"body,omitempty" required:"false"`
	}) (*alertOutput, error) {
		p, err := h.authorize(ctx, auth.PermAlertWrite)
		if err != nil {
			return nil, err
		}
		a, err := h.e.ResolveAlert(ctx, p.OrgID, input.ID, p.ActorID, input.Body.Notes)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertOutput{Body: a}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page the org's audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermEventsRead)
		if err != nil {
			return nil, err
		}
		if input.Cursor < 0 {
			return nil, badRequest("invalid cursor", nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListEvents(ctx, repo.EventFilters{
			OrgID:      p.OrgID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}, limit, input.Cursor)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := paginatedEvents{Items: items}
		if len(items) == limit {
			out.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) registerRBAC(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Roles and permissions of the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.WhoAmI `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		who, err := h.e.WhoAmI(ctx, p.OrgID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.WhoAmI `json:"body"`
		}{Body: who}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/grants",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleRequest `json:"body"`
	}) (*emptyOutput, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := h.e.GrantRole(ctx, p.OrgID, p.ActorID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, h.handleError(err)
		}
		return &emptyOutput{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodPost,
		Path:          "/rbac/revocations",
		Summary:       "Revoke a role from an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleRequest `json:"body"`
	}) (*emptyOutput, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := h.e.RevokeRole(ctx, p.OrgID, p.ActorID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, h.handleError(err)
		}
		return &emptyOutput{}, nil
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key; the plaintext key is only returned here",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		plain, key, err := h.e.CreateAPIKey(ctx, p.OrgID, p.ActorID, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{Key: plain, APIKey: apiKeyResponse(key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Every key in the org; needs apikey.manage"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		keys, err := h.e.ListAPIKeys(ctx, p.OrgID, p.ActorID, input.All)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*emptyOutput, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := h.e.DeleteAPIKey(ctx, p.OrgID, p.ActorID, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return &emptyOutput{}, nil
	})
}
