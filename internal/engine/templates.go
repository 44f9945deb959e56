package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/events"
	"prodline/internal/repo"
)

type TemplateInput struct {
	Name                    string
	Description             string
	ApplicableOrderTypes    []string
	ApplicablePropertyTypes []string
	IsDefault               bool
	Tasks                   []TemplateTaskInput
}

type TemplateTaskInput struct {
	Stage            domain.Stage
	Title            string
	Description      string
	Role             string
	EstimatedMinutes int
	IsRequired       bool
	// SortOrder < 0 appends after the stage's existing tasks.
	SortOrder int
	// ParentIndex points at an earlier entry of the same input slice.
	ParentIndex *int
	ParentID    string
}

func cleanList(vals []string) []string {
	out := []string{}
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (in TemplateTaskInput) validate() error {
	if !in.Stage.Valid() {
		return invalid("stage", fmt.Sprintf("invalid stage %q", in.Stage))
	}
	if in.Stage.IsSideState() || in.Stage == domain.StageOnHold || in.Stage == domain.StageCancelled {
		return invalid("stage", fmt.Sprintf("stage %s has no checklist", in.Stage))
	}
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title", "required")
	}
	if strings.TrimSpace(in.Role) == "" {
		return invalid("role", "required")
	}
	if in.EstimatedMinutes < 0 {
		return invalid("estimated_minutes", "must not be negative")
	}
	return nil
}

// CreateTemplate stores a template with its tasks in one transaction.
func (e Engine) CreateTemplate(ctx context.Context, orgID, actorID string, in TemplateInput) (domain.Template, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Template{}, invalid("name", "required")
	}
	for i, t := range in.Tasks {
		if err := t.validate(); err != nil {
			return domain.Template{}, err
		}
		if t.ParentIndex != nil {
			if *t.ParentIndex < 0 || *t.ParentIndex >= i {
				return domain.Template{}, invalid("parent_index", "must reference an earlier task")
			}
			if in.Tasks[*t.ParentIndex].Stage != t.Stage {
				return domain.Template{}, invalid("parent_index", "parent must be in the same stage")
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	tpl := domain.Template{
		ID:                      uuid.NewString(),
		OrgID:                   orgID,
		Name:                    strings.TrimSpace(in.Name),
		Description:             in.Description,
		ApplicableOrderTypes:    cleanList(in.ApplicableOrderTypes),
		ApplicablePropertyTypes: cleanList(in.ApplicablePropertyTypes),
		IsDefault:               in.IsDefault,
		IsActive:                true,
		CreatedBy:               actorID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if tpl.IsDefault {
		key := repo.ApplicabilityKey(tpl.ApplicableOrderTypes, tpl.ApplicablePropertyTypes)
		if err := e.Repo.ClearDefaults(ctx, tx, orgID, key, tpl.ID, now); err != nil {
			return domain.Template{}, err
		}
	}
	if err := e.Repo.InsertTemplate(ctx, tx, tpl); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	ids := make([]string, len(in.Tasks))
	for i, t := range in.Tasks {
		tt, err := e.insertTemplateTask(ctx, tx, tpl.ID, t, ids)
		if err != nil {
			return domain.Template{}, err
		}
		ids[i] = tt.ID
		tpl.Tasks = append(tpl.Tasks, tt)
	}
	if err := e.events().Append(ctx, tx, events.TemplateCreated, orgID, "template", tpl.ID, actorID, events.EventPayload{
		"name": tpl.Name, "is_default": tpl.IsDefault, "tasks": len(tpl.Tasks),
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

func (e Engine) insertTemplateTask(ctx context.Context, tx *sql.Tx, templateID string, in TemplateTaskInput, earlier []string) (domain.TemplateTask, error) {
	sortOrder := in.SortOrder
	if sortOrder < 0 {
		next, err := e.Repo.NextTemplateSortOrder(ctx, tx, templateID, in.Stage)
		if err != nil {
			return domain.TemplateTask{}, err
		}
		sortOrder = next
	}
	tt := domain.TemplateTask{
		ID:               uuid.NewString(),
		TemplateID:       templateID,
		Stage:            in.Stage,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		Role:             strings.TrimSpace(in.Role),
		EstimatedMinutes: in.EstimatedMinutes,
		IsRequired:       in.IsRequired,
		SortOrder:        sortOrder,
		ParentID:         optionalString(in.ParentID),
	}
	if in.ParentIndex != nil && *in.ParentIndex < len(earlier) && earlier[*in.ParentIndex] != "" {
		parent := earlier[*in.ParentIndex]
		tt.ParentID = &parent
	}
	if err := e.Repo.InsertTemplateTask(ctx, tx, tt); err != nil {
		return domain.TemplateTask{}, fmt.Errorf("insert template task: %w", err)
	}
	return tt, nil
}

// AddTemplateTask appends a task to an existing template.
func (e Engine) AddTemplateTask(ctx context.Context, orgID, templateID, actorID string, in TemplateTaskInput) (domain.TemplateTask, error) {
	in.ParentIndex = nil
	if err := in.validate(); err != nil {
		return domain.TemplateTask{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TemplateTask{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTemplate(ctx, tx, orgID, templateID); err != nil {
		return domain.TemplateTask{}, err
	}
	if in.ParentID != "" {
		siblings, err := e.Repo.ListTemplateTasks(ctx, tx, templateID, in.Stage)
		if err != nil {
			return domain.TemplateTask{}, err
		}
		found := false
		for _, s := range siblings {
			if s.ID == in.ParentID {
				found = true
			}
		}
		if !found {
			return domain.TemplateTask{}, invalid("parent_id", "parent must be a task of the same template stage")
		}
	}
	tt, err := e.insertTemplateTask(ctx, tx, templateID, in, nil)
	if err != nil {
		return domain.TemplateTask{}, err
	}
	if err := e.events().Append(ctx, tx, events.TemplateUpdated, orgID, "template", templateID, actorID, events.EventPayload{
		"added_task": tt.ID, "stage": string(tt.Stage),
	}); err != nil {
		return domain.TemplateTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TemplateTask{}, err
	}
	return tt, nil
}

type TemplateUpdate struct {
	Name                    *string
	Description             *string
	ApplicableOrderTypes    *[]string
	ApplicablePropertyTypes *[]string
	IsActive                *bool
	IsDefault               *bool
}

// UpdateTemplate edits template fields. Making a template default clears the flag on every other
// template with the same applicability in the same transaction.
func (e Engine) UpdateTemplate(ctx context.Context, orgID, templateID, actorID string, up TemplateUpdate) (domain.Template, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	tpl, err := e.Repo.GetTemplate(ctx, tx, orgID, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if up.Name != nil {
		if strings.TrimSpace(*up.Name) == "" {
			return domain.Template{}, invalid("name", "must not be empty")
		}
		tpl.Name = strings.TrimSpace(*up.Name)
	}
	if up.Description != nil {
		tpl.Description = *up.Description
	}
	if up.ApplicableOrderTypes != nil {
		tpl.ApplicableOrderTypes = cleanList(*up.ApplicableOrderTypes)
	}
	if up.ApplicablePropertyTypes != nil {
		tpl.ApplicablePropertyTypes = cleanList(*up.ApplicablePropertyTypes)
	}
	if up.IsActive != nil {
		tpl.IsActive = *up.IsActive
	}
	if up.IsDefault != nil {
		tpl.IsDefault = *up.IsDefault
	}
	if tpl.IsDefault && !tpl.IsActive {
		return domain.Template{}, invalid("is_default", "an inactive template cannot be the default")
	}
	tpl.UpdatedAt = e.ts()
	if tpl.IsDefault {
		key := repo.ApplicabilityKey(tpl.ApplicableOrderTypes, tpl.ApplicablePropertyTypes)
		if err := e.Repo.ClearDefaults(ctx, tx, orgID, key, tpl.ID, tpl.UpdatedAt); err != nil {
			return domain.Template{}, err
		}
	}
	if err := e.Repo.UpdateTemplate(ctx, tx, tpl); err != nil {
		return domain.Template{}, err
	}
	if err := e.events().Append(ctx, tx, events.TemplateUpdated, orgID, "template", tpl.ID, actorID, events.EventPayload{
		"is_default": tpl.IsDefault, "is_active": tpl.IsActive,
	}); err != nil {
		return domain.Template{}, err
	}
	if tpl.Tasks, err = e.Repo.ListTemplateTasks(ctx, tx, tpl.ID, ""); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

func (e Engine) SetDefaultTemplate(ctx context.Context, orgID, templateID, actorID string) (domain.Template, error) {
	yes := true
	return e.UpdateTemplate(ctx, orgID, templateID, actorID, TemplateUpdate{IsDefault: &yes})
}

func (e Engine) GetTemplate(ctx context.Context, orgID, templateID string) (domain.Template, error) {
	tpl, err := e.Repo.GetTemplate(ctx, nil, orgID, templateID)
	if err != nil {
		return tpl, err
	}
	tpl.Tasks, err = e.Repo.ListTemplateTasks(ctx, nil, tpl.ID, "")
	return tpl, err
}

func (e Engine) ListTemplates(ctx context.Context, orgID string, activeOnly bool) ([]domain.Template, error) {
	return e.Repo.ListTemplates(ctx, nil, repo.TemplateFilters{OrgID: orgID, ActiveOnly: activeOnly})
}

func matchesApplicability(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func specificity(t domain.Template) int {
	n := 0
	if len(t.ApplicableOrderTypes) > 0 {
		n++
	}
	if len(t.ApplicablePropertyTypes) > 0 {
		n++
	}
	return n
}

// ResolveTemplate picks the active template for an order. Candidates match when each applicability
// list is empty or contains the value; defaults win, then the more specific, then the newest.
func (e Engine) ResolveTemplate(ctx context.Context, orgID, orderType, propertyType string) (*domain.Template, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	cfg, err := e.orgConfig(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	return e.resolveTemplate(ctx, tx, cfg, orgID, orderType, propertyType)
}

func (e Engine) resolveTemplate(ctx context.Context, tx *sql.Tx, cfg *config.Config, orgID, orderType, propertyType string) (*domain.Template, error) {
	all, err := e.Repo.ListTemplates(ctx, tx, repo.TemplateFilters{OrgID: orgID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	var candidates []domain.Template
	for _, t := range all {
		if matchesApplicability(t.ApplicableOrderTypes, orderType) && matchesApplicability(t.ApplicablePropertyTypes, propertyType) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) > 0 {
		// all is newest first; a stable sort keeps that as the final tie-break
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].IsDefault != candidates[j].IsDefault {
				return candidates[i].IsDefault
			}
			return specificity(candidates[i]) > specificity(candidates[j])
		})
		return &candidates[0], nil
	}
	notFound := TemplateNotFoundError{OrgID: orgID, OrderType: orderType, PropertyType: propertyType}
	switch cfg.MissingTemplatePolicy() {
	case config.MissingTemplateEmpty:
		return nil, nil
	case config.MissingTemplateFallback:
		for _, t := range all {
			if t.IsDefault {
				t := t
				return &t, nil
			}
		}
	}
	return nil, notFound
}

// fallbackDefault returns the org's newest active default template other than excludeID.
func (e Engine) fallbackDefault(ctx context.Context, tx *sql.Tx, orgID, excludeID string) (*domain.Template, error) {
	defaults, err := e.Repo.ListTemplates(ctx, tx, repo.TemplateFilters{OrgID: orgID, ActiveOnly: true, Defaults: true})
	if err != nil {
		return nil, err
	}
	for _, t := range defaults {
		if t.ID != excludeID {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

// materializeStage copies the template's checklist for stage onto the card inside tx. It does
// nothing when the card already has tasks for that stage.
func (e Engine) materializeStage(ctx context.Context, tx *sql.Tx, cfg *config.Config, card domain.Card, stage domain.Stage) ([]domain.Task, error) {
	existing, err := e.Repo.CountTemplateStageTasks(ctx, tx, card.ID, stage)
	if err != nil {
		return nil, err
	}
	if existing > 0 || card.TemplateID == nil {
		return nil, nil
	}
	source, err := e.Repo.ListTemplateTasks(ctx, tx, *card.TemplateID, stage)
	if err != nil {
		return nil, err
	}
	if len(source) == 0 && !cfg.ChecklistOptional(stage) {
		notFound := TemplateNotFoundError{OrgID: card.OrgID, OrderType: card.OrderType, PropertyType: card.PropertyType, Stage: stage}
		switch cfg.MissingTemplatePolicy() {
		case config.MissingTemplateBlock:
			return nil, notFound
		case config.MissingTemplateFallback:
			def, err := e.fallbackDefault(ctx, tx, card.OrgID, *card.TemplateID)
			if err != nil {
				return nil, err
			}
			if def == nil {
				return nil, notFound
			}
			if source, err = e.Repo.ListTemplateTasks(ctx, tx, def.ID, stage); err != nil {
				return nil, err
			}
			if len(source) == 0 {
				return nil, notFound
			}
		}
	}

	now := e.ts()
	idMap := make(map[string]string, len(source))
	for _, tt := range source {
		idMap[tt.ID] = uuid.NewString()
	}
	tasks := make([]domain.Task, 0, len(source))
	for _, tt := range source {
		ttID := tt.ID
		task := domain.Task{
			ID:               idMap[tt.ID],
			OrgID:            card.OrgID,
			CardID:           card.ID,
			Stage:            stage,
			Title:            tt.Title,
			Description:      tt.Description,
			Role:             tt.Role,
			EstimatedMinutes: tt.EstimatedMinutes,
			IsRequired:       tt.IsRequired,
			SortOrder:        tt.SortOrder,
			Status:           domain.TaskPending,
			TemplateTaskID:   &ttID,
			Metadata:         domain.Metadata{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if tt.ParentID != nil {
			if mapped, ok := idMap[*tt.ParentID]; ok {
				task.ParentTaskID = &mapped
			}
		}
		tasks = append(tasks, task)
	}
	// parents first so the self-referencing foreign key holds
	inserted := map[string]bool{}
	for len(inserted) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if inserted[t.ID] {
				continue
			}
			if t.ParentTaskID != nil && !inserted[*t.ParentTaskID] {
				continue
			}
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", stage, err)
			}
			inserted[t.ID] = true
			progressed = true
		}
		if !progressed {
			return nil, errors.New("template task parent links form a cycle")
		}
	}
	return tasks, nil
}
