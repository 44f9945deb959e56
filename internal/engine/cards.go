package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"prodline/internal/activity"
	"prodline/internal/domain"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/repo"
)

type CardInput struct {
	OrderID      string
	OrderNumber  string
	OrderType    string
	PropertyType string
	TemplateID   string
	Priority     string
	DueDate      string
	Metadata     domain.Metadata
}

func normalizeDate(field, v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		s := t.UTC().Format(time.RFC3339)
		return &s, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		s := t.UTC().Format(time.RFC3339)
		return &s, nil
	}
	return nil, invalid(field, "must be RFC3339 or YYYY-MM-DD")
}

// CreateCard opens a production card at INTAKE and materializes the INTAKE checklist.
func (e Engine) CreateCard(ctx context.Context, orgID, actorID string, in CardInput) (domain.Card, error) {
	if strings.TrimSpace(in.OrderID) == "" {
		return domain.Card{}, invalid("order_id", "required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(in.Priority) {
		return domain.Card{}, invalid("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}
	due, err := normalizeDate("due_date", in.DueDate)
	if err != nil {
		return domain.Card{}, err
	}
	if in.Metadata == nil {
		in.Metadata = domain.Metadata{}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetOrg(ctx, tx, orgID); err != nil {
		return domain.Card{}, fmt.Errorf("org %s: %w", orgID, err)
	}
	cfg, err := e.orgConfig(ctx, tx, orgID)
	if err != nil {
		return domain.Card{}, err
	}
	if err := cfg.CheckMetadata(in.Metadata); err != nil {
		return domain.Card{}, invalid("metadata", err.Error())
	}

	var tpl *domain.Template
	if in.TemplateID != "" {
		t, err := e.Repo.GetTemplate(ctx, tx, orgID, in.TemplateID)
		if err != nil {
			return domain.Card{}, fmt.Errorf("template %s: %w", in.TemplateID, err)
		}
		if !t.IsActive {
			return domain.Card{}, invalid("template_id", "template is inactive")
		}
		tpl = &t
	} else {
		if tpl, err = e.resolveTemplate(ctx, tx, cfg, orgID, in.OrderType, in.PropertyType); err != nil {
			return domain.Card{}, err
		}
	}

	now := e.ts()
	card := domain.Card{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		OrderID:         strings.TrimSpace(in.OrderID),
		OrderNumber:     in.OrderNumber,
		OrderType:       in.OrderType,
		PropertyType:    in.PropertyType,
		CurrentStage:    domain.StageIntake,
		ProcessedStages: []domain.Stage{domain.StageIntake},
		Priority:        in.Priority,
		DueDate:         due,
		StageEnteredAt:  now,
		Metadata:        in.Metadata,
		CreatedBy:       actorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if tpl != nil {
		card.TemplateID = &tpl.ID
	}
	if err := e.Repo.InsertCard(ctx, tx, card); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	tasks, err := e.materializeStage(ctx, tx, cfg, card, domain.StageIntake)
	if err != nil {
		return domain.Card{}, err
	}
	if err := e.events().Append(ctx, tx, events.CardCreated, orgID, "card", card.ID, actorID, events.EventPayload{
		"order_id": card.OrderID, "template_id": derefString(card.TemplateID), "tasks": len(tasks),
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	e.logActivity(ctx, card, activity.CardCreated, "Production card created", domain.Metadata{
		"card_id": card.ID, "stage": string(card.CurrentStage),
	}, actorID)
	return card, nil
}

type transitionKind int

const (
	transitionForward transitionKind = iota + 1
	transitionEnterSide
	transitionReturn
	transitionArchive
)

// allowedTargets lists the stages advanceStage accepts from the card's current state.
func allowedTargets(card domain.Card) []domain.Stage {
	cur := card.CurrentStage
	switch {
	case cur.IsProduction():
		next, _ := cur.Next()
		return []domain.Stage{next, domain.StageCorrection, domain.StageRevision}
	case cur.IsSideState():
		if card.PreviousStage != nil {
			return []domain.Stage{*card.PreviousStage}
		}
	case cur == domain.StageCancelled:
		return []domain.Stage{domain.StageWorkfile}
	}
	return nil
}

func classifyTransition(card domain.Card, target domain.Stage) (transitionKind, error) {
	cur := card.CurrentStage
	reject := func(reason string) (transitionKind, error) {
		return 0, InvalidTransitionError{CardID: card.ID, From: cur, To: target, Allowed: allowedTargets(card), Reason: reason}
	}
	if !target.Valid() {
		return reject("unknown stage")
	}
	if target == cur {
		return reject("card is already in this stage")
	}
	switch {
	case cur.IsProduction():
		if next, _ := cur.Next(); target == next {
			return transitionForward, nil
		}
		if target.IsSideState() {
			return transitionEnterSide, nil
		}
		if target == domain.StageOnHold || target == domain.StageCancelled {
			return reject("use hold or cancel")
		}
		return reject("")
	case cur.IsSideState():
		if card.PreviousStage != nil && target == *card.PreviousStage {
			return transitionReturn, nil
		}
		if target.IsSideState() {
			return reject("card is already in a correction stage")
		}
		return reject("")
	case cur == domain.StageCancelled:
		if target == domain.StageWorkfile {
			return transitionArchive, nil
		}
		return reject("")
	case cur == domain.StageOnHold:
		return reject("resume the card first")
	default:
		return reject("card is archived")
	}
}

// applyStage mutates card for entering stage and writes it with the optimistic stage guard.
func (e Engine) applyStage(ctx context.Context, tx *sql.Tx, card *domain.Card, target domain.Stage, expected domain.Stage) error {
	now := e.ts()
	from := card.CurrentStage
	if from == domain.StageIntake && card.StartedAt == nil {
		card.StartedAt = &now
	}
	if target == domain.StageDelivered && card.CompletedAt == nil {
		card.CompletedAt = &now
	}
	card.CurrentStage = target
	card.ProcessedStages = append(card.ProcessedStages, target)
	card.StageEnteredAt = now
	card.UpdatedAt = now
	ok, err := e.Repo.UpdateCardStage(ctx, tx, *card, expected)
	if err != nil {
		return fmt.Errorf("update card stage: %w", err)
	}
	if !ok {
		conflict := ConcurrentModificationError{CardID: card.ID, Expected: expected}
		if fresh, err := e.Repo.GetCard(ctx, tx, card.OrgID, card.ID); err == nil {
			conflict.Actual = fresh.CurrentStage
		}
		return conflict
	}
	return nil
}

type AdvanceOptions struct {
	// ExpectedStage, when set, must match the card's stage at write time.
	ExpectedStage domain.Stage
	Override      bool
	Justification string
}

// AdvanceStage moves a card forward, into a correction side-state, back from one, or from
// CANCELLED into WORKFILE.
func (e Engine) AdvanceStage(ctx context.Context, orgID, cardID string, target domain.Stage, actorID string, opts AdvanceOptions) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	card, err := e.Repo.GetCard(ctx, tx, orgID, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	move, err := e.advanceTx(ctx, tx, &card, target, actorID, opts)
	if err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	e.logStageChange(ctx, card, move, actorID)
	return card, nil
}

type stageMove struct {
	from     domain.Stage
	to       domain.Stage
	bypassed []string
}

// advanceTx applies a stage transition to card inside tx.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, card *domain.Card, target domain.Stage, actorID string, opts AdvanceOptions) (stageMove, error) {
	orgID := card.OrgID
	expected := card.CurrentStage
	if opts.ExpectedStage != "" {
		if opts.ExpectedStage != card.CurrentStage {
			return stageMove{}, ConcurrentModificationError{CardID: card.ID, Expected: opts.ExpectedStage, Actual: card.CurrentStage}
		}
		expected = opts.ExpectedStage
	}
	kind, err := classifyTransition(*card, target)
	if err != nil {
		return stageMove{}, err
	}
	cfg, err := e.orgConfig(ctx, tx, orgID)
	if err != nil {
		return stageMove{}, err
	}
	move := stageMove{from: card.CurrentStage, to: target}

	switch kind {
	case transitionForward:
		missing, err := e.Repo.IncompleteRequired(ctx, tx, card.ID, move.from)
		if err != nil {
			return stageMove{}, err
		}
		if len(missing) > 0 {
			if !opts.Override {
				return stageMove{}, IncompleteRequiredTasksError{CardID: card.ID, Stage: move.from, TaskIDs: missing}
			}
			if err := e.Auth.Require(ctx, tx, orgID, actorID, auth.PermCardOverride); err != nil {
				return stageMove{}, err
			}
			if cfg.RequireOverrideJustification() && strings.TrimSpace(opts.Justification) == "" {
				return stageMove{}, invalid("justification", "required when overriding incomplete tasks")
			}
			move.bypassed = missing
		}
	case transitionEnterSide:
		prev := move.from
		card.PreviousStage = &prev
	case transitionReturn:
		open, err := e.Repo.OpenCorrectionForCard(ctx, tx, orgID, card.ID)
		if err == nil {
			return stageMove{}, InvalidTransitionError{
				CardID: card.ID, From: move.from, To: target,
				Reason: fmt.Sprintf("correction %s is still %s", open.ID, open.Status),
			}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return stageMove{}, err
		}
		card.PreviousStage = nil
	}

	if err := e.applyStage(ctx, tx, card, target, expected); err != nil {
		return stageMove{}, err
	}
	if kind == transitionForward || kind == transitionArchive {
		if _, err := e.materializeStage(ctx, tx, cfg, *card, target); err != nil {
			return stageMove{}, err
		}
	}
	if len(move.bypassed) > 0 {
		if err := e.events().Append(ctx, tx, events.CardStageOverride, orgID, "card", card.ID, actorID, events.EventPayload{
			"from": string(move.from), "to": string(target), "bypassed_task_ids": move.bypassed, "justification": opts.Justification,
		}); err != nil {
			return stageMove{}, err
		}
	}
	if err := e.events().Append(ctx, tx, events.CardStageChanged, orgID, "card", card.ID, actorID, events.EventPayload{
		"from": string(move.from), "to": string(target), "order_id": card.OrderID,
	}); err != nil {
		return stageMove{}, err
	}
	return move, nil
}

func (e Engine) logStageChange(ctx context.Context, card domain.Card, move stageMove, actorID string) {
	e.logActivity(ctx, card, activity.StatusChanged, fmt.Sprintf("Production stage changed from %s to %s", move.from, move.to), domain.Metadata{
		"from": string(move.from), "to": string(move.to), "card_id": card.ID, "override": len(move.bypassed) > 0,
	}, actorID)
}

// HoldCard parks a production card in ON_HOLD; ResumeCard returns it to the stage it left.
func (e Engine) HoldCard(ctx context.Context, orgID, cardID, actorID, reason string) (domain.Card, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Card{}, invalid("reason", "required")
	}
	return e.moveLifecycle(ctx, orgID, cardID, actorID, func(_ *sql.Tx, card *domain.Card) (domain.Stage, error) {
		if !card.CurrentStage.IsProduction() {
			return "", InvalidTransitionError{CardID: card.ID, From: card.CurrentStage, To: domain.StageOnHold, Reason: "only production stages can be held"}
		}
		prev := card.CurrentStage
		card.PreviousStage = &prev
		card.HoldReason = &reason
		return domain.StageOnHold, nil
	}, events.CardHeld, activity.CardHeld, events.EventPayload{"reason": reason})
}

func (e Engine) ResumeCard(ctx context.Context, orgID, cardID, actorID string) (domain.Card, error) {
	return e.moveLifecycle(ctx, orgID, cardID, actorID, func(_ *sql.Tx, card *domain.Card) (domain.Stage, error) {
		if card.CurrentStage != domain.StageOnHold || card.PreviousStage == nil {
			return "", InvalidTransitionError{CardID: card.ID, From: card.CurrentStage, Reason: "card is not on hold"}
		}
		target := *card.PreviousStage
		card.PreviousStage = nil
		card.HoldReason = nil
		return target, nil
	}, events.CardResumed, activity.CardResumed, events.EventPayload{})
}

// CancelCard stops work on a card; the card can then only be archived to WORKFILE.
// Cancelling from CORRECTION or REVISION needs correction.admin and rejects the open
// correction in the same transaction.
func (e Engine) CancelCard(ctx context.Context, orgID, cardID, actorID, reason string) (domain.Card, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Card{}, invalid("reason", "required")
	}
	payload := events.EventPayload{"reason": reason}
	return e.moveLifecycle(ctx, orgID, cardID, actorID, func(tx *sql.Tx, card *domain.Card) (domain.Stage, error) {
		switch {
		case card.CurrentStage.IsProduction():
			prev := card.CurrentStage
			card.PreviousStage = &prev
		case card.CurrentStage == domain.StageOnHold:
		case card.CurrentStage.IsSideState():
			closed, err := e.closeOpenCorrection(ctx, tx, *card, actorID, reason)
			if err != nil {
				return "", err
			}
			if closed != "" {
				payload["closed_correction_id"] = closed
			}
		default:
			return "", InvalidTransitionError{CardID: card.ID, From: card.CurrentStage, To: domain.StageCancelled, Reason: "card is already closed"}
		}
		card.CancelledReason = &reason
		return domain.StageCancelled, nil
	}, events.CardCancelled, activity.CardCancelled, payload)
}

// closeOpenCorrection rejects the card's open correction, if any, because the card is
// being cancelled. It returns the closed correction id.
func (e Engine) closeOpenCorrection(ctx context.Context, tx *sql.Tx, card domain.Card, actorID, reason string) (string, error) {
	if err := e.Auth.Require(ctx, tx, card.OrgID, actorID, auth.PermCorrectionAdmin); err != nil {
		return "", err
	}
	c, err := e.Repo.OpenCorrectionForCard(ctx, tx, card.OrgID, card.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	expected := c.Status
	now := e.ts()
	notes := "card cancelled: " + reason
	c.Status = domain.CorrectionRejected
	c.ResolvedAt = &now
	c.ReviewerNotes = &notes
	c.UpdatedAt = now
	if err := e.saveCorrection(ctx, tx, c, expected, "cancel"); err != nil {
		return "", err
	}
	if err := e.events().Append(ctx, tx, events.CorrectionRejected, card.OrgID, "correction", c.ID, actorID, events.EventPayload{
		"card_id": card.ID, "create_new": false, "card_cancelled": true,
	}); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (e Engine) moveLifecycle(ctx context.Context, orgID, cardID, actorID string, mutate func(*sql.Tx, *domain.Card) (domain.Stage, error),
	evtType, activityType string, payload events.EventPayload) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	card, err := e.Repo.GetCard(ctx, tx, orgID, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	from := card.CurrentStage
	target, err := mutate(tx, &card)
	if err != nil {
		return domain.Card{}, err
	}
	if err := e.applyStage(ctx, tx, &card, target, from); err != nil {
		return domain.Card{}, err
	}
	payload["from"] = string(from)
	payload["to"] = string(target)
	if err := e.events().Append(ctx, tx, evtType, orgID, "card", card.ID, actorID, payload); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	e.logActivity(ctx, card, activityType, fmt.Sprintf("Production card moved from %s to %s", from, target), domain.Metadata{
		"from": string(from), "to": string(target), "card_id": card.ID,
	}, actorID)
	return card, nil
}

// StageReadiness reports how many required tasks of the card's current stage are done.
func (e Engine) StageReadiness(ctx context.Context, orgID, cardID string) (domain.StageReadiness, error) {
	card, err := e.Repo.GetCard(ctx, nil, orgID, cardID)
	if err != nil {
		return domain.StageReadiness{}, err
	}
	return e.readiness(ctx, nil, card)
}

func (e Engine) readiness(ctx context.Context, tx *sql.Tx, card domain.Card) (domain.StageReadiness, error) {
	tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{OrgID: card.OrgID, CardID: card.ID, Stage: card.CurrentStage})
	if err != nil {
		return domain.StageReadiness{}, err
	}
	r := domain.StageReadiness{CardID: card.ID, Stage: card.CurrentStage, Missing: []string{}}
	for _, t := range tasks {
		if !t.IsRequired {
			continue
		}
		r.RequiredTotal++
		if t.Status == domain.TaskCompleted {
			r.RequiredCompleted++
		} else {
			r.Missing = append(r.Missing, t.ID)
		}
	}
	r.Ready = len(r.Missing) == 0
	return r, nil
}

type CardDetail struct {
	domain.Card
	TotalTasks     int                   `json:"total_tasks"`
	CompletedTasks int                   `json:"completed_tasks"`
	Readiness      domain.StageReadiness `json:"readiness"`
	Allowed        []domain.Stage        `json:"allowed_transitions"`
}

func (e Engine) GetCard(ctx context.Context, orgID, cardID string) (CardDetail, error) {
	card, err := e.Repo.GetCard(ctx, nil, orgID, cardID)
	if err != nil {
		return CardDetail{}, err
	}
	total, completed, err := e.Repo.CountCardTasks(ctx, nil, card.ID)
	if err != nil {
		return CardDetail{}, err
	}
	ready, err := e.readiness(ctx, nil, card)
	if err != nil {
		return CardDetail{}, err
	}
	allowed := allowedTargets(card)
	if allowed == nil {
		allowed = []domain.Stage{}
	}
	return CardDetail{Card: card, TotalTasks: total, CompletedTasks: completed, Readiness: ready, Allowed: allowed}, nil
}

func (e Engine) ListCards(ctx context.Context, f repo.CardFilters) ([]domain.Card, error) {
	return e.Repo.ListCards(ctx, f)
}

type CardUpdate struct {
	Priority *string
	DueDate  *string
	// Metadata keys are merged; a nil value removes the key.
	Metadata domain.Metadata
	// Stage, when set, moves the card after the field changes in the same transaction.
	Stage   *domain.Stage
	Advance AdvanceOptions
}

// UpdateCard edits card fields and optionally moves the card. Either everything is
// written or nothing is.
func (e Engine) UpdateCard(ctx context.Context, orgID, cardID, actorID string, up CardUpdate) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	card, err := e.Repo.GetCard(ctx, tx, orgID, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	changed := []string{}
	if up.Priority != nil {
		if !domain.ValidPriority(*up.Priority) {
			return domain.Card{}, invalid("priority", fmt.Sprintf("unknown priority %q", *up.Priority))
		}
		card.Priority = *up.Priority
		changed = append(changed, "priority")
	}
	if up.DueDate != nil {
		due, err := normalizeDate("due_date", *up.DueDate)
		if err != nil {
			return domain.Card{}, err
		}
		card.DueDate = due
		changed = append(changed, "due_date")
	}
	if up.Metadata != nil {
		cfg, err := e.orgConfig(ctx, tx, orgID)
		if err != nil {
			return domain.Card{}, err
		}
		merged := mergeMetadata(card.Metadata, up.Metadata)
		if err := cfg.CheckMetadata(merged); err != nil {
			return domain.Card{}, invalid("metadata", err.Error())
		}
		card.Metadata = merged
		changed = append(changed, "metadata")
	}
	if len(changed) == 0 && up.Stage == nil {
		return card, nil
	}
	if len(changed) > 0 {
		card.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCardDetails(ctx, tx, card); err != nil {
			return domain.Card{}, err
		}
		if err := e.events().Append(ctx, tx, events.CardUpdated, orgID, "card", card.ID, actorID, events.EventPayload{"fields": changed}); err != nil {
			return domain.Card{}, err
		}
	}
	var move *stageMove
	if up.Stage != nil {
		m, err := e.advanceTx(ctx, tx, &card, *up.Stage, actorID, up.Advance)
		if err != nil {
			return domain.Card{}, err
		}
		move = &m
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	if move != nil {
		e.logStageChange(ctx, card, *move, actorID)
	}
	return card, nil
}

func mergeMetadata(base, patch domain.Metadata) domain.Metadata {
	out := domain.Metadata{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
