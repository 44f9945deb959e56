package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"prodline/internal/domain"
	"prodline/internal/events"
	"prodline/internal/repo"
)

func ensureTaskTransition(task domain.Task, to string) error {
	from := task.Status
	ok := false
	switch from {
	case domain.TaskPending:
		ok = to == domain.TaskInProgress || to == domain.TaskCompleted || to == domain.TaskBlocked
	case domain.TaskInProgress:
		ok = to == domain.TaskCompleted || to == domain.TaskBlocked || to == domain.TaskPending
	case domain.TaskBlocked:
		ok = to == domain.TaskPending || to == domain.TaskInProgress
	case domain.TaskCompleted:
		ok = to == domain.TaskPending
	}
	if !ok {
		return InvalidTaskTransitionError{TaskID: task.ID, From: from, To: to}
	}
	return nil
}

// taskOp loads a task and its card inside a transaction, lets fn mutate the task and persists it.
// fn returning changed=false commits nothing.
func (e Engine) taskOp(ctx context.Context, orgID, taskID, actorID, evtType string,
	fn func(tx *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error)) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, orgID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	card, err := e.Repo.GetCard(ctx, tx, orgID, task.CardID)
	if err != nil {
		return domain.Task{}, err
	}
	payload, changed, err := fn(tx, card, &task)
	if err != nil {
		return domain.Task{}, err
	}
	if !changed {
		return task, nil
	}
	task.UpdatedAt = e.ts()
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["card_id"] = task.CardID
	payload["stage"] = string(task.Stage)
	if err := e.events().Append(ctx, tx, evtType, orgID, "task", task.ID, actorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func frozenCard(card domain.Card) error {
	if card.CurrentStage == domain.StageWorkfile || card.CurrentStage == domain.StageCancelled {
		return InvalidTransitionError{CardID: card.ID, From: card.CurrentStage, Reason: "card is closed"}
	}
	return nil
}

func visited(card domain.Card, stage domain.Stage) bool {
	for _, s := range card.ProcessedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// CompleteTask marks a task completed. Completing an already completed task changes nothing.
func (e Engine) CompleteTask(ctx context.Context, orgID, taskID, actorID string) (domain.Task, error) {
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskCompleted, func(tx *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if task.Status == domain.TaskCompleted {
			return nil, false, nil
		}
		if err := frozenCard(card); err != nil {
			return nil, false, err
		}
		if err := ensureTaskTransition(*task, domain.TaskCompleted); err != nil {
			return nil, false, err
		}
		open, err := e.Repo.IncompleteSubtasks(ctx, tx, task.ID)
		if err != nil {
			return nil, false, err
		}
		if len(open) > 0 {
			return nil, false, IncompleteRequiredTasksError{CardID: card.ID, Stage: task.Stage, TaskIDs: open}
		}
		now := e.now().UTC()
		stamp := now.Format(time.RFC3339)
		task.Status = domain.TaskCompleted
		task.CompletedAt = &stamp
		task.CompletedBy = &actorID
		task.BlockedReason = nil
		if task.StartedAt == nil {
			task.StartedAt = &stamp
		}
		task.IsOnTime = nil
		if task.DueDate != nil {
			if due, err := time.Parse(time.RFC3339, *task.DueDate); err == nil {
				onTime := !now.After(due)
				task.IsOnTime = &onTime
			}
		}
		payload := events.EventPayload{}
		if task.IsOnTime != nil {
			payload["is_on_time"] = *task.IsOnTime
		}
		return payload, true, nil
	})
}

// ReopenTask returns a completed or blocked task to pending and appends the reason to its notes.
func (e Engine) ReopenTask(ctx context.Context, orgID, taskID, actorID, reason string) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskReopened, func(_ *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if task.Status != domain.TaskCompleted && task.Status != domain.TaskBlocked {
			return nil, false, InvalidTaskTransitionError{TaskID: task.ID, From: task.Status, To: domain.TaskPending}
		}
		if err := frozenCard(card); err != nil {
			return nil, false, err
		}
		from := task.Status
		task.Status = domain.TaskPending
		task.CompletedAt = nil
		task.CompletedBy = nil
		task.IsOnTime = nil
		task.BlockedReason = nil
		if reason != "" {
			line := fmt.Sprintf("[%s] reopened by %s: %s", e.ts(), actorID, reason)
			if task.Notes != "" {
				task.Notes += "\n"
			}
			task.Notes += line
		}
		return events.EventPayload{"from": from, "reason": reason}, true, nil
	})
}

func (e Engine) StartTask(ctx context.Context, orgID, taskID, actorID string) (domain.Task, error) {
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskStarted, func(_ *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if task.Status == domain.TaskInProgress {
			return nil, false, nil
		}
		if err := frozenCard(card); err != nil {
			return nil, false, err
		}
		if err := ensureTaskTransition(*task, domain.TaskInProgress); err != nil {
			return nil, false, err
		}
		task.Status = domain.TaskInProgress
		task.BlockedReason = nil
		if task.StartedAt == nil {
			now := e.ts()
			task.StartedAt = &now
		}
		if task.AssignedTo == nil {
			task.AssignedTo = &actorID
		}
		return nil, true, nil
	})
}

func (e Engine) BlockTask(ctx context.Context, orgID, taskID, actorID, reason string) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Task{}, invalid("reason", "required")
	}
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskBlocked, func(_ *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if err := frozenCard(card); err != nil {
			return nil, false, err
		}
		if err := ensureTaskTransition(*task, domain.TaskBlocked); err != nil {
			return nil, false, err
		}
		task.Status = domain.TaskBlocked
		task.BlockedReason = &reason
		return events.EventPayload{"reason": reason}, true, nil
	})
}

func (e Engine) UnblockTask(ctx context.Context, orgID, taskID, actorID string) (domain.Task, error) {
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskUnblocked, func(_ *sql.Tx, _ domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if task.Status != domain.TaskBlocked {
			return nil, false, InvalidTaskTransitionError{TaskID: task.ID, From: task.Status, To: domain.TaskPending}
		}
		task.Status = domain.TaskPending
		if task.StartedAt != nil {
			task.Status = domain.TaskInProgress
		}
		task.BlockedReason = nil
		return nil, true, nil
	})
}

// AssignTask sets or clears (empty assignee) the task owner.
func (e Engine) AssignTask(ctx context.Context, orgID, taskID, actorID, assignee string) (domain.Task, error) {
	assignee = strings.TrimSpace(assignee)
	return e.taskOp(ctx, orgID, taskID, actorID, events.TaskAssigned, func(tx *sql.Tx, card domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		if err := frozenCard(card); err != nil {
			return nil, false, err
		}
		if derefString(task.AssignedTo) == assignee {
			return nil, false, nil
		}
		if assignee == "" {
			task.AssignedTo = nil
		} else {
			if err := e.Repo.EnsureActor(ctx, tx, assignee, e.ts()); err != nil {
				return nil, false, err
			}
			task.AssignedTo = &assignee
		}
		return events.EventPayload{"assigned_to": assignee}, true, nil
	})
}

type TaskInput struct {
	Stage            domain.Stage
	Title            string
	Description      string
	Role             string
	AssignedTo       string
	EstimatedMinutes int
	IsRequired       bool
	ParentTaskID     string
	DueDate          string
}

// CreateTask adds an ad-hoc task or subtask to a card. Stage defaults to the card's current stage.
func (e Engine) CreateTask(ctx context.Context, orgID, cardID, actorID string, in TaskInput) (domain.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, invalid("title", "required")
	}
	if in.EstimatedMinutes < 0 {
		return domain.Task{}, invalid("estimated_minutes", "must not be negative")
	}
	due, err := normalizeDate("due_date", in.DueDate)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	card, err := e.Repo.GetCard(ctx, tx, orgID, cardID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := frozenCard(card); err != nil {
		return domain.Task{}, err
	}
	stage := in.Stage
	if stage == "" {
		stage = card.CurrentStage
	}
	if !stage.Valid() {
		return domain.Task{}, invalid("stage", fmt.Sprintf("unknown stage %q", stage))
	}
	if stage != card.CurrentStage && !(stage.IsProduction() && visited(card, stage)) {
		return domain.Task{}, invalid("stage", fmt.Sprintf("tasks can only be added to the current stage or an earlier production stage, not %s", stage))
	}
	if in.ParentTaskID != "" {
		parent, err := e.Repo.GetTask(ctx, tx, orgID, in.ParentTaskID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parent task %s: %w", in.ParentTaskID, err)
		}
		if parent.CardID != card.ID || parent.Stage != stage {
			return domain.Task{}, invalid("parent_task_id", "parent must belong to the same card stage")
		}
		if parent.ParentTaskID != nil {
			return domain.Task{}, invalid("parent_task_id", "subtasks cannot be nested")
		}
	}
	siblings, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{OrgID: orgID, CardID: card.ID, Stage: stage})
	if err != nil {
		return domain.Task{}, err
	}
	sortOrder := 0
	for _, s := range siblings {
		if s.SortOrder >= sortOrder {
			sortOrder = s.SortOrder + 1
		}
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = "appraiser"
	}
	now := e.ts()
	task := domain.Task{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		CardID:           card.ID,
		Stage:            stage,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		Role:             role,
		AssignedTo:       optionalString(in.AssignedTo),
		EstimatedMinutes: in.EstimatedMinutes,
		IsRequired:       in.IsRequired,
		SortOrder:        sortOrder,
		Status:           domain.TaskPending,
		ParentTaskID:     optionalString(in.ParentTaskID),
		DueDate:          due,
		Metadata:         domain.Metadata{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.AssignedTo != nil {
		if err := e.Repo.EnsureActor(ctx, tx, *task.AssignedTo, now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, orgID, "task", task.ID, actorID, events.EventPayload{
		"card_id": card.ID, "stage": string(stage), "parent_task_id": in.ParentTaskID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

var timeEntryTypes = []string{"work", "review", "travel", "other"}

// AddTimeEntry logs minutes against a task and adds them to its running total.
func (e Engine) AddTimeEntry(ctx context.Context, orgID, taskID, actorID string, minutes int, entryType, notes string) (domain.TimeEntry, error) {
	if minutes <= 0 {
		return domain.TimeEntry{}, invalid("minutes", "must be positive")
	}
	if entryType == "" {
		entryType = "work"
	}
	known := false
	for _, t := range timeEntryTypes {
		if t == entryType {
			known = true
		}
	}
	if !known {
		return domain.TimeEntry{}, invalid("entry_type", fmt.Sprintf("one of %s", strings.Join(timeEntryTypes, ", ")))
	}
	var entry domain.TimeEntry
	_, err := e.taskOp(ctx, orgID, taskID, actorID, events.TaskTimeLogged, func(tx *sql.Tx, _ domain.Card, task *domain.Task) (events.EventPayload, bool, error) {
		entry = domain.TimeEntry{
			ID:        uuid.NewString(),
			OrgID:     orgID,
			TaskID:    task.ID,
			UserID:    actorID,
			EntryType: entryType,
			Minutes:   minutes,
			Notes:     strings.TrimSpace(notes),
			CreatedAt: e.ts(),
		}
		if err := e.Repo.EnsureActor(ctx, tx, actorID, entry.CreatedAt); err != nil {
			return nil, false, err
		}
		if err := e.Repo.InsertTimeEntry(ctx, tx, entry); err != nil {
			return nil, false, fmt.Errorf("insert time entry: %w", err)
		}
		task.TotalTimeMinutes += minutes
		return events.EventPayload{"minutes": minutes, "entry_type": entryType}, true, nil
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}

func (e Engine) GetTask(ctx context.Context, orgID, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, orgID, taskID)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

func (e Engine) ListTimeEntries(ctx context.Context, orgID, taskID string) ([]domain.TimeEntry, error) {
	if _, err := e.Repo.GetTask(ctx, nil, orgID, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTimeEntries(ctx, orgID, taskID)
}
