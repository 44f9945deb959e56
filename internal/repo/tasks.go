package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"prodline/internal/domain"
)

const taskColumns = `id,org_id,card_id,stage,title,description,role,assigned_to,estimated_minutes,is_required,sort_order,status,
parent_task_id,template_task_id,due_date,started_at,completed_at,completed_by,is_on_time,total_time_minutes,blocked_reason,notes,
metadata_json,created_at,updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var description, assigned, parent, templateTask, due, started, completed, completedBy, blocked, notes sql.NullString
	var onTime sql.NullInt64
	var required int
	var meta string
	err := s.Scan(&t.ID, &t.OrgID, &t.CardID, &t.Stage, &t.Title, &description, &t.Role, &assigned, &t.EstimatedMinutes, &required,
		&t.SortOrder, &t.Status, &parent, &templateTask, &due, &started, &completed, &completedBy, &onTime, &t.TotalTimeMinutes,
		&blocked, &notes, &meta, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.IsRequired = required == 1
	t.AssignedTo = strPtr(assigned)
	t.ParentTaskID = strPtr(parent)
	t.TemplateTaskID = strPtr(templateTask)
	t.DueDate = strPtr(due)
	t.StartedAt = strPtr(started)
	t.CompletedAt = strPtr(completed)
	t.CompletedBy = strPtr(completedBy)
	t.BlockedReason = strPtr(blocked)
	t.Notes = notes.String
	if onTime.Valid {
		v := onTime.Int64 == 1
		t.IsOnTime = &v
	}
	if t.Metadata, err = domain.ParseMetadata(meta); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO production_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.CardID, string(t.Stage), t.Title, nullable(t.Description), t.Role, nullableStringPtr(t.AssignedTo),
		t.EstimatedMinutes, boolInt(t.IsRequired), t.SortOrder, t.Status, nullableStringPtr(t.ParentTaskID),
		nullableStringPtr(t.TemplateTaskID), nullableStringPtr(t.DueDate), nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), nullableBoolPtr(t.IsOnTime), t.TotalTimeMinutes,
		nullableStringPtr(t.BlockedReason), nullable(t.Notes), meta, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes every mutable task column.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_tasks SET title=?, description=?, assigned_to=?, estimated_minutes=?, is_required=?,
status=?, due_date=?, started_at=?, completed_at=?, completed_by=?, is_on_time=?, total_time_minutes=?, blocked_reason=?, notes=?,
metadata_json=?, updated_at=? WHERE id=? AND org_id=?`,
		t.Title, nullable(t.Description), nullableStringPtr(t.AssignedTo), t.EstimatedMinutes, boolInt(t.IsRequired), t.Status,
		nullableStringPtr(t.DueDate), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy),
		nullableBoolPtr(t.IsOnTime), t.TotalTimeMinutes, nullableStringPtr(t.BlockedReason), nullable(t.Notes), meta, t.UpdatedAt,
		t.ID, t.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM production_tasks WHERE id=? AND org_id=?`, id, orgID))
}

type TaskFilters struct {
	OrgID      string
	CardID     string
	Stage      domain.Stage
	Status     string
	AssignedTo string
	ParentID   string
}

// ListTasks returns tasks in checklist order.
func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + taskColumns + ` FROM production_tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY stage, sort_order, created_at, id`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTemplateStageTasks reports how many template-derived tasks exist for a card stage.
// Ad-hoc tasks are not counted.
func (r Repo) CountTemplateStageTasks(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Stage) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM production_tasks WHERE card_id=? AND stage=? AND template_task_id IS NOT NULL`,
		cardID, string(stage)).Scan(&n)
	return n, err
}

// IncompleteRequired returns required task ids of a stage that are not completed.
func (r Repo) IncompleteRequired(ctx context.Context, tx *sql.Tx, cardID string, stage domain.Stage) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM production_tasks
WHERE card_id=? AND stage=? AND is_required=1 AND status<>'completed' ORDER BY sort_order, id`, cardID, string(stage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IncompleteSubtasks returns ids of child tasks that are not completed.
func (r Repo) IncompleteSubtasks(ctx context.Context, tx *sql.Tx, parentID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM production_tasks WHERE parent_task_id=? AND status<>'completed' ORDER BY sort_order, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertTimeEntry(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO task_time_entries(id,org_id,task_id,user_id,entry_type,minutes,notes,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, e.TaskID, e.UserID, e.EntryType, e.Minutes, nullable(e.Notes), e.CreatedAt)
	return err
}

func (r Repo) ListTimeEntries(ctx context.Context, orgID, taskID string) ([]domain.TimeEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,task_id,user_id,entry_type,minutes,COALESCE(notes,''),created_at
FROM task_time_entries WHERE org_id=? AND task_id=? ORDER BY created_at, id`, orgID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		var e domain.TimeEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.TaskID, &e.UserID, &e.EntryType, &e.Minutes, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
