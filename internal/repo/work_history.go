package repo

import (
	"context"
	"database/sql"
	"strings"

	"prodline/internal/domain"
)

// Work history rows are append-only: this file exposes insert and select, nothing else.

const historyColumns = `id,org_id,resource_id,user_id,correction_request_id,production_task_id,production_card_id,event_type,summary,impact_score,created_at`

func (r Repo) InsertWorkHistory(ctx context.Context, tx *sql.Tx, h domain.WorkHistoryEntry) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO resource_work_history(`+historyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.OrgID, nullableStringPtr(h.ResourceID), h.UserID, nullableStringPtr(h.CorrectionID), nullableStringPtr(h.TaskID),
		nullableStringPtr(h.CardID), h.EventType, h.Summary, nullableFloatPtr(h.ImpactScore), h.CreatedAt)
	return err
}

type WorkHistoryFilters struct {
	OrgID           string
	UserID          string
	ResourceID      string
	CorrectionID    string
	CardID          string
	EventTypes      []string
	From            string
	To              string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkHistory(ctx context.Context, tx *sql.Tx, f WorkHistoryFilters) ([]domain.WorkHistoryEntry, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.CorrectionID != "" {
		clauses = append(clauses, "correction_request_id=?")
		args = append(args, f.CorrectionID)
	}
	if f.CardID != "" {
		clauses = append(clauses, "production_card_id=?")
		args = append(args, f.CardID)
	}
	if len(f.EventTypes) > 0 {
		clauses = append(clauses, inClause("event_type", len(f.EventTypes)))
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.From != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "created_at<=?")
		args = append(args, f.To)
	}
	clauses, args = cursorClause(clauses, args, f.CursorCreatedAt, f.CursorID)
	query := `SELECT ` + historyColumns + ` FROM resource_work_history WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkHistoryEntry
	for rows.Next() {
		var h domain.WorkHistoryEntry
		var resource, correction, task, card sql.NullString
		var impact sql.NullFloat64
		if err := rows.Scan(&h.ID, &h.OrgID, &resource, &h.UserID, &correction, &task, &card, &h.EventType, &h.Summary, &impact, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.ResourceID = strPtr(resource)
		h.CorrectionID = strPtr(correction)
		h.TaskID = strPtr(task)
		h.CardID = strPtr(card)
		if impact.Valid {
			v := impact.Float64
			h.ImpactScore = &v
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
