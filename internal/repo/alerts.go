package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"prodline/internal/domain"
)

const alertColumns = `id,org_id,production_card_id,task_id,alert_type,severity,message,stage,is_resolved,resolved_at,resolved_by,resolution_notes,metadata_json,created_at`

func scanAlert(s scanner) (domain.Alert, error) {
	var a domain.Alert
	var card, task, stage, resolvedAt, resolvedBy, notes sql.NullString
	var resolved int
	var meta string
	err := s.Scan(&a.ID, &a.OrgID, &card, &task, &a.AlertType, &a.Severity, &a.Message, &stage, &resolved, &resolvedAt, &resolvedBy, &notes, &meta, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CardID = strPtr(card)
	a.TaskID = strPtr(task)
	a.Stage = stagePtr(stage)
	a.IsResolved = resolved == 1
	a.ResolvedAt = strPtr(resolvedAt)
	a.ResolvedBy = strPtr(resolvedBy)
	a.ResolutionNotes = strPtr(notes)
	if a.Metadata, err = domain.ParseMetadata(meta); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO production_alerts(`+alertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, nullableStringPtr(a.CardID), nullableStringPtr(a.TaskID), a.AlertType, a.Severity, a.Message, stageArg(a.Stage),
		boolInt(a.IsResolved), nullableStringPtr(a.ResolvedAt), nullableStringPtr(a.ResolvedBy), nullableStringPtr(a.ResolutionNotes),
		meta, a.CreatedAt)
	return err
}

func (r Repo) GetAlert(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Alert, error) {
	return scanAlert(r.on(tx).QueryRowContext(ctx, `SELECT `+alertColumns+` FROM production_alerts WHERE id=? AND org_id=?`, id, orgID))
}

// ResolveAlert marks an open alert resolved. It reports false when the alert was already resolved.
func (r Repo) ResolveAlert(ctx context.Context, tx *sql.Tx, orgID, id, actorID, notes, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_alerts SET is_resolved=1, resolved_at=?, resolved_by=?, resolution_notes=?
WHERE id=? AND org_id=? AND is_resolved=0`, now, actorID, nullable(notes), id, orgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// HasOpenAlert reports whether the card already carries an unresolved alert of the type for the stage.
func (r Repo) HasOpenAlert(ctx context.Context, tx *sql.Tx, orgID, cardID, alertType string, stage domain.Stage) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM production_alerts
WHERE org_id=? AND production_card_id=? AND alert_type=? AND COALESCE(stage,'')=? AND is_resolved=0`,
		orgID, cardID, alertType, string(stage)).Scan(&n)
	return n > 0, err
}

type AlertFilters struct {
	OrgID     string
	CardID    string
	AlertType string
	Severity  string
	Open      *bool
	Limit     int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.CardID != "" {
		clauses = append(clauses, "production_card_id=?")
		args = append(args, f.CardID)
	}
	if f.AlertType != "" {
		clauses = append(clauses, "alert_type=?")
		args = append(args, f.AlertType)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Open != nil {
		clauses = append(clauses, "is_resolved=?")
		args = append(args, boolInt(!*f.Open))
	}
	query := `SELECT ` + alertColumns + ` FROM production_alerts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
