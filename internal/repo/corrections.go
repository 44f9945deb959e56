package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"prodline/internal/domain"
)

const correctionColumns = `id,org_id,production_card_id,source_task_id,case_id,request_type,status,severity,category,description,previous_stage,
assigned_to,reviewer_id,requested_by,resolution_notes,reviewer_notes,resolved_at,ai_summary,parent_correction_id,created_at,updated_at`

func scanCorrection(s scanner) (domain.Correction, error) {
	var c domain.Correction
	var sourceTask, caseID, assigned, reviewer, resolution, reviewerNotes, resolvedAt, summary, parent sql.NullString
	err := s.Scan(&c.ID, &c.OrgID, &c.CardID, &sourceTask, &caseID, &c.RequestType, &c.Status, &c.Severity, &c.Category, &c.Description,
		&c.PreviousStage, &assigned, &reviewer, &c.RequestedBy, &resolution, &reviewerNotes, &resolvedAt, &summary, &parent,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.SourceTaskID = strPtr(sourceTask)
	c.CaseID = strPtr(caseID)
	c.AssignedTo = strPtr(assigned)
	c.ReviewerID = strPtr(reviewer)
	c.ResolutionNotes = strPtr(resolution)
	c.ReviewerNotes = strPtr(reviewerNotes)
	c.ResolvedAt = strPtr(resolvedAt)
	c.AISummary = strPtr(summary)
	c.ParentCorrectionID = strPtr(parent)
	return c, nil
}

func (r Repo) InsertCorrection(ctx context.Context, tx *sql.Tx, c domain.Correction) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO correction_requests(`+correctionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.CardID, nullableStringPtr(c.SourceTaskID), nullableStringPtr(c.CaseID), c.RequestType, c.Status, c.Severity,
		c.Category, c.Description, string(c.PreviousStage), nullableStringPtr(c.AssignedTo), nullableStringPtr(c.ReviewerID),
		c.RequestedBy, nullableStringPtr(c.ResolutionNotes), nullableStringPtr(c.ReviewerNotes), nullableStringPtr(c.ResolvedAt),
		nullableStringPtr(c.AISummary), nullableStringPtr(c.ParentCorrectionID), c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCorrection persists lifecycle fields guarded by the status read in the same transaction.
// previous_stage, request_type and the card link are never rewritten.
func (r Repo) UpdateCorrection(ctx context.Context, tx *sql.Tx, c domain.Correction, expectedStatus string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE correction_requests SET status=?, severity=?, category=?, assigned_to=?, reviewer_id=?,
resolution_notes=?, reviewer_notes=?, resolved_at=?, updated_at=? WHERE id=? AND org_id=? AND status=?`,
		c.Status, c.Severity, c.Category, nullableStringPtr(c.AssignedTo), nullableStringPtr(c.ReviewerID),
		nullableStringPtr(c.ResolutionNotes), nullableStringPtr(c.ReviewerNotes), nullableStringPtr(c.ResolvedAt), c.UpdatedAt,
		c.ID, c.OrgID, expectedStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetCorrection(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Correction, error) {
	return scanCorrection(r.on(tx).QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM correction_requests WHERE id=? AND org_id=?`, id, orgID))
}

// OpenCorrectionForCard returns the newest non-terminal correction on a card.
func (r Repo) OpenCorrectionForCard(ctx context.Context, tx *sql.Tx, orgID, cardID string) (domain.Correction, error) {
	return scanCorrection(r.on(tx).QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM correction_requests
WHERE org_id=? AND production_card_id=? AND status NOT IN ('approved','rejected') ORDER BY created_at DESC, id DESC LIMIT 1`, orgID, cardID))
}

type CorrectionFilters struct {
	OrgID       string
	Status      []string
	RequestType string
	AssignedTo  string
	ReviewerID  string
	RequestedBy string
	// Involving matches assignee, reviewer or requester.
	Involving       string
	CardID          string
	CaseID          string
	Severity        string
	Category        string
	From            string
	To              string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCorrections(ctx context.Context, f CorrectionFilters) ([]domain.Correction, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if len(f.Status) > 0 {
		clauses = append(clauses, inClause("status", len(f.Status)))
		for _, s := range f.Status {
			args = append(args, s)
		}
	}
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	eq("request_type", f.RequestType)
	eq("assigned_to", f.AssignedTo)
	eq("reviewer_id", f.ReviewerID)
	eq("requested_by", f.RequestedBy)
	eq("production_card_id", f.CardID)
	eq("case_id", f.CaseID)
	eq("severity", f.Severity)
	eq("category", f.Category)
	if f.Involving != "" {
		clauses = append(clauses, "(assigned_to=? OR reviewer_id=? OR requested_by=?)")
		args = append(args, f.Involving, f.Involving, f.Involving)
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
	query := `SELECT ` + correctionColumns + ` FROM correction_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CorrectionStats counts corrections by status plus the actor's own queues.
func (r Repo) CorrectionStats(ctx context.Context, orgID, actorID string) (domain.CorrectionStats, error) {
	var s domain.CorrectionStats
	err := r.DB.QueryRowContext(ctx, `SELECT
COUNT(*),
COALESCE(SUM(status='pending'),0),
COALESCE(SUM(status='in_progress'),0),
COALESCE(SUM(status='review'),0),
COALESCE(SUM(status='approved'),0),
COALESCE(SUM(status='rejected'),0),
COALESCE(SUM(assigned_to=? AND status IN ('pending','in_progress')),0),
COALESCE(SUM(reviewer_id=? AND status='review'),0)
FROM correction_requests WHERE org_id=?`, actorID, actorID, orgID).
		Scan(&s.Total, &s.Pending, &s.InProgress, &s.Review, &s.Approved, &s.Rejected, &s.MyPending, &s.MyReviews)
	return s, err
}
