package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"prodline/internal/domain"
)

const cardColumns = `id,org_id,order_id,order_number,order_type,property_type,template_id,current_stage,previous_stage,
processed_stages,priority,due_date,hold_reason,cancelled_reason,stage_entered_at,started_at,completed_at,metadata_json,
created_by,created_at,updated_at`

func scanCard(s scanner) (domain.Card, error) {
	var c domain.Card
	var orderNumber, orderType, propertyType, templateID, previous, dueDate, hold, cancelled, started, completed sql.NullString
	var processed, meta string
	err := s.Scan(&c.ID, &c.OrgID, &c.OrderID, &orderNumber, &orderType, &propertyType, &templateID, &c.CurrentStage, &previous,
		&processed, &c.Priority, &dueDate, &hold, &cancelled, &c.StageEnteredAt, &started, &completed, &meta,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.OrderNumber = orderNumber.String
	c.OrderType = orderType.String
	c.PropertyType = propertyType.String
	c.TemplateID = strPtr(templateID)
	c.PreviousStage = stagePtr(previous)
	c.DueDate = strPtr(dueDate)
	c.HoldReason = strPtr(hold)
	c.CancelledReason = strPtr(cancelled)
	c.StartedAt = strPtr(started)
	c.CompletedAt = strPtr(completed)
	if c.ProcessedStages, err = decodeList[domain.Stage](processed); err != nil {
		return c, err
	}
	if c.Metadata, err = domain.ParseMetadata(meta); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO production_cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.OrderID, nullable(c.OrderNumber), nullable(c.OrderType), nullable(c.PropertyType), nullableStringPtr(c.TemplateID),
		string(c.CurrentStage), stageArg(c.PreviousStage), encodeList(c.ProcessedStages), c.Priority, nullableStringPtr(c.DueDate),
		nullableStringPtr(c.HoldReason), nullableStringPtr(c.CancelledReason), c.StageEnteredAt, nullableStringPtr(c.StartedAt),
		nullableStringPtr(c.CompletedAt), meta, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	return err
}

func stageArg(s *domain.Stage) any {
	if s == nil || *s == "" {
		return nil
	}
	return string(*s)
}

// GetCard loads a card scoped to its org. Cross-tenant lookups return ErrNotFound.
func (r Repo) GetCard(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Card, error) {
	return scanCard(r.on(tx).QueryRowContext(ctx, `SELECT `+cardColumns+` FROM production_cards WHERE id=? AND org_id=?`, id, orgID))
}

// UpdateCardStage writes a stage change guarded by the expected current stage.
// It reports false when another writer moved the card first.
func (r Repo) UpdateCardStage(ctx context.Context, tx *sql.Tx, c domain.Card, expected domain.Stage) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_cards SET current_stage=?, previous_stage=?, processed_stages=?, stage_entered_at=?,
started_at=?, completed_at=?, hold_reason=?, cancelled_reason=?, updated_at=?
WHERE id=? AND org_id=? AND current_stage=?`,
		string(c.CurrentStage), stageArg(c.PreviousStage), encodeList(c.ProcessedStages), c.StageEnteredAt,
		nullableStringPtr(c.StartedAt), nullableStringPtr(c.CompletedAt), nullableStringPtr(c.HoldReason), nullableStringPtr(c.CancelledReason),
		c.UpdatedAt, c.ID, c.OrgID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateCardDetails writes the mutable non-stage fields.
func (r Repo) UpdateCardDetails(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_cards SET priority=?, due_date=?, metadata_json=?, template_id=?, updated_at=? WHERE id=? AND org_id=?`,
		c.Priority, nullableStringPtr(c.DueDate), meta, nullableStringPtr(c.TemplateID), c.UpdatedAt, c.ID, c.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CardFilters struct {
	OrgID           string
	Stages          []domain.Stage
	Priority        string
	OrderID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	if f.OrgID == "" {
		return nil, fmt.Errorf("org_id required")
	}
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if len(f.Stages) > 0 {
		clauses = append(clauses, inClause("current_stage", len(f.Stages)))
		for _, s := range f.Stages {
			args = append(args, string(s))
		}
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	clauses, args = cursorClause(clauses, args, f.CursorCreatedAt, f.CursorID)
	query := `SELECT ` + cardColumns + ` FROM production_cards WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCardTasks returns total and completed task counts for a card.
func (r Repo) CountCardTasks(ctx context.Context, tx *sql.Tx, cardID string) (total, completed int, err error) {
	err = r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0)
FROM production_tasks WHERE card_id=?`, cardID).Scan(&total, &completed)
	return total, completed, err
}

// ActiveCardsForScan returns cards that can still breach an SLA.
func (r Repo) ActiveCardsForScan(ctx context.Context, orgID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM production_cards
WHERE org_id=? AND current_stage NOT IN ('WORKFILE','CANCELLED') ORDER BY stage_entered_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
