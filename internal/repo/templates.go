package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"prodline/internal/domain"
)

const templateColumns = `id,org_id,name,description,applicable_order_types,applicable_property_types,is_default,is_active,created_by,created_at,updated_at`

// ApplicabilityKey canonicalizes the applicability lists so equal combinations compare equal.
func ApplicabilityKey(orderTypes, propertyTypes []string) string {
	norm := func(vals []string) string {
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				out = append(out, v)
			}
		}
		sort.Strings(out)
		return strings.Join(out, ",")
	}
	return norm(orderTypes) + "|" + norm(propertyTypes)
}

func scanTemplate(s scanner) (domain.Template, error) {
	var t domain.Template
	var description sql.NullString
	var orderTypes, propertyTypes string
	var isDefault, isActive int
	err := s.Scan(&t.ID, &t.OrgID, &t.Name, &description, &orderTypes, &propertyTypes, &isDefault, &isActive, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.IsDefault = isDefault == 1
	t.IsActive = isActive == 1
	if t.ApplicableOrderTypes, err = decodeList[string](orderTypes); err != nil {
		return t, err
	}
	if t.ApplicablePropertyTypes, err = decodeList[string](propertyTypes); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO production_templates(`+templateColumns+`,applicability_key) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Name, nullable(t.Description), encodeList(t.ApplicableOrderTypes), encodeList(t.ApplicablePropertyTypes),
		boolInt(t.IsDefault), boolInt(t.IsActive), t.CreatedBy, t.CreatedAt, t.UpdatedAt,
		ApplicabilityKey(t.ApplicableOrderTypes, t.ApplicablePropertyTypes))
	return err
}

func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_templates SET name=?, description=?, applicable_order_types=?, applicable_property_types=?,
applicability_key=?, is_default=?, is_active=?, updated_at=? WHERE id=? AND org_id=?`,
		t.Name, nullable(t.Description), encodeList(t.ApplicableOrderTypes), encodeList(t.ApplicablePropertyTypes),
		ApplicabilityKey(t.ApplicableOrderTypes, t.ApplicablePropertyTypes), boolInt(t.IsDefault), boolInt(t.IsActive), t.UpdatedAt,
		t.ID, t.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDefaults unsets is_default on every other template sharing the applicability key.
func (r Repo) ClearDefaults(ctx context.Context, tx *sql.Tx, orgID, key, exceptID, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE production_templates SET is_default=0, updated_at=?
WHERE org_id=? AND applicability_key=? AND is_default=1 AND id<>?`, now, orgID, key, exceptID)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Template, error) {
	return scanTemplate(r.on(tx).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM production_templates WHERE id=? AND org_id=?`, id, orgID))
}

type TemplateFilters struct {
	OrgID      string
	ActiveOnly bool
	Defaults   bool
}

// ListTemplates returns newest first.
func (r Repo) ListTemplates(ctx context.Context, tx *sql.Tx, f TemplateFilters) ([]domain.Template, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	if f.Defaults {
		clauses = append(clauses, "is_default=1")
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+templateColumns+` FROM production_templates WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTemplateTask(ctx context.Context, tx *sql.Tx, t domain.TemplateTask) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO template_tasks(id,template_id,stage,title,description,role,estimated_minutes,is_required,sort_order,parent_template_task_id)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TemplateID, string(t.Stage), t.Title, nullable(t.Description), t.Role, t.EstimatedMinutes, boolInt(t.IsRequired),
		t.SortOrder, nullableStringPtr(t.ParentID))
	return err
}

// ListTemplateTasks returns the template's tasks, optionally for one stage, in sort order.
func (r Repo) ListTemplateTasks(ctx context.Context, tx *sql.Tx, templateID string, stage domain.Stage) ([]domain.TemplateTask, error) {
	query := `SELECT id,template_id,stage,title,description,role,estimated_minutes,is_required,sort_order,parent_template_task_id
FROM template_tasks WHERE template_id=?`
	args := []any{templateID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY stage, sort_order, id`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateTask
	for rows.Next() {
		var t domain.TemplateTask
		var description, parent sql.NullString
		var required int
		if err := rows.Scan(&t.ID, &t.TemplateID, &t.Stage, &t.Title, &description, &t.Role, &t.EstimatedMinutes, &required, &t.SortOrder, &parent); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.IsRequired = required == 1
		t.ParentID = strPtr(parent)
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextTemplateSortOrder returns one past the highest sort_order used for the stage.
func (r Repo) NextTemplateSortOrder(ctx context.Context, tx *sql.Tx, templateID string, stage domain.Stage) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order),-1)+1 FROM template_tasks WHERE template_id=? AND stage=?`, templateID, string(stage)).Scan(&n)
	return n, err
}
