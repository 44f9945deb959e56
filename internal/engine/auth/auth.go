package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Permissions checked by the engine and the HTTP layer.
const (
	PermCardRead          = "card.read"
	PermCardWrite         = "card.write"
	PermCardAdvance       = "card.advance"
	PermCardOverride      = "card.override"
	PermTaskWrite         = "task.write"
	PermTemplateRead      = "template.read"
	PermTemplateWrite     = "template.write"
	PermCorrectionCreate  = "correction.create"
	PermCorrectionReview  = "correction.review"
	PermCorrectionReadAll = "correction.read_all"
	PermCorrectionAdmin   = "correction.admin"
	PermHistoryRead       = "history.read"
	PermHistoryExport     = "history.export"
	PermAlertRead         = "alert.read"
	PermAlertWrite        = "alert.write"
	PermEventsRead        = "events.read"
	PermRBACManage        = "rbac.manage"
	PermAPIKeyManage      = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("forbidden: %s", e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var n int
	err := s.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		orgID, actorID, perm).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, orgID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=? ORDER BY role_id`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=? ORDER BY rp.permission_id`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
