package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"prodline/internal/config"
	"prodline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// on picks the transaction when present so reads see the caller's writes.
func (r Repo) on(tx *sql.Tx) executor {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func stagePtr(ns sql.NullString) *domain.Stage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := domain.Stage(ns.String)
	return &s
}

func encodeList[T ~string](vals []T) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(vals)
	return string(b)
}

func decodeList[T ~string](raw string) ([]T, error) {
	out := []T{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

func encodeMetadata(m domain.Metadata) (string, error) {
	return m.JSON()
}

// cursorClause appends the keyset condition for DESC (created_at, id) pagination.
func cursorClause(clauses []string, args []any, createdAt, id string) ([]string, []any) {
	if createdAt == "" || id == "" {
		return clauses, args
	}
	clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
	args = append(args, createdAt, createdAt, id)
	return clauses, args
}

func inClause(column string, n int) string {
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func (r Repo) GetOrg(ctx context.Context, tx *sql.Tx, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// SingleOrg returns the only org in the database.
func (r Repo) SingleOrg(ctx context.Context) (domain.Organization, error) {
	orgs, err := r.ListOrgs(ctx)
	if err != nil {
		return domain.Organization{}, err
	}
	if len(orgs) == 0 {
		return domain.Organization{}, ErrNotFound
	}
	if len(orgs) > 1 {
		return domain.Organization{}, fmt.Errorf("multiple orgs exist; specify --org")
	}
	return orgs[0], nil
}

func (r Repo) UpsertOrgConfig(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO org_configs(org_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, orgID, string(payload), now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, tx *sql.Tx, orgID string) (*config.Config, error) {
	var payload string
	err := r.on(tx).QueryRowContext(ctx, `SELECT config_yaml FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("org %s config: %w", orgID, err)
	}
	return cfg, nil
}
