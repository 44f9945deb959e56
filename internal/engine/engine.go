package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"prodline/internal/activity"
	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Activity activity.Logger
	// Config is the fallback used for orgs that have no stored config.
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Activity: activity.NewSQLLogger(r),
		Config:   cfg,
		Log:      zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// orgConfig loads the org's stored config, falling back to the engine default.
func (e Engine) orgConfig(ctx context.Context, tx *sql.Tx, orgID string) (*config.Config, error) {
	cfg, err := e.Repo.GetOrgConfig(ctx, tx, orgID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil {
		return e.Config, nil
	}
	return config.Default(orgID), nil
}

// OrgConfig returns the effective config for an org.
func (e Engine) OrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	return e.orgConfig(ctx, nil, orgID)
}

func (e Engine) GetOrg(ctx context.Context, orgID string) (domain.Organization, error) {
	return e.Repo.GetOrg(ctx, nil, orgID)
}

func (e Engine) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	return e.Repo.ListOrgs(ctx)
}

// logActivity records an order activity after commit. Failures never reach the caller.
func (e Engine) logActivity(ctx context.Context, card domain.Card, activityType, description string, meta domain.Metadata, actorID string) {
	if e.Activity == nil {
		return
	}
	if err := e.Activity.LogOrderActivity(ctx, card.OrderID, card.OrgID, activityType, description, meta, actorID); err != nil {
		e.log().Warn("order activity not recorded",
			zap.String("org_id", card.OrgID),
			zap.String("order_id", card.OrderID),
			zap.String("activity_type", activityType),
			zap.Error(err))
	}
}

// InitOrg creates an org with its config and RBAC catalog and makes actorID its owner.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string, cfg *config.Config) (domain.Organization, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return domain.Organization{}, invalid("org_id", "required")
	}
	if actorID == "" {
		return domain.Organization{}, invalid("actor_id", "required")
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	if name != "" {
		cfg.Org.Name = name
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, cfg.Org.Name, now); err != nil {
		return domain.Organization{}, fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.UpsertOrgConfig(ctx, tx, orgID, cfg); err != nil {
		return domain.Organization{}, fmt.Errorf("store org config: %w", err)
	}
	if err := e.syncRoles(ctx, tx, cfg); err != nil {
		return domain.Organization{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Organization{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return domain.Organization{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.events().Append(ctx, tx, "org.init", orgID, "org", orgID, actorID, events.EventPayload{"name": cfg.Org.Name}); err != nil {
		return domain.Organization{}, err
	}
	org, err := e.Repo.GetOrg(ctx, tx, orgID)
	if err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return org, nil
}

// UpdateOrgConfig replaces the org config and re-syncs the role catalog.
func (e Engine) UpdateOrgConfig(ctx context.Context, orgID, actorID string, cfg *config.Config) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetOrg(ctx, tx, orgID); err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, tx, orgID, actorID, auth.PermRBACManage); err != nil {
		return err
	}
	if err := e.Repo.UpsertOrgConfig(ctx, tx, orgID, cfg); err != nil {
		return err
	}
	if err := e.syncRoles(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, "org.config.updated", orgID, "org", orgID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) syncRoles(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	for _, perm := range cfg.Permissions() {
		if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("insert permission %s: %w", perm, err)
		}
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("role %s permission %s: %w", roleID, perm, err)
			}
		}
	}
	return nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
