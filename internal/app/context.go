package app

import (
	"context"
	"errors"
	"fmt"

	"prodline/internal/config"
	"prodline/internal/engine"
	"prodline/internal/repo"
)

// ResolveOrg picks the active org and its stored config. It prefers the override, then the
// workspace's only org. An unknown override is provisioned on the fly with the default config
// and starter template, owned by actorID.
func ResolveOrg(ctx context.Context, e engine.Engine, orgOverride, actorID string) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		org, err := e.Repo.SingleOrg(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("org not specified; use --org or run `pl org init`")
		}
		orgID = org.ID
	}
	if _, err := e.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := Provision(ctx, e, orgID, "", actorID, nil, true); err != nil {
			return "", nil, err
		}
	}
	cfg, err := e.OrgConfig(ctx, orgID)
	if err != nil {
		return "", nil, err
	}
	return orgID, cfg, nil
}

// Provision creates the org with cfg (the default config when nil), optionally seeding the
// starter template.
func Provision(ctx context.Context, e engine.Engine, orgID, name, actorID string, cfg *config.Config, seed bool) error {
	if actorID == "" {
		actorID = "local-user"
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	cfg.Org.ID = orgID
	if _, err := e.InitOrg(ctx, orgID, name, actorID, cfg); err != nil {
		return fmt.Errorf("init org: %w", err)
	}
	if !seed {
		return nil
	}
	if _, err := e.SeedDefaultTemplate(ctx, orgID, actorID); err != nil {
		return fmt.Errorf("seed template: %w", err)
	}
	return nil
}
