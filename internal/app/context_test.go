package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/db"
	"prodline/internal/engine"
	"prodline/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return engine.New(conn, nil)
}

func TestResolveOrgNeedsAnOrg(t *testing.T) {
	_, _, err := ResolveOrg(context.Background(), newEngine(t), "", "ann")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org not specified")
}

func TestResolveOrgProvisionsOverride(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	orgID, cfg, err := ResolveOrg(ctx, e, "acme", "ann")
	require.NoError(t, err)
	assert.Equal(t, "acme", orgID)
	assert.Equal(t, "acme", cfg.Org.ID)

	who, err := e.WhoAmI(ctx, "acme", "ann")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, who.Roles)
	tpls, err := e.ListTemplates(ctx, "acme", true)
	require.NoError(t, err)
	assert.Len(t, tpls, 1)

	// the only org is picked without an override
	orgID, _, err = ResolveOrg(ctx, e, "", "ann")
	require.NoError(t, err)
	assert.Equal(t, "acme", orgID)
}

func TestProvisionWithoutSeed(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, Provision(ctx, e, "bare", "Bare Org", "", nil, false))

	org, err := e.GetOrg(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, "Bare Org", org.Name)
	tpls, err := e.ListTemplates(ctx, "bare", false)
	require.NoError(t, err)
	assert.Empty(t, tpls)
	who, err := e.WhoAmI(ctx, "bare", "local-user")
	require.NoError(t, err)
	assert.Contains(t, who.Roles, "owner")
}
