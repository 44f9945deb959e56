package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/db"
	"prodline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestWorkHistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES ('o1','o1','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO resource_work_history(id,org_id,user_id,event_type,summary,created_at)
VALUES ('h1','o1','u1','correction_received','x','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE resource_work_history SET summary='y' WHERE id='h1'`)
	require.Error(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM resource_work_history WHERE id='h1'`)
	require.Error(t, err)
}

func TestSingleDefaultTemplatePerApplicability(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES ('o1','o1','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	insert := `INSERT INTO production_templates(id,org_id,name,applicability_key,is_default,created_by,created_at,updated_at)
VALUES (?,?,?,?,1,'u','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`
	_, err = conn.ExecContext(ctx, insert, "t1", "o1", "a", "purchase|")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, insert, "t2", "o1", "b", "refinance|")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, insert, "t3", "o1", "c", "purchase|")
	require.Error(t, err)
}
