package prodlinesdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/engine"
	"prodline/internal/migrate"
	"prodline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := engine.New(conn, nil)
	_, err = e.InitOrg(ctx, "org-1", "Acme Appraisals", "owner", config.Default("org-1"))
	require.NoError(t, err)
	_, err = e.SeedDefaultTemplate(ctx, "org-1", "owner")
	require.NoError(t, err)
	key, _, err := e.CreateAPIKey(ctx, "org-1", "owner", "", "sdk")
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	c.APIKey = key
	return c
}

func TestCardsAndCorrections(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	card, err := c.CreateCard(ctx, CreateCardRequest{OrderID: "ord-1", OrderNumber: "A-100"})
	require.NoError(t, err)
	assert.Equal(t, "INTAKE", card.CurrentStage)

	ready, err := c.Readiness(ctx, card.ID)
	require.NoError(t, err)
	assert.False(t, ready.Ready)
	assert.Equal(t, 3, ready.RequiredTotal)

	tasks, err := c.CardTasks(ctx, card.ID, "INTAKE")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		done, err := c.CompleteTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "completed", done.Status)
	}

	moved, err := c.AdvanceStage(ctx, card.ID, AdvanceRequest{Stage: "SCHEDULING", ExpectedStage: "INTAKE"})
	require.NoError(t, err)
	assert.Equal(t, "SCHEDULING", moved.CurrentStage)

	_, err = c.AdvanceStage(ctx, card.ID, AdvanceRequest{Stage: "SCHEDULED", ExpectedStage: "INTAKE"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "concurrent_modification", apiErr.Code)

	corr, err := c.CreateCorrection(ctx, CreateCorrectionRequest{CardID: card.ID, Description: "comps missing", AssignedTo: "owner", Severity: "major"})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", corr.Status)
	assert.Equal(t, "SCHEDULING", corr.PreviousStage)

	detail, err := c.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "CORRECTION", detail.CurrentStage)

	_, err = c.UpdateCorrection(ctx, corr.ID, CorrectionAction{Action: "complete", ResolutionNotes: "added comps"})
	require.NoError(t, err)
	res, err := c.UpdateCorrection(ctx, corr.ID, CorrectionAction{Action: "approve"})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Correction.Status)
	require.NotNil(t, res.Card)
	assert.Equal(t, "SCHEDULING", res.Card.CurrentStage)

	page, err := c.ListCorrections(ctx, []string{"approved"}, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	history, err := c.WorkHistory(ctx, "owner", 10, "")
	require.NoError(t, err)
	assert.NotEmpty(t, history.Items)

	book, err := c.ExportWorkHistory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "PK", string(book[:2]))

	metrics, err := c.ProductionMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Active)
	assert.Nil(t, metrics.AvgTurnTime1Week)

	events, _, err := c.EventsPage(ctx, 5, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestUnauthenticatedCallsFail(t *testing.T) {
	c := newClient(t)
	c.APIKey = ""
	_, err := c.ListCards(context.Background(), CardQuery{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
