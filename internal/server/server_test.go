package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/migrate"
	"prodline/internal/repo"
	"prodline/internal/report"
)

const (
	testOrg    = "org-1"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := engine.New(conn, nil)
	_, err = e.InitOrg(ctx, testOrg, "Acme Appraisals", "owner", config.Default(testOrg))
	require.NoError(t, err)
	_, err = e.SeedDefaultTemplate(ctx, testOrg, "owner")
	require.NoError(t, err)
	require.NoError(t, e.GrantRole(ctx, testOrg, "owner", "vic", "viewer"))
	require.NoError(t, e.GrantRole(ctx, testOrg, "owner", "rita", "reviewer"))

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, AllowDevHeaders: true}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v1", Engine: e, client: &http.Client{}}
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor, "X-Org-Id": testOrg}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) decode(t *testing.T, method, path string, body any, headers map[string]string, status int, out any) {
	t.Helper()
	res, data := s.do(t, method, path, body, headers)
	require.Equal(t, status, res.StatusCode, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Code
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	res, _ := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, http.MethodGet, "/cards", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/cards", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, _ = srv.do(t, http.MethodGet, "/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCardLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	owner := as("owner")

	var card domain.Card
	srv.decode(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1", "order_number": "A-100", "priority": "high"}, owner, http.StatusCreated, &card)
	assert.Equal(t, domain.StageIntake, card.CurrentStage)
	assert.Equal(t, domain.PriorityHigh, card.Priority)

	res, data := srv.do(t, http.MethodPost, "/cards/"+card.ID+"/advance", map[string]any{"stage": "SCHEDULING"}, owner)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "incomplete_required_tasks", errorCode(t, data))

	var tasks []domain.Task
	srv.decode(t, http.MethodGet, "/cards/"+card.ID+"/tasks?stage=INTAKE", nil, owner, http.StatusOK, &tasks)
	require.NotEmpty(t, tasks)
	for _, task := range tasks {
		var done domain.Task
		srv.decode(t, http.MethodPost, "/tasks/"+task.ID+"/complete", nil, owner, http.StatusOK, &done)
		assert.Equal(t, domain.TaskCompleted, done.Status)
	}

	srv.decode(t, http.MethodPatch, "/cards/"+card.ID, map[string]any{"stage": "SCHEDULING", "expected_stage": "INTAKE", "priority": "urgent"}, owner, http.StatusOK, &card)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)
	assert.Equal(t, domain.PriorityUrgent, card.Priority)

	res, data = srv.do(t, http.MethodPost, "/cards/"+card.ID+"/advance", map[string]any{"stage": "SCHEDULED", "expected_stage": "INTAKE"}, owner)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "concurrent_modification", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/cards/"+card.ID+"/advance", map[string]any{"stage": "DELIVERED"}, owner)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	var detail engine.CardDetail
	srv.decode(t, http.MethodGet, "/cards/"+card.ID, nil, owner, http.StatusOK, &detail)
	assert.Equal(t, domain.StageScheduling, detail.CurrentStage)
	assert.Contains(t, detail.Allowed, domain.StageScheduled)

	srv.decode(t, http.MethodPost, "/cards/"+card.ID+"/hold", map[string]any{"reason": "waiting on client"}, owner, http.StatusOK, &card)
	assert.Equal(t, domain.StageOnHold, card.CurrentStage)
	srv.decode(t, http.MethodPost, "/cards/"+card.ID+"/resume", nil, owner, http.StatusOK, &card)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)

	var page paginatedCards
	srv.decode(t, http.MethodGet, "/cards?stage=SCHEDULING", nil, owner, http.StatusOK, &page)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/cards?stage=NOPE", nil, owner)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestRejectedPatchChangesNothing(t *testing.T) {
	srv := newTestServer(t)
	owner := as("owner")

	var card domain.Card
	srv.decode(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1"}, owner, http.StatusCreated, &card)

	res, data := srv.do(t, http.MethodPatch, "/cards/"+card.ID, map[string]any{"stage": "SCHEDULING", "priority": "urgent"}, owner)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "incomplete_required_tasks", errorCode(t, data))

	res, data = srv.do(t, http.MethodPatch, "/cards/"+card.ID, map[string]any{"stage": "SCHEDULING", "expected_stage": "SCHEDULED", "due_date": "2030-01-02"}, owner)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	// reviewers may advance but not edit fields
	res, data = srv.do(t, http.MethodPatch, "/cards/"+card.ID, map[string]any{"stage": "SCHEDULING", "priority": "low"}, as("rita"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	var detail engine.CardDetail
	srv.decode(t, http.MethodGet, "/cards/"+card.ID, nil, owner, http.StatusOK, &detail)
	assert.Equal(t, domain.StageIntake, detail.CurrentStage)
	assert.Equal(t, domain.PriorityNormal, detail.Priority)
	assert.Nil(t, detail.DueDate)

	evts, err := srv.Engine.ListEvents(context.Background(), repo.EventFilters{OrgID: testOrg, EntityID: card.ID}, 100, 0)
	require.NoError(t, err)
	for _, evt := range evts {
		assert.NotEqual(t, "card.updated", evt.Type)
	}
}

func TestProductionMetrics(t *testing.T) {
	srv := newTestServer(t)
	owner := as("owner")
	srv.decode(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1", "due_date": "2000-01-01"}, owner, http.StatusCreated, nil)

	var m domain.ProductionMetrics
	srv.decode(t, http.MethodGet, "/production/metrics", nil, as("vic"), http.StatusOK, &m)
	assert.Equal(t, testOrg, m.OrgID)
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, 1, m.Overdue)
	assert.Nil(t, m.AvgTurnTime30Days)

	res, _ := srv.do(t, http.MethodGet, "/production/metrics", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestValidationAndPermissionErrors(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/cards", map[string]any{"order_id": "  "}, as("owner"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "validation_error", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1"}, as("vic"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, _ = srv.do(t, http.MethodGet, "/cards", nil, as("vic"))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/cards/missing", nil, as("owner"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestCardsAreScopedToTheCallersOrg(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.Engine.InitOrg(ctx, "org-2", "Other", "owner-2", config.Default("org-2"))
	require.NoError(t, err)

	var card domain.Card
	srv.decode(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1"}, as("owner"), http.StatusCreated, &card)

	other := map[string]string{"X-Actor-Id": "owner-2", "X-Org-Id": "org-2"}
	res, _ := srv.do(t, http.MethodGet, "/cards/"+card.ID, nil, other)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	var page paginatedCards
	srv.decode(t, http.MethodGet, "/cards", nil, other, http.StatusOK, &page)
	assert.Empty(t, page.Items)
}

func TestJWTAndAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)

	var login DevLoginResponse
	srv.decode(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "rita", "org_id": testOrg}, nil, http.StatusOK, &login)
	require.NotEmpty(t, login.Token)

	var who engine.WhoAmI
	srv.decode(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + login.Token}, http.StatusOK, &who)
	assert.Equal(t, "rita", who.ActorID)
	assert.Equal(t, []string{"reviewer"}, who.Roles)

	var created CreatedAPIKeyResponse
	srv.decode(t, http.MethodPost, "/api-keys", map[string]any{"name": "ci"}, as("owner"), http.StatusCreated, &created)
	require.NotEmpty(t, created.Key)

	srv.decode(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": created.Key}, http.StatusOK, &who)
	assert.Equal(t, "owner", who.ActorID)
	assert.Equal(t, testOrg, who.OrgID)

	res, data := srv.do(t, http.MethodPost, "/api-keys", map[string]any{"actor_id": "owner"}, as("rita"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, _ = srv.do(t, http.MethodDelete, "/api-keys/"+created.APIKey.ID, nil, as("owner"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": created.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCorrectionFlowAndExport(t *testing.T) {
	srv := newTestServer(t)
	owner := as("owner")

	var card domain.Card
	srv.decode(t, http.MethodPost, "/cards", map[string]any{"order_id": "o-1"}, owner, http.StatusCreated, &card)

	var c domain.Correction
	srv.decode(t, http.MethodPost, "/corrections", map[string]any{
		"production_card_id": card.ID, "description": "Comparable 2 has the wrong GLA", "reviewer_id": "rita",
	}, owner, http.StatusCreated, &c)
	assert.Equal(t, domain.CorrectionPending, c.Status)

	var card2 domain.Card
	srv.decode(t, http.MethodGet, "/cards/"+card.ID, nil, owner, http.StatusOK, &card2)
	assert.Equal(t, domain.StageCorrection, card2.CurrentStage)

	var step CorrectionTransitionResponse
	srv.decode(t, http.MethodPatch, "/corrections/"+c.ID, map[string]any{"action": "assign", "assigned_to": "owner"}, owner, http.StatusOK, &step)
	assert.Equal(t, domain.CorrectionInProgress, step.Correction.Status)

	res, data := srv.do(t, http.MethodPatch, "/corrections/"+c.ID, map[string]any{"action": "approve", "reviewer_notes": "ok"}, as("rita"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_correction_state", errorCode(t, data))

	srv.decode(t, http.MethodPatch, "/corrections/"+c.ID, map[string]any{"action": "complete", "resolution_notes": "Remeasured"}, owner, http.StatusOK, &step)
	assert.Equal(t, domain.CorrectionReview, step.Correction.Status)

	srv.decode(t, http.MethodPatch, "/corrections/"+c.ID, map[string]any{"action": "approve", "reviewer_notes": "ok"}, as("rita"), http.StatusOK, &step)
	assert.Equal(t, domain.CorrectionApproved, step.Correction.Status)
	require.NotNil(t, step.Card)
	assert.Equal(t, domain.StageIntake, step.Card.CurrentStage)

	var stats domain.CorrectionStats
	srv.decode(t, http.MethodGet, "/corrections/stats", nil, owner, http.StatusOK, &stats)
	assert.Equal(t, 1, stats.Approved)

	var history paginatedWorkHistory
	srv.decode(t, http.MethodGet, "/work-history?user_id=owner", nil, owner, http.StatusOK, &history)
	assert.NotEmpty(t, history.Items)

	res, _ = srv.do(t, http.MethodGet, "/work-history/export", nil, as("vic"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/work-history/export", nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, report.ContentType, res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "work-history-org-1-")
	assert.True(t, bytes.HasPrefix(data, []byte("PK")), "xlsx is a zip archive")
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default(testOrg)
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"card.created"}}}
	require.NoError(t, srv.Engine.UpdateOrgConfig(ctx, testOrg, "owner", cfg))

	d := NewWebhookDispatcher(srv.Engine, nil)
	d.DispatchOnce(ctx)
	assert.Empty(t, got, "history before the first pass is not replayed")

	card, err := srv.Engine.CreateCard(ctx, testOrg, "owner", engine.CardInput{OrderID: "o-1"})
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "card.created", got[0].Type)
	assert.Equal(t, card.ID, got[0].EntityID)
	assert.Equal(t, testOrg, got[0].OrgID)
	assert.Equal(t, "card.created", headers[0].Get("X-Prodline-Event"))
	assert.Equal(t, testOrg, headers[0].Get("X-Prodline-Org"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Prodline-Secret"))
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"card.created", " task.completed "})
	assert.True(t, f.match("task.completed"))
	assert.False(t, f.match("card.updated"))
}
