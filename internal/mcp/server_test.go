package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/migrate"
	"prodline/internal/repo"
)

const testOrg = "org-1"

func setup(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	eng := engine.New(conn, nil)
	_, err = eng.InitOrg(ctx, testOrg, "Acme", "owner", config.Default(testOrg))
	require.NoError(t, err)
	_, err = eng.SeedDefaultTemplate(ctx, testOrg, "owner")
	require.NoError(t, err)
	require.NoError(t, eng.GrantRole(ctx, testOrg, "owner", "vic", "viewer"))
	require.NoError(t, eng.GrantRole(ctx, testOrg, "owner", "rita", "reviewer"))
	return eng, ctx
}

func call(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	require.NotNil(t, tool, "tool %s not registered", name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(res *mcp.CallToolResult) string {
	return res.Content[0].(mcp.TextContent).Text
}

func decode(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, res.IsError, text(res))
	require.NoError(t, json.Unmarshal([]byte(text(res)), v))
}

func TestToolsRegistered(t *testing.T) {
	eng, _ := setup(t)
	s := NewServer(eng, Identity{OrgID: testOrg, ActorID: "owner"}, nil)
	for _, name := range []string{
		"get_card", "list_cards", "advance_stage", "stage_readiness", "complete_task", "reopen_task",
		"create_correction", "assign_correction", "complete_correction", "approve_correction",
		"reject_correction", "list_work_history", "correction_stats", "production_metrics",
	} {
		assert.NotNil(t, s.GetTool(name), name)
	}
}

func TestAdvanceThroughTools(t *testing.T) {
	eng, ctx := setup(t)
	s := NewServer(eng, Identity{OrgID: testOrg, ActorID: "owner"}, nil)
	card, err := eng.CreateCard(ctx, testOrg, "owner", engine.CardInput{OrderID: "o-1", OrderNumber: "A-1"})
	require.NoError(t, err)

	res := call(t, s, "advance_stage", map[string]any{"card_id": card.ID, "stage": "scheduling"})
	require.True(t, res.IsError)
	assert.Contains(t, text(res), "incomplete required")

	var ready domain.StageReadiness
	decode(t, call(t, s, "stage_readiness", map[string]any{"card_id": card.ID}), &ready)
	assert.False(t, ready.Ready)
	require.Len(t, ready.Missing, 3)

	for _, id := range ready.Missing {
		var task domain.Task
		decode(t, call(t, s, "complete_task", map[string]any{"task_id": id}), &task)
		assert.Equal(t, domain.TaskCompleted, task.Status)
	}

	var moved domain.Card
	decode(t, call(t, s, "advance_stage", map[string]any{"card_id": card.ID, "stage": "SCHEDULING", "expected_stage": "INTAKE"}), &moved)
	assert.Equal(t, domain.StageScheduling, moved.CurrentStage)

	var detail struct {
		CurrentStage domain.Stage   `json:"current_stage"`
		Allowed      []domain.Stage `json:"allowed_transitions"`
	}
	decode(t, call(t, s, "get_card", map[string]any{"card_id": card.ID}), &detail)
	assert.Equal(t, domain.StageScheduling, detail.CurrentStage)
	assert.Contains(t, detail.Allowed, domain.StageScheduled)

	var list struct {
		Cards []domain.Card `json:"cards"`
	}
	decode(t, call(t, s, "list_cards", map[string]any{"stage": "SCHEDULING"}), &list)
	require.Len(t, list.Cards, 1)

	res = call(t, s, "list_cards", map[string]any{"stage": "NOPE"})
	assert.True(t, res.IsError)
}

func TestCorrectionRoundTripThroughTools(t *testing.T) {
	eng, ctx := setup(t)
	owner := NewServer(eng, Identity{OrgID: testOrg, ActorID: "owner"}, nil)
	reviewer := NewServer(eng, Identity{OrgID: testOrg, ActorID: "rita"}, nil)
	card, err := eng.CreateCard(ctx, testOrg, "owner", engine.CardInput{OrderID: "o-1"})
	require.NoError(t, err)

	var c domain.Correction
	decode(t, call(t, owner, "create_correction", map[string]any{
		"card_id": card.ID, "description": "Wrong GLA", "severity": "major", "reviewer_id": "rita",
	}), &c)
	assert.Equal(t, domain.CorrectionPending, c.Status)
	assert.Equal(t, domain.StageIntake, c.PreviousStage)

	decode(t, call(t, owner, "assign_correction", map[string]any{"correction_id": c.ID, "assignee": "owner"}), &c)
	assert.Equal(t, domain.CorrectionInProgress, c.Status)

	res := call(t, owner, "complete_correction", map[string]any{"correction_id": c.ID})
	assert.True(t, res.IsError, "resolution notes are required")
	decode(t, call(t, owner, "complete_correction", map[string]any{"correction_id": c.ID, "resolution_notes": "Remeasured"}), &c)
	assert.Equal(t, domain.CorrectionReview, c.Status)

	var approved struct {
		Correction domain.Correction `json:"correction"`
		Card       domain.Card       `json:"card"`
	}
	decode(t, call(t, reviewer, "approve_correction", map[string]any{"correction_id": c.ID, "notes": "ok"}), &approved)
	assert.Equal(t, domain.CorrectionApproved, approved.Correction.Status)
	assert.Equal(t, domain.StageIntake, approved.Card.CurrentStage)

	var history struct {
		Entries []domain.WorkHistoryEntry `json:"entries"`
	}
	decode(t, call(t, owner, "list_work_history", map[string]any{"user_id": "owner", "event_type": "correction_approved"}), &history)
	require.Len(t, history.Entries, 1)

	var stats domain.CorrectionStats
	decode(t, call(t, owner, "correction_stats", map[string]any{}), &stats)
	assert.Equal(t, 1, stats.Total)

	var metrics domain.ProductionMetrics
	decode(t, call(t, owner, "production_metrics", map[string]any{}), &metrics)
	assert.Equal(t, testOrg, metrics.OrgID)
	assert.Equal(t, 1, metrics.Active)
}

func TestRejectWithFollowUpThroughTools(t *testing.T) {
	eng, ctx := setup(t)
	s := NewServer(eng, Identity{OrgID: testOrg, ActorID: "owner"}, nil)
	card, err := eng.CreateCard(ctx, testOrg, "owner", engine.CardInput{OrderID: "o-1"})
	require.NoError(t, err)
	c, err := eng.CreateCorrection(ctx, testOrg, "owner", engine.CorrectionInput{CardID: card.ID, Description: "Fix comps", AssignedTo: "owner"})
	require.NoError(t, err)
	_, err = eng.CompleteCorrection(ctx, testOrg, c.ID, "owner", "done")
	require.NoError(t, err)

	var out struct {
		Correction domain.Correction  `json:"correction"`
		Next       *domain.Correction `json:"new_correction"`
	}
	decode(t, call(t, s, "reject_correction", map[string]any{"correction_id": c.ID, "notes": "still wrong", "create_new": true}), &out)
	assert.Equal(t, domain.CorrectionRejected, out.Correction.Status)
	require.NotNil(t, out.Next)
	assert.Equal(t, domain.CorrectionPending, out.Next.Status)

	detail, err := eng.GetCard(ctx, testOrg, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCorrection, detail.CurrentStage)
}

func TestPermissionsEnforced(t *testing.T) {
	eng, ctx := setup(t)
	s := NewServer(eng, Identity{OrgID: testOrg, ActorID: "vic"}, nil)
	card, err := eng.CreateCard(ctx, testOrg, "owner", engine.CardInput{OrderID: "o-1"})
	require.NoError(t, err)

	res := call(t, s, "get_card", map[string]any{"card_id": card.ID})
	assert.False(t, res.IsError)

	res = call(t, s, "advance_stage", map[string]any{"card_id": card.ID, "stage": "SCHEDULING", "override": true})
	require.True(t, res.IsError)
	assert.Contains(t, text(res), "card.advance")

	res = call(t, s, "create_correction", map[string]any{"card_id": card.ID, "description": "x"})
	assert.True(t, res.IsError)

	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{OrgID: testOrg, CardID: card.ID})
	require.NoError(t, err)
	res = call(t, s, "complete_task", map[string]any{"task_id": tasks[0].ID})
	assert.True(t, res.IsError)
}
