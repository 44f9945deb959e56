// Package mcp exposes the production engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/logging"
	"prodline/internal/repo"
)

const (
	ServerName    = "prodline"
	ServerVersion = "0.1.0"
)

// Identity is the org and actor every tool call runs as.
type Identity struct {
	OrgID   string
	ActorID string
}

type tools struct {
	eng engine.Engine
	id  Identity
	log *zap.Logger
}

type toolFunc func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// NewServer registers the production tools bound to id.
func NewServer(eng engine.Engine, id Identity, log *zap.Logger) *server.MCPServer {
	t := tools{eng: eng, id: id, log: logging.OrNop(log).Named("mcp")}
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))

	// Cards
	s.AddTool(mcp.NewTool("get_card",
		mcp.WithDescription("Get a production card with task counts, stage readiness and allowed transitions."),
		mcp.WithString("card_id", mcp.Description("Card id"), mcp.Required()),
	), t.handle(auth.PermCardRead, t.getCard))

	s.AddTool(mcp.NewTool("list_cards",
		mcp.WithDescription("List production cards, newest first."),
		mcp.WithString("stage", mcp.Description("Comma separated stages to include")),
		mcp.WithString("priority", mcp.Description("low|normal|high|urgent")),
		mcp.WithString("order_id", mcp.Description("Filter by order id")),
		mcp.WithNumber("limit", mcp.Description("Maximum cards to return")),
	), t.handle(auth.PermCardRead, t.listCards))

	s.AddTool(mcp.NewTool("advance_stage",
		mcp.WithDescription("Move a card to another stage. Forward moves require every required task of the current stage to be completed unless override is set."),
		mcp.WithString("card_id", mcp.Description("Card id"), mcp.Required()),
		mcp.WithString("stage", mcp.Description("Target stage"), mcp.Required()),
		mcp.WithString("expected_stage", mcp.Description("Fail if the card is no longer in this stage")),
		mcp.WithBoolean("override", mcp.Description("Bypass incomplete required tasks (card.override)")),
		mcp.WithString("justification", mcp.Description("Reason for the override")),
	), t.handle(auth.PermCardAdvance, t.advanceStage))

	s.AddTool(mcp.NewTool("stage_readiness",
		mcp.WithDescription("Report whether the card's current stage has all required tasks completed."),
		mcp.WithString("card_id", mcp.Description("Card id"), mcp.Required()),
	), t.handle(auth.PermCardRead, t.stageReadiness))

	// Tasks
	s.AddTool(mcp.NewTool("complete_task",
		mcp.WithDescription("Mark a task completed. Completing an already completed task is a no-op."),
		mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
	), t.handle(auth.PermTaskWrite, t.completeTask))

	s.AddTool(mcp.NewTool("reopen_task",
		mcp.WithDescription("Return a completed or blocked task to pending."),
		mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("reason", mcp.Description("Why the task is reopened")),
	), t.handle(auth.PermTaskWrite, t.reopenTask))

	// Corrections
	s.AddTool(mcp.NewTool("create_correction",
		mcp.WithDescription("Open a correction on a card, moving it to CORRECTION. Pass case_id to open a client revision instead (REVISION)."),
		mcp.WithString("card_id", mcp.Description("Card id"), mcp.Required()),
		mcp.WithString("description", mcp.Description("What must be fixed"), mcp.Required()),
		mcp.WithString("severity", mcp.Description("minor|major|critical")),
		mcp.WithString("category", mcp.Description("Correction category")),
		mcp.WithString("source_task_id", mcp.Description("Task the issue was found on")),
		mcp.WithString("case_id", mcp.Description("Client revision case id")),
		mcp.WithString("reviewer_id", mcp.Description("Reviewer who will approve the fix")),
		mcp.WithString("assigned_to", mcp.Description("Resource who will do the fix")),
	), t.handle(auth.PermCorrectionCreate, t.createCorrection))

	s.AddTool(mcp.NewTool("assign_correction",
		mcp.WithDescription("Assign a pending correction to a resource, moving it to in_progress."),
		mcp.WithString("correction_id", mcp.Description("Correction id"), mcp.Required()),
		mcp.WithString("assignee", mcp.Description("Resource id"), mcp.Required()),
	), t.handle("", t.assignCorrection))

	s.AddTool(mcp.NewTool("complete_correction",
		mcp.WithDescription("Submit a correction for review."),
		mcp.WithString("correction_id", mcp.Description("Correction id"), mcp.Required()),
		mcp.WithString("resolution_notes", mcp.Description("What was changed"), mcp.Required()),
	), t.handle("", t.completeCorrection))

	s.AddTool(mcp.NewTool("approve_correction",
		mcp.WithDescription("Approve a correction under review and return the card to the stage it came from."),
		mcp.WithString("correction_id", mcp.Description("Correction id"), mcp.Required()),
		mcp.WithString("notes", mcp.Description("Reviewer notes")),
	), t.handle("", t.approveCorrection))

	s.AddTool(mcp.NewTool("reject_correction",
		mcp.WithDescription("Reject a correction under review. With create_new a follow-up correction is opened and the card stays in its side state."),
		mcp.WithString("correction_id", mcp.Description("Correction id"), mcp.Required()),
		mcp.WithString("notes", mcp.Description("Why the fix was rejected"), mcp.Required()),
		mcp.WithBoolean("create_new", mcp.Description("Open a follow-up correction")),
		mcp.WithString("severity", mcp.Description("Severity for the follow-up")),
		mcp.WithString("category", mcp.Description("Category for the follow-up")),
	), t.handle("", t.rejectCorrection))

	s.AddTool(mcp.NewTool("correction_stats",
		mcp.WithDescription("Counts of visible corrections by status, plus the caller's pending work and reviews."),
	), t.handle("", t.correctionStats))

	s.AddTool(mcp.NewTool("production_metrics",
		mcp.WithDescription("Dashboard snapshot: due and overdue files, review load, deliveries and average turn time."),
	), t.handle(auth.PermCardRead, t.productionMetrics))

	// History
	s.AddTool(mcp.NewTool("list_work_history",
		mcp.WithDescription("List resource work history, newest first."),
		mcp.WithString("user_id", mcp.Description("Filter by resource")),
		mcp.WithString("event_type", mcp.Description("Comma separated event types")),
		mcp.WithString("card_id", mcp.Description("Filter by card")),
		mcp.WithString("correction_id", mcp.Description("Filter by correction")),
		mcp.WithString("from", mcp.Description("RFC3339 lower bound")),
		mcp.WithString("to", mcp.Description("RFC3339 upper bound")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows")),
	), t.handle(auth.PermHistoryRead, t.listWorkHistory))

	return s
}

// Serve runs s on stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// handle checks perm (when set), runs fn and renders its result as indented JSON. Engine errors
// become tool errors so the client sees the message.
func (t tools) handle(perm string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if perm != "" {
			if err := t.eng.Auth.Require(ctx, nil, t.id.OrgID, t.id.ActorID, perm); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
		out, err := fn(ctx, req)
		if err != nil {
			t.log.Debug("tool failed", zap.String("tool", req.Params.Name), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func csv(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (t tools) getCard(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.GetCard(ctx, t.id.OrgID, mcp.ParseString(req, "card_id", ""))
}

func (t tools) listCards(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	f := repo.CardFilters{
		OrgID:    t.id.OrgID,
		Priority: mcp.ParseString(req, "priority", ""),
		OrderID:  mcp.ParseString(req, "order_id", ""),
		Limit:    mcp.ParseInt(req, "limit", 50),
	}
	for _, s := range csv(mcp.ParseString(req, "stage", "")) {
		st, err := domain.ParseStage(s)
		if err != nil {
			return nil, err
		}
		f.Stages = append(f.Stages, st)
	}
	cards, err := t.eng.ListCards(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cards": cards}, nil
}

func (t tools) advanceStage(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	target, err := domain.ParseStage(mcp.ParseString(req, "stage", ""))
	if err != nil {
		return nil, err
	}
	opts := engine.AdvanceOptions{
		Override:      mcp.ParseBoolean(req, "override", false),
		Justification: mcp.ParseString(req, "justification", ""),
	}
	if exp := mcp.ParseString(req, "expected_stage", ""); exp != "" {
		if opts.ExpectedStage, err = domain.ParseStage(exp); err != nil {
			return nil, err
		}
	}
	return t.eng.AdvanceStage(ctx, t.id.OrgID, mcp.ParseString(req, "card_id", ""), target, t.id.ActorID, opts)
}

func (t tools) stageReadiness(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.StageReadiness(ctx, t.id.OrgID, mcp.ParseString(req, "card_id", ""))
}

func (t tools) completeTask(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.CompleteTask(ctx, t.id.OrgID, mcp.ParseString(req, "task_id", ""), t.id.ActorID)
}

func (t tools) reopenTask(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.ReopenTask(ctx, t.id.OrgID, mcp.ParseString(req, "task_id", ""), t.id.ActorID, mcp.ParseString(req, "reason", ""))
}

func (t tools) createCorrection(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	in := engine.CorrectionInput{
		CardID:       mcp.ParseString(req, "card_id", ""),
		Description:  mcp.ParseString(req, "description", ""),
		Severity:     mcp.ParseString(req, "severity", ""),
		Category:     mcp.ParseString(req, "category", ""),
		SourceTaskID: mcp.ParseString(req, "source_task_id", ""),
		ReviewerID:   mcp.ParseString(req, "reviewer_id", ""),
		AssignedTo:   mcp.ParseString(req, "assigned_to", ""),
	}
	if caseID := mcp.ParseString(req, "case_id", ""); caseID != "" {
		return t.eng.CreateRevision(ctx, t.id.OrgID, t.id.ActorID, caseID, in)
	}
	return t.eng.CreateCorrection(ctx, t.id.OrgID, t.id.ActorID, in)
}

func (t tools) assignCorrection(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.AssignCorrection(ctx, t.id.OrgID, mcp.ParseString(req, "correction_id", ""), t.id.ActorID, mcp.ParseString(req, "assignee", ""))
}

func (t tools) completeCorrection(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return t.eng.CompleteCorrection(ctx, t.id.OrgID, mcp.ParseString(req, "correction_id", ""), t.id.ActorID, mcp.ParseString(req, "resolution_notes", ""))
}

func (t tools) approveCorrection(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	c, card, err := t.eng.ApproveCorrection(ctx, t.id.OrgID, mcp.ParseString(req, "correction_id", ""), t.id.ActorID, mcp.ParseString(req, "notes", ""))
	if err != nil {
		return nil, err
	}
	return map[string]any{"correction": c, "card": card}, nil
}

func (t tools) rejectCorrection(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	opts := engine.RejectOptions{
		CreateNew: mcp.ParseBoolean(req, "create_new", false),
		Severity:  mcp.ParseString(req, "severity", ""),
		Category:  mcp.ParseString(req, "category", ""),
	}
	c, next, err := t.eng.RejectCorrection(ctx, t.id.OrgID, mcp.ParseString(req, "correction_id", ""), t.id.ActorID, mcp.ParseString(req, "notes", ""), opts)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"correction": c}
	if next != nil {
		out["new_correction"] = next
	}
	return out, nil
}

func (t tools) correctionStats(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	return t.eng.CorrectionStats(ctx, t.id.OrgID, t.id.ActorID)
}

func (t tools) productionMetrics(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	return t.eng.DashboardMetrics(ctx, t.id.OrgID)
}

func (t tools) listWorkHistory(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	rows, err := t.eng.ListWorkHistory(ctx, repo.WorkHistoryFilters{
		OrgID:        t.id.OrgID,
		UserID:       mcp.ParseString(req, "user_id", ""),
		EventTypes:   csv(mcp.ParseString(req, "event_type", "")),
		CardID:       mcp.ParseString(req, "card_id", ""),
		CorrectionID: mcp.ParseString(req, "correction_id", ""),
		From:         mcp.ParseString(req, "from", ""),
		To:           mcp.ParseString(req, "to", ""),
		Limit:        mcp.ParseInt(req, "limit", 100),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": rows}, nil
}
