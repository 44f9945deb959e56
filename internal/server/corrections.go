package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/report"
	"prodline/internal/repo"
)

// exportPageSize bounds each read while assembling a work history export.
const exportPageSize = 500

func (h handlers) registerCorrections(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-correction",
		Method:        http.MethodPost,
		Path:          "/corrections",
		Summary:       "Open a correction, or a revision when case_id is set",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCorrectionRequest `json:"body"`
	}) (*correctionOutput, error) {
		p, err := h.authorize(ctx, auth.PermCorrectionCreate)
		if err != nil {
			return nil, err
		}
		b := input.Body
		in := engine.CorrectionInput{
			CardID:       b.CardID,
			SourceTaskID: b.SourceTaskID,
			Description:  b.Description,
			Severity:     b.Severity,
			Category:     b.Category,
			ReviewerID:   b.ReviewerID,
			AssignedTo:   b.AssignedTo,
			AISummary:    b.AISummary,
		}
		var c domain.Correction
		if strings.TrimSpace(b.CaseID) != "" {
			c, err = h.e.CreateRevision(ctx, p.OrgID, p.ActorID, b.CaseID, in)
		} else {
			c, err = h.e.CreateCorrection(ctx, p.OrgID, p.ActorID, in)
		}
		if err != nil {
			return nil, h.handleError(err)
		}
		return &correctionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-corrections",
		Method:      http.MethodGet,
		Path:        "/corrections",
		Summary:     "List corrections visible to the caller, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" doc:"Comma separated statuses"`
		RequestType string `query:"request_type"`
		AssignedTo  string `query:"assigned_to"`
		ReviewerID  string `query:"reviewer_id"`
		CardID      string `query:"card_id"`
		CaseID      string `query:"case_id"`
		Severity    string `query:"severity"`
		Category    string `query:"category"`
		From        string `query:"from"`
		To          string `query:"to"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedCorrections `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		f := repo.CorrectionFilters{
			OrgID:       p.OrgID,
			Status:      splitCSV(input.Status),
			RequestType: input.RequestType,
			AssignedTo:  input.AssignedTo,
			ReviewerID:  input.ReviewerID,
			CardID:      input.CardID,
			CaseID:      input.CaseID,
			Severity:    input.Severity,
			Category:    input.Category,
			From:        input.From,
			To:          input.To,
			Limit:       normalizeLimit(input.Limit),
		}
		if f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor); err != nil {
			return nil, badRequest(err.Error(), nil)
		}
		items, err := h.e.ListCorrections(ctx, p.ActorID, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := paginatedCorrections{Items: nonNilSlice(items)}
		if len(items) == f.Limit {
			last := items[len(items)-1]
			out.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedCorrections `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "correction-stats",
		Method:      http.MethodGet,
		Path:        "/corrections/stats",
		Summary:     "Correction counts by status plus the caller's queue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.CorrectionStats `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		stats, err := h.e.CorrectionStats(ctx, p.OrgID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.CorrectionStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-correction",
		Method:      http.MethodGet,
		Path:        "/corrections/{id}",
		Summary:     "Get a correction",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*correctionOutput, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		c, err := h.e.GetCorrection(ctx, p.OrgID, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &correctionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-correction",
		Method:      http.MethodPatch,
		Path:        "/corrections/{id}",
		Summary:     "Assign, complete, approve or reject a correction",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateCorrectionRequest `json:"body"`
	}) (*struct {
		Body CorrectionTransitionResponse `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		b := input.Body
		var out CorrectionTransitionResponse
		switch b.Action {
		case "assign":
			out.Correction, err = h.e.AssignCorrection(ctx, p.OrgID, input.ID, p.ActorID, b.AssignedTo)
		case "complete":
			out.Correction, err = h.e.CompleteCorrection(ctx, p.OrgID, input.ID, p.ActorID, b.ResolutionNotes)
		case "approve":
			var card domain.Card
			out.Correction, card, err = h.e.ApproveCorrection(ctx, p.OrgID, input.ID, p.ActorID, b.ReviewerNotes)
			out.Card = &card
		case "reject":
			out.Correction, out.NewCorrection, err = h.e.RejectCorrection(ctx, p.OrgID, input.ID, p.ActorID, b.ReviewerNotes, engine.RejectOptions{
				CreateNew: b.CreateNew,
				Severity:  b.Severity,
				Category:  b.Category,
			})
		default:
			return nil, badRequest(fmt.Sprintf("unknown action %q", b.Action), map[string]any{"field": "action"})
		}
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body CorrectionTransitionResponse `json:"body"`
		}{Body: out}, nil
	})
}

type workHistoryQuery struct {
	UserID       string `query:"user_id"`
	CardID       string `query:"card_id"`
	CorrectionID string `query:"correction_id"`
	EventType    string `query:"event_type" doc:"Comma separated event types"`
	From         string `query:"from"`
	To           string `query:"to"`
}

func (q workHistoryQuery) filters(orgID string) repo.WorkHistoryFilters {
	return repo.WorkHistoryFilters{
		OrgID:        orgID,
		UserID:       q.UserID,
		CardID:       q.CardID,
		CorrectionID: q.CorrectionID,
		EventTypes:   splitCSV(q.EventType),
		From:         q.From,
		To:           q.To,
	}
}

func (h handlers) registerHistory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-history",
		Method:      http.MethodGet,
		Path:        "/work-history",
		Summary:     "List work history entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		workHistoryQuery
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkHistory `json:"body"`
	}, error) {
		p, err := h.authorize(ctx, auth.PermHistoryRead)
		if err != nil {
			return nil, err
		}
		f := input.filters(p.OrgID)
		f.Limit = normalizeLimit(input.Limit)
		if f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor); err != nil {
			return nil, badRequest(err.Error(), nil)
		}
		entries, err := h.e.ListWorkHistory(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := paginatedWorkHistory{Items: nonNilSlice(entries)}
		if len(entries) == f.Limit {
			last := entries[len(entries)-1]
			out.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedWorkHistory `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-work-history",
		Method:      http.MethodGet,
		Path:        "/work-history/export",
		Summary:     "Export work history as an xlsx workbook",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *workHistoryQuery) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		p, err := h.authorize(ctx, auth.PermHistoryExport)
		if err != nil {
			return nil, err
		}
		entries, err := h.collectWorkHistory(ctx, input.filters(p.OrgID))
		if err != nil {
			return nil, h.handleError(err)
		}
		book, err := report.WorkHistory(entries)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        report.ContentType,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", report.Filename(p.OrgID, time.Now())),
			Body:               book,
		}, nil
	})
}

func (h handlers) collectWorkHistory(ctx context.Context, f repo.WorkHistoryFilters) ([]domain.WorkHistoryEntry, error) {
	f.Limit = exportPageSize
	var all []domain.WorkHistoryEntry
	for {
		page, err := h.e.ListWorkHistory(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
		last := page[len(page)-1]
		f.CursorCreatedAt, f.CursorID = last.CreatedAt, last.ID
	}
}
