package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"prodline/internal/domain"
	"prodline/internal/repo"
)

type historyRefs struct {
	UserID       string
	CorrectionID string
	TaskID       *string
	CardID       string
}

// recordEvent appends one work history row inside the caller's transaction. It is reachable only
// from correction operations.
func (e Engine) recordEvent(ctx context.Context, tx *sql.Tx, orgID, eventType string, refs historyRefs, summary string, impact *float64) (domain.WorkHistoryEntry, error) {
	if refs.UserID == "" {
		return domain.WorkHistoryEntry{}, invalid("user_id", "work history needs a credited user")
	}
	user := refs.UserID
	entry := domain.WorkHistoryEntry{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		ResourceID:  &user,
		UserID:      user,
		TaskID:      refs.TaskID,
		EventType:   eventType,
		Summary:     summary,
		ImpactScore: impact,
		CreatedAt:   e.ts(),
	}
	if refs.CorrectionID != "" {
		id := refs.CorrectionID
		entry.CorrectionID = &id
	}
	if refs.CardID != "" {
		id := refs.CardID
		entry.CardID = &id
	}
	if err := e.Repo.InsertWorkHistory(ctx, tx, entry); err != nil {
		return domain.WorkHistoryEntry{}, fmt.Errorf("record %s: %w", eventType, err)
	}
	return entry, nil
}

var historyEventTypes = []string{
	domain.HistoryCorrectionReceived,
	domain.HistoryCorrectionCompleted,
	domain.HistoryCorrectionApproved,
	domain.HistoryCorrectionRejected,
	domain.HistoryRevisionReceived,
	domain.HistoryRevisionCompleted,
}

func (e Engine) ListWorkHistory(ctx context.Context, f repo.WorkHistoryFilters) ([]domain.WorkHistoryEntry, error) {
	for _, t := range f.EventTypes {
		known := false
		for _, v := range historyEventTypes {
			if v == t {
				known = true
			}
		}
		if !known {
			return nil, invalid("event_type", fmt.Sprintf("unknown event type %q", t))
		}
	}
	return e.Repo.ListWorkHistory(ctx, nil, f)
}

// ListEvents pages the org's audit stream newest first; cursor is the id to continue below.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters, limit int, cursor int64) ([]domain.Event, error) {
	if f.OrgID == "" {
		return nil, invalid("org_id", "required")
	}
	items, err := e.Repo.LatestEventsFrom(ctx, limit, cursor, f)
	if items == nil {
		items = []domain.Event{}
	}
	return items, err
}
