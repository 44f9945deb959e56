package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine. Webhook filters match against these.
const (
	CardCreated         = "card.created"
	CardUpdated         = "card.updated"
	CardStageChanged    = "card.stage.changed"
	CardStageOverride   = "card.stage.override"
	CardHeld            = "card.held"
	CardResumed         = "card.resumed"
	CardCancelled       = "card.cancelled"
	TaskCreated         = "task.created"
	TaskStarted         = "task.started"
	TaskCompleted       = "task.completed"
	TaskReopened        = "task.reopened"
	TaskBlocked         = "task.blocked"
	TaskUnblocked       = "task.unblocked"
	TaskAssigned        = "task.assigned"
	TaskTimeLogged      = "task.time_logged"
	CorrectionCreated   = "correction.created"
	CorrectionAssigned  = "correction.assigned"
	CorrectionCompleted = "correction.completed"
	CorrectionApproved  = "correction.approved"
	CorrectionRejected  = "correction.rejected"
	TemplateCreated     = "template.created"
	TemplateUpdated     = "template.updated"
	AlertRaised         = "alert.raised"
	AlertResolved       = "alert.resolved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
