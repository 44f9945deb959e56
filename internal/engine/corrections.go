package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"prodline/internal/activity"
	"prodline/internal/domain"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/repo"
)

type CorrectionInput struct {
	CardID       string
	SourceTaskID string
	// CaseID marks a client-initiated revision.
	CaseID      string
	Description string
	Severity    string
	Category    string
	ReviewerID  string
	AssignedTo  string
	AISummary   string
}

// CreateCorrection forks the card into CORRECTION, or REVISION when a case id is given, and
// records the stage it left.
func (e Engine) CreateCorrection(ctx context.Context, orgID, actorID string, in CorrectionInput) (domain.Correction, error) {
	if strings.TrimSpace(in.CardID) == "" {
		return domain.Correction{}, invalid("production_card_id", "required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return domain.Correction{}, invalid("description", "required")
	}
	if in.Severity != "" && !domain.ValidSeverity(in.Severity) {
		return domain.Correction{}, invalid("severity", fmt.Sprintf("unknown severity %q", in.Severity))
	}
	if in.Category == "" {
		in.Category = "other"
	}
	if !domain.ValidCategory(in.Category) {
		return domain.Correction{}, invalid("category", fmt.Sprintf("unknown category %q", in.Category))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correction{}, err
	}
	defer tx.Rollback()
	card, err := e.Repo.GetCard(ctx, tx, orgID, in.CardID)
	if err != nil {
		return domain.Correction{}, err
	}
	cfg, err := e.orgConfig(ctx, tx, orgID)
	if err != nil {
		return domain.Correction{}, err
	}
	requestType, target := domain.RequestCorrection, domain.StageCorrection
	if strings.TrimSpace(in.CaseID) != "" {
		requestType, target = domain.RequestRevision, domain.StageRevision
	}
	if !card.CurrentStage.IsProduction() {
		return domain.Correction{}, InvalidTransitionError{
			CardID: card.ID, From: card.CurrentStage, To: target, Allowed: allowedTargets(card),
			Reason: "corrections can only be raised from a production stage",
		}
	}
	var sourceTask *string
	if in.SourceTaskID != "" {
		task, err := e.Repo.GetTask(ctx, tx, orgID, in.SourceTaskID)
		if err != nil {
			return domain.Correction{}, fmt.Errorf("source task %s: %w", in.SourceTaskID, err)
		}
		if task.CardID != card.ID {
			return domain.Correction{}, invalid("source_task_id", "task belongs to another card")
		}
		sourceTask = &task.ID
	}
	if in.Severity == "" {
		in.Severity = cfg.DefaultSeverity()
	}

	now := e.ts()
	from := card.CurrentStage
	corr := domain.Correction{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		CardID:        card.ID,
		SourceTaskID:  sourceTask,
		CaseID:        optionalString(in.CaseID),
		RequestType:   requestType,
		Status:        domain.CorrectionPending,
		Severity:      in.Severity,
		Category:      in.Category,
		Description:   strings.TrimSpace(in.Description),
		PreviousStage: from,
		ReviewerID:    optionalString(in.ReviewerID),
		RequestedBy:   actorID,
		AISummary:     optionalString(in.AISummary),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertCorrection(ctx, tx, corr); err != nil {
		return domain.Correction{}, fmt.Errorf("insert correction: %w", err)
	}
	if assignee := strings.TrimSpace(in.AssignedTo); assignee != "" {
		if err := e.assignInTx(ctx, tx, &corr, assignee); err != nil {
			return domain.Correction{}, err
		}
	}

	card.PreviousStage = &from
	if err := e.applyStage(ctx, tx, &card, target, from); err != nil {
		return domain.Correction{}, err
	}
	if err := e.events().Append(ctx, tx, events.CorrectionCreated, orgID, "correction", corr.ID, actorID, events.EventPayload{
		"card_id": card.ID, "request_type": requestType, "severity": corr.Severity, "previous_stage": string(from),
	}); err != nil {
		return domain.Correction{}, err
	}
	if err := e.events().Append(ctx, tx, events.CardStageChanged, orgID, "card", card.ID, actorID, events.EventPayload{
		"from": string(from), "to": string(target), "order_id": card.OrderID, "correction_id": corr.ID,
	}); err != nil {
		return domain.Correction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correction{}, err
	}
	e.logActivity(ctx, card, activity.StatusChanged, fmt.Sprintf("Production stage changed from %s to %s", from, target), domain.Metadata{
		"from": string(from), "to": string(target), "card_id": card.ID,
	}, actorID)
	e.logActivity(ctx, card, activity.CorrectionRequested, fmt.Sprintf("%s requested: %s", requestLabel(requestType), corr.Description), domain.Metadata{
		"correction_id": corr.ID, "severity": corr.Severity, "category": corr.Category,
	}, actorID)
	return corr, nil
}

// CreateRevision raises a client-initiated revision tied to a case.
func (e Engine) CreateRevision(ctx context.Context, orgID, actorID, caseID string, in CorrectionInput) (domain.Correction, error) {
	if strings.TrimSpace(caseID) == "" {
		return domain.Correction{}, invalid("case_id", "required for revisions")
	}
	in.CaseID = caseID
	return e.CreateCorrection(ctx, orgID, actorID, in)
}

func requestLabel(requestType string) string {
	if requestType == domain.RequestRevision {
		return "Revision"
	}
	return "Correction"
}

func receivedEvent(c domain.Correction) string {
	if c.RequestType == domain.RequestRevision {
		return domain.HistoryRevisionReceived
	}
	return domain.HistoryCorrectionReceived
}

func completedEvent(c domain.Correction) string {
	if c.RequestType == domain.RequestRevision {
		return domain.HistoryRevisionCompleted
	}
	return domain.HistoryCorrectionCompleted
}

func (e Engine) assignInTx(ctx context.Context, tx *sql.Tx, c *domain.Correction, assignee string) error {
	expected := c.Status
	c.AssignedTo = &assignee
	if c.Status == domain.CorrectionPending {
		c.Status = domain.CorrectionInProgress
	}
	c.UpdatedAt = e.ts()
	if err := e.saveCorrection(ctx, tx, *c, expected, "assign"); err != nil {
		return err
	}
	_, err := e.recordEvent(ctx, tx, c.OrgID, receivedEvent(*c), historyRefs{
		UserID: assignee, CorrectionID: c.ID, TaskID: c.SourceTaskID, CardID: c.CardID,
	}, fmt.Sprintf("Received %s: %s", c.RequestType, c.Description), nil)
	return err
}

func (e Engine) saveCorrection(ctx context.Context, tx *sql.Tx, c domain.Correction, expected, op string) error {
	ok, err := e.Repo.UpdateCorrection(ctx, tx, c, expected)
	if err != nil {
		return fmt.Errorf("update correction: %w", err)
	}
	if !ok {
		status := ""
		if fresh, err := e.Repo.GetCorrection(ctx, tx, c.OrgID, c.ID); err == nil {
			status = fresh.Status
		}
		return InvalidCorrectionStateError{ID: c.ID, Status: status, Operation: op}
	}
	return nil
}

// loadCorrection reads a correction in tx and checks its status and the actor's capability.
func (e Engine) loadCorrection(ctx context.Context, tx *sql.Tx, orgID, id, actorID, op string, statuses ...string) (domain.Correction, error) {
	c, err := e.Repo.GetCorrection(ctx, tx, orgID, id)
	if err != nil {
		return domain.Correction{}, err
	}
	if len(statuses) > 0 {
		ok := false
		for _, s := range statuses {
			if c.Status == s {
				ok = true
			}
		}
		if !ok {
			return domain.Correction{}, InvalidCorrectionStateError{ID: c.ID, Status: c.Status, Operation: op}
		}
	}
	if err := e.correctionCapability(ctx, tx, c, actorID, op); err != nil {
		return domain.Correction{}, err
	}
	return c, nil
}

// correctionCapability decides who may act on a correction. Admins may do anything.
func (e Engine) correctionCapability(ctx context.Context, tx *sql.Tx, c domain.Correction, actorID, op string) error {
	has := func(perm string) (bool, error) {
		return e.Auth.ActorHasPermission(ctx, tx, c.OrgID, actorID, perm)
	}
	admin, err := has(auth.PermCorrectionAdmin)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	is := func(p *string) bool { return p != nil && *p == actorID }
	switch op {
	case "read":
		if is(c.AssignedTo) || is(c.ReviewerID) || c.RequestedBy == actorID {
			return nil
		}
		ok, err := has(auth.PermCorrectionReadAll)
		if err != nil || ok {
			return err
		}
		return auth.ForbiddenError{Permission: auth.PermCorrectionReadAll, Reason: "not involved in this correction"}
	case "assign":
		if is(c.ReviewerID) || c.RequestedBy == actorID {
			return nil
		}
		return auth.ForbiddenError{Permission: auth.PermCorrectionAdmin, Reason: "only the reviewer, requester or an admin can assign"}
	case "complete":
		if is(c.AssignedTo) {
			return nil
		}
		return auth.ForbiddenError{Permission: auth.PermCorrectionAdmin, Reason: "only the assignee can complete"}
	case "approve", "reject":
		if c.ReviewerID != nil {
			if is(c.ReviewerID) {
				return nil
			}
			return auth.ForbiddenError{Permission: auth.PermCorrectionAdmin, Reason: "only the designated reviewer can review"}
		}
		ok, err := has(auth.PermCorrectionReview)
		if err != nil || ok {
			return err
		}
		return auth.ForbiddenError{Permission: auth.PermCorrectionReview}
	}
	return auth.ForbiddenError{Reason: "unknown operation " + op}
}

// AssignCorrection hands a pending or in-progress correction to assignee.
func (e Engine) AssignCorrection(ctx context.Context, orgID, correctionID, actorID, assignee string) (domain.Correction, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return domain.Correction{}, invalid("assigned_to", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correction{}, err
	}
	defer tx.Rollback()
	c, err := e.loadCorrection(ctx, tx, orgID, correctionID, actorID, "assign", domain.CorrectionPending, domain.CorrectionInProgress)
	if err != nil {
		return domain.Correction{}, err
	}
	if derefString(c.AssignedTo) == assignee && c.Status == domain.CorrectionInProgress {
		return c, nil
	}
	if err := e.assignInTx(ctx, tx, &c, assignee); err != nil {
		return domain.Correction{}, err
	}
	if err := e.events().Append(ctx, tx, events.CorrectionAssigned, orgID, "correction", c.ID, actorID, events.EventPayload{
		"assigned_to": assignee, "card_id": c.CardID,
	}); err != nil {
		return domain.Correction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correction{}, err
	}
	return c, nil
}

// CompleteCorrection submits the assignee's work for review.
func (e Engine) CompleteCorrection(ctx context.Context, orgID, correctionID, actorID, resolutionNotes string) (domain.Correction, error) {
	resolutionNotes = strings.TrimSpace(resolutionNotes)
	if resolutionNotes == "" {
		return domain.Correction{}, invalid("resolution_notes", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correction{}, err
	}
	defer tx.Rollback()
	c, err := e.loadCorrection(ctx, tx, orgID, correctionID, actorID, "complete", domain.CorrectionInProgress)
	if err != nil {
		return domain.Correction{}, err
	}
	c.Status = domain.CorrectionReview
	c.ResolutionNotes = &resolutionNotes
	c.UpdatedAt = e.ts()
	if err := e.saveCorrection(ctx, tx, c, domain.CorrectionInProgress, "complete"); err != nil {
		return domain.Correction{}, err
	}
	if _, err := e.recordEvent(ctx, tx, orgID, completedEvent(c), e.creditRefs(c, actorID),
		fmt.Sprintf("Completed %s: %s", c.RequestType, c.Description), nil); err != nil {
		return domain.Correction{}, err
	}
	if err := e.events().Append(ctx, tx, events.CorrectionCompleted, orgID, "correction", c.ID, actorID, events.EventPayload{"card_id": c.CardID}); err != nil {
		return domain.Correction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correction{}, err
	}
	return c, nil
}

// creditRefs credits the assignee, or the acting user when nobody was assigned.
func (e Engine) creditRefs(c domain.Correction, actorID string) historyRefs {
	user := derefString(c.AssignedTo)
	if user == "" {
		user = actorID
	}
	return historyRefs{UserID: user, CorrectionID: c.ID, TaskID: c.SourceTaskID, CardID: c.CardID}
}

func (e Engine) impactFor(ctx context.Context, tx *sql.Tx, c domain.Correction) (*float64, error) {
	cfg, err := e.orgConfig(ctx, tx, c.OrgID)
	if err != nil {
		return nil, err
	}
	v := cfg.ImpactScore(c.Severity)
	return &v, nil
}

// ApproveCorrection closes the correction and returns the card to the stage it was forked from.
func (e Engine) ApproveCorrection(ctx context.Context, orgID, correctionID, actorID, notes string) (domain.Correction, domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	defer tx.Rollback()
	c, err := e.loadCorrection(ctx, tx, orgID, correctionID, actorID, "approve", domain.CorrectionReview)
	if err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	card, err := e.Repo.GetCard(ctx, tx, orgID, c.CardID)
	if err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	if !card.CurrentStage.IsSideState() {
		return domain.Correction{}, domain.Card{}, InvalidTransitionError{
			CardID: card.ID, From: card.CurrentStage, To: c.PreviousStage, Reason: "card is not in a correction stage",
		}
	}

	now := e.ts()
	c.Status = domain.CorrectionApproved
	c.ResolvedAt = &now
	c.ReviewerNotes = optionalString(notes)
	if c.ReviewerID == nil {
		c.ReviewerID = &actorID
	}
	c.UpdatedAt = now
	if err := e.saveCorrection(ctx, tx, c, domain.CorrectionReview, "approve"); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	impact, err := e.impactFor(ctx, tx, c)
	if err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	if _, err := e.recordEvent(ctx, tx, orgID, domain.HistoryCorrectionApproved, e.creditRefs(c, actorID),
		fmt.Sprintf("Approved %s: %s", c.RequestType, c.Description), impact); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}

	from := card.CurrentStage
	card.PreviousStage = nil
	if err := e.applyStage(ctx, tx, &card, c.PreviousStage, from); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	if err := e.events().Append(ctx, tx, events.CorrectionApproved, orgID, "correction", c.ID, actorID, events.EventPayload{
		"card_id": card.ID, "restored_stage": string(c.PreviousStage),
	}); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	if err := e.events().Append(ctx, tx, events.CardStageChanged, orgID, "card", card.ID, actorID, events.EventPayload{
		"from": string(from), "to": string(card.CurrentStage), "order_id": card.OrderID, "correction_id": c.ID,
	}); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correction{}, domain.Card{}, err
	}
	e.logActivity(ctx, card, activity.StatusChanged, fmt.Sprintf("Production stage changed from %s to %s", from, card.CurrentStage), domain.Metadata{
		"from": string(from), "to": string(card.CurrentStage), "card_id": card.ID,
	}, actorID)
	e.logActivity(ctx, card, activity.CorrectionApproved, fmt.Sprintf("%s approved", requestLabel(c.RequestType)), domain.Metadata{
		"correction_id": c.ID,
	}, actorID)
	return c, card, nil
}

type RejectOptions struct {
	CreateNew bool
	// Severity and Category override the values copied onto the follow-up correction.
	Severity string
	Category string
}

// RejectCorrection closes the correction as rejected. With CreateNew a follow-up correction is opened
// against the same card and previous stage; the card stays in its side-state either way.
func (e Engine) RejectCorrection(ctx context.Context, orgID, correctionID, actorID, notes string, opts RejectOptions) (domain.Correction, *domain.Correction, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return domain.Correction{}, nil, invalid("reviewer_notes", "required when rejecting")
	}
	if opts.Severity != "" && !domain.ValidSeverity(opts.Severity) {
		return domain.Correction{}, nil, invalid("severity", fmt.Sprintf("unknown severity %q", opts.Severity))
	}
	if opts.Category != "" && !domain.ValidCategory(opts.Category) {
		return domain.Correction{}, nil, invalid("category", fmt.Sprintf("unknown category %q", opts.Category))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Correction{}, nil, err
	}
	defer tx.Rollback()
	c, err := e.loadCorrection(ctx, tx, orgID, correctionID, actorID, "reject", domain.CorrectionReview)
	if err != nil {
		return domain.Correction{}, nil, err
	}
	now := e.ts()
	c.Status = domain.CorrectionRejected
	c.ResolvedAt = &now
	c.ReviewerNotes = &notes
	if c.ReviewerID == nil {
		c.ReviewerID = &actorID
	}
	c.UpdatedAt = now
	if err := e.saveCorrection(ctx, tx, c, domain.CorrectionReview, "reject"); err != nil {
		return domain.Correction{}, nil, err
	}
	impact, err := e.impactFor(ctx, tx, c)
	if err != nil {
		return domain.Correction{}, nil, err
	}
	if _, err := e.recordEvent(ctx, tx, orgID, domain.HistoryCorrectionRejected, e.creditRefs(c, actorID),
		fmt.Sprintf("Rejected %s: %s", c.RequestType, notes), impact); err != nil {
		return domain.Correction{}, nil, err
	}

	var next *domain.Correction
	if opts.CreateNew {
		parent := c.ID
		n := domain.Correction{
			ID:                 uuid.NewString(),
			OrgID:              orgID,
			CardID:             c.CardID,
			SourceTaskID:       c.SourceTaskID,
			CaseID:             c.CaseID,
			RequestType:        c.RequestType,
			Status:             domain.CorrectionPending,
			Severity:           c.Severity,
			Category:           c.Category,
			Description:        c.Description,
			PreviousStage:      c.PreviousStage,
			ReviewerID:         &actorID,
			RequestedBy:        actorID,
			AISummary:          c.AISummary,
			ParentCorrectionID: &parent,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if opts.Severity != "" {
			n.Severity = opts.Severity
		}
		if opts.Category != "" {
			n.Category = opts.Category
		}
		if err := e.Repo.InsertCorrection(ctx, tx, n); err != nil {
			return domain.Correction{}, nil, fmt.Errorf("insert follow-up correction: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.CorrectionCreated, orgID, "correction", n.ID, actorID, events.EventPayload{
			"card_id": n.CardID, "request_type": n.RequestType, "severity": n.Severity,
			"previous_stage": string(n.PreviousStage), "parent_correction_id": parent,
		}); err != nil {
			return domain.Correction{}, nil, err
		}
		next = &n
	}
	payload := events.EventPayload{"card_id": c.CardID, "create_new": opts.CreateNew}
	if next != nil {
		payload["new_correction_id"] = next.ID
	}
	if err := e.events().Append(ctx, tx, events.CorrectionRejected, orgID, "correction", c.ID, actorID, payload); err != nil {
		return domain.Correction{}, nil, err
	}
	card, err := e.Repo.GetCard(ctx, tx, orgID, c.CardID)
	if err != nil {
		return domain.Correction{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Correction{}, nil, err
	}
	e.logActivity(ctx, card, activity.CorrectionRejected, fmt.Sprintf("%s rejected: %s", requestLabel(c.RequestType), notes), domain.Metadata{
		"correction_id": c.ID, "create_new": opts.CreateNew,
	}, actorID)
	return c, next, nil
}

// GetCorrection returns a correction the actor is allowed to see.
func (e Engine) GetCorrection(ctx context.Context, orgID, correctionID, actorID string) (domain.Correction, error) {
	return e.loadCorrection(ctx, nil, orgID, correctionID, actorID, "read")
}

// ListCorrections narrows the listing to the actor's own corrections unless they hold
// correction.read_all or correction.admin.
func (e Engine) ListCorrections(ctx context.Context, actorID string, f repo.CorrectionFilters) ([]domain.Correction, error) {
	all := false
	for _, perm := range []string{auth.PermCorrectionReadAll, auth.PermCorrectionAdmin} {
		ok, err := e.Auth.ActorHasPermission(ctx, nil, f.OrgID, actorID, perm)
		if err != nil {
			return nil, err
		}
		all = all || ok
	}
	if !all {
		f.Involving = actorID
	}
	return e.Repo.ListCorrections(ctx, f)
}

func (e Engine) CorrectionStats(ctx context.Context, orgID, actorID string) (domain.CorrectionStats, error) {
	return e.Repo.CorrectionStats(ctx, orgID, actorID)
}
