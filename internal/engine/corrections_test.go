package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
)

// openForReview creates a correction on a FINALIZATION card reviewed by rita, assigns it to alice
// and submits it.
func (env testEnv) openForReview(t *testing.T, severity string) (domain.Card, domain.Correction) {
	t.Helper()
	card := env.advanceTo(t, env.newCard(t).ID, domain.StageFinalization)
	corr, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{
		CardID: card.ID, Description: "Comparable 3 GLA is wrong", Severity: severity, Category: "data", ReviewerID: rita,
	})
	require.NoError(t, err)
	corr, err = env.Engine.AssignCorrection(env.Ctx, org, corr.ID, owner, alice)
	require.NoError(t, err)
	corr, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "Fixed GLA from sketch")
	require.NoError(t, err)
	return card, corr
}

func (env testEnv) history(t *testing.T, f repo.WorkHistoryFilters) []domain.WorkHistoryEntry {
	t.Helper()
	f.OrgID = org
	rows, err := env.Engine.ListWorkHistory(env.Ctx, f)
	require.NoError(t, err)
	return rows
}

func TestCorrectionApproveRestoresStage(t *testing.T) {
	env := newTestEnv(t)
	card := env.advanceTo(t, env.newCard(t).ID, domain.StageFinalization)

	corr, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{
		CardID: card.ID, Description: "Adjustments grid totals off", Severity: domain.SeverityMajor, ReviewerID: rita,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionPending, corr.Status)
	assert.Equal(t, domain.StageFinalization, corr.PreviousStage)
	assert.Equal(t, domain.RequestCorrection, corr.RequestType)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCorrection, detail.CurrentStage)
	require.NotNil(t, detail.PreviousStage)
	assert.Equal(t, domain.StageFinalization, *detail.PreviousStage)

	corr, err = env.Engine.AssignCorrection(env.Ctx, org, corr.ID, owner, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionInProgress, corr.Status)

	corr, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "Re-ran the grid")
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionReview, corr.Status)

	corr, restored, err := env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, rita, "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionApproved, corr.Status)
	assert.NotNil(t, corr.ResolvedAt)
	assert.Equal(t, domain.StageFinalization, restored.CurrentStage)
	assert.Nil(t, restored.PreviousStage)

	approved := env.history(t, repo.WorkHistoryFilters{CorrectionID: corr.ID, EventTypes: []string{domain.HistoryCorrectionApproved}})
	require.Len(t, approved, 1)
	assert.Equal(t, alice, approved[0].UserID)
	require.NotNil(t, approved[0].ImpactScore)
	assert.Equal(t, 3.0, *approved[0].ImpactScore)

	all := env.history(t, repo.WorkHistoryFilters{CorrectionID: corr.ID})
	types := []string{}
	for _, h := range all {
		types = append(types, h.EventType)
	}
	assert.ElementsMatch(t, []string{
		domain.HistoryCorrectionReceived, domain.HistoryCorrectionCompleted, domain.HistoryCorrectionApproved,
	}, types)

	// tasks of the stage the card returned to are reused, not re-materialized
	assert.Len(t, env.stageTasks(t, card.ID, domain.StageFinalization), 3)
}

func TestRejectWithCreateNewKeepsCardInSideState(t *testing.T) {
	env := newTestEnv(t)
	card, corr := env.openForReview(t, domain.SeverityMinor)

	rejected, next, err := env.Engine.RejectCorrection(env.Ctx, org, corr.ID, rita, "still wrong", engine.RejectOptions{CreateNew: true})
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionRejected, rejected.Status)
	require.NotNil(t, next)
	assert.Equal(t, domain.CorrectionPending, next.Status)
	assert.Equal(t, domain.StageFinalization, next.PreviousStage)
	assert.Equal(t, corr.Severity, next.Severity)
	assert.Equal(t, corr.Category, next.Category)
	require.NotNil(t, next.ParentCorrectionID)
	assert.Equal(t, corr.ID, *next.ParentCorrectionID)
	assert.Nil(t, next.AssignedTo)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCorrection, detail.CurrentStage)

	rows := env.history(t, repo.WorkHistoryFilters{CorrectionID: corr.ID, EventTypes: []string{domain.HistoryCorrectionRejected}})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ImpactScore)
	assert.Equal(t, 1.0, *rows[0].ImpactScore)
}

func TestRejectOverridesSeverityOnFollowUp(t *testing.T) {
	env := newTestEnv(t)
	_, corr := env.openForReview(t, domain.SeverityMinor)
	_, next, err := env.Engine.RejectCorrection(env.Ctx, org, corr.ID, rita, "bigger issue", engine.RejectOptions{
		CreateNew: true, Severity: domain.SeverityCritical, Category: "compliance",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, next.Severity)
	assert.Equal(t, "compliance", next.Category)
}

func TestRoundTripAcrossRejectCycles(t *testing.T) {
	env := newTestEnv(t)
	card, corr := env.openForReview(t, domain.SeverityMajor)

	for i := 0; i < 3; i++ {
		_, next, err := env.Engine.RejectCorrection(env.Ctx, org, corr.ID, rita, "again", engine.RejectOptions{CreateNew: true})
		require.NoError(t, err)
		corr, err = env.Engine.AssignCorrection(env.Ctx, org, next.ID, rita, alice)
		require.NoError(t, err)
		corr, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "another pass")
		require.NoError(t, err)
	}
	_, restored, err := env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, rita, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFinalization, restored.CurrentStage)

	list, err := env.Engine.ListCorrections(env.Ctx, rita, repo.CorrectionFilters{OrgID: org, CardID: card.ID})
	require.NoError(t, err)
	require.Len(t, list, 4)
	for _, c := range list {
		assert.Equal(t, domain.StageFinalization, c.PreviousStage)
	}
}

func TestRejectWithoutFollowUpAllowsManualReturn(t *testing.T) {
	env := newTestEnv(t)
	card, corr := env.openForReview(t, domain.SeverityMinor)

	_, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageFinalization, owner, engine.AdvanceOptions{})
	var invalid engine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid, "open correction blocks the return")

	_, next, err := env.Engine.RejectCorrection(env.Ctx, org, corr.ID, rita, "not needed", engine.RejectOptions{})
	require.NoError(t, err)
	assert.Nil(t, next)

	restored, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageFinalization, owner, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StageFinalization, restored.CurrentStage)
}

func TestCorrectionRequiresProductionStage(t *testing.T) {
	env := newTestEnv(t)
	card, _ := env.openForReview(t, "")

	_, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "second"})
	var invalid engine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StageCorrection, invalid.From)
}

func TestCorrectionDefaults(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	corr, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "Fee mismatch"})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMinor, corr.Severity)
	assert.Equal(t, "other", corr.Category)
	assert.Equal(t, domain.StageIntake, corr.PreviousStage)

	_, err = env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "x", Severity: "huge"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRevisionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	card := env.advanceTo(t, env.newCard(t).ID, domain.StageReadyForDelivery)

	rev, err := env.Engine.CreateRevision(env.Ctx, org, owner, "case-9", engine.CorrectionInput{CardID: card.ID, Description: "Lender asks for another comparable"})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRevision, rev.RequestType)
	require.NotNil(t, rev.CaseID)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRevision, detail.CurrentStage)

	_, err = env.Engine.AssignCorrection(env.Ctx, org, rev.ID, owner, bob)
	require.NoError(t, err)
	_, err = env.Engine.CompleteCorrection(env.Ctx, org, rev.ID, bob, "Added comparable 4")
	require.NoError(t, err)
	_, restored, err := env.Engine.ApproveCorrection(env.Ctx, org, rev.ID, rita, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageReadyForDelivery, restored.CurrentStage)

	types := []string{}
	for _, h := range env.history(t, repo.WorkHistoryFilters{UserID: bob}) {
		types = append(types, h.EventType)
	}
	assert.ElementsMatch(t, []string{
		domain.HistoryRevisionReceived, domain.HistoryRevisionCompleted, domain.HistoryCorrectionApproved,
	}, types)
}

func TestCorrectionStateErrors(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	corr, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "x"})
	require.NoError(t, err)

	_, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, owner, "done")
	var state engine.InvalidCorrectionStateError
	require.ErrorAs(t, err, &state)
	assert.Equal(t, domain.CorrectionPending, state.Status)

	_, _, err = env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, owner, "")
	require.ErrorAs(t, err, &state)

	_, err = env.Engine.AssignCorrection(env.Ctx, org, corr.ID, owner, alice)
	require.NoError(t, err)
	_, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "  ")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	_, _, err = env.Engine.RejectCorrection(env.Ctx, org, corr.ID, owner, "no", engine.RejectOptions{})
	require.ErrorAs(t, err, &state)
}

func TestCorrectionCapabilities(t *testing.T) {
	env := newTestEnv(t)
	card := env.advanceTo(t, env.newCard(t).ID, domain.StageScheduling)
	corr, err := env.Engine.CreateCorrection(env.Ctx, org, alice, engine.CorrectionInput{CardID: card.ID, Description: "Wrong borrower phone", ReviewerID: rita})
	require.NoError(t, err)

	var forbidden auth.ForbiddenError
	_, err = env.Engine.AssignCorrection(env.Ctx, org, corr.ID, bob, bob)
	require.ErrorAs(t, err, &forbidden, "bob is not involved")

	_, err = env.Engine.AssignCorrection(env.Ctx, org, corr.ID, alice, bob)
	require.NoError(t, err, "requester may assign")

	_, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "fixed")
	require.ErrorAs(t, err, &forbidden, "only the assignee completes")
	_, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, bob, "fixed")
	require.NoError(t, err)

	_, _, err = env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, ron, "")
	require.ErrorAs(t, err, &forbidden, "ron is not the designated reviewer")

	_, err = env.Engine.GetCorrection(env.Ctx, org, corr.ID, viewer)
	require.ErrorAs(t, err, &forbidden)
	_, err = env.Engine.GetCorrection(env.Ctx, org, corr.ID, bob)
	require.NoError(t, err)
	_, err = env.Engine.GetCorrection(env.Ctx, org, corr.ID, ron)
	require.NoError(t, err, "reviewers hold correction.read_all")

	_, _, err = env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, owner, "admin override")
	require.NoError(t, err)
}

func TestAnyReviewerMayApproveWhenNoneDesignated(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	corr, err := env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "x", AssignedTo: alice})
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionInProgress, corr.Status)
	_, err = env.Engine.CompleteCorrection(env.Ctx, org, corr.ID, alice, "done")
	require.NoError(t, err)

	var forbidden auth.ForbiddenError
	_, _, err = env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, bob, "")
	require.ErrorAs(t, err, &forbidden)

	corr, _, err = env.Engine.ApproveCorrection(env.Ctx, org, corr.ID, ron, "")
	require.NoError(t, err)
	require.NotNil(t, corr.ReviewerID)
	assert.Equal(t, ron, *corr.ReviewerID)
}

func TestListCorrectionsScopedToInvolvement(t *testing.T) {
	env := newTestEnv(t)
	_, corr := env.openForReview(t, domain.SeverityMinor)

	mine, err := env.Engine.ListCorrections(env.Ctx, alice, repo.CorrectionFilters{OrgID: org})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, corr.ID, mine[0].ID)

	none, err := env.Engine.ListCorrections(env.Ctx, bob, repo.CorrectionFilters{OrgID: org})
	require.NoError(t, err)
	assert.Empty(t, none)

	stats, err := env.Engine.CorrectionStats(env.Ctx, org, rita)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Review)
	assert.Equal(t, 1, stats.MyReviews)
}

func TestCancelFromCorrectionClosesIt(t *testing.T) {
	env := newTestEnv(t)
	card, corr := env.openForReview(t, "minor")

	_, err := env.Engine.CancelCard(env.Ctx, org, card.ID, rita, "client withdrew")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	card, err = env.Engine.CancelCard(env.Ctx, org, card.ID, owner, "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, card.CurrentStage)

	closed, err := env.Engine.GetCorrection(env.Ctx, org, corr.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.CorrectionRejected, closed.Status)
	require.NotNil(t, closed.ResolvedAt)
	assert.Empty(t, env.history(t, repo.WorkHistoryFilters{CorrectionID: corr.ID, EventTypes: []string{domain.HistoryCorrectionRejected}}))

	card, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageWorkfile, owner, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StageWorkfile, card.CurrentStage)
}
