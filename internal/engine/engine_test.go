package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/migrate"
	"prodline/internal/repo"
)

const (
	org      = "org-1"
	otherOrg = "org-2"
	owner    = "owner"
	alice    = "alice"
	bob      = "bob"
	rita     = "rita"
	ron      = "ron"
	viewer   = "vic"
)

// testClock advances one second on every read so rows get distinct timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	clock := &testClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, nil)
	eng.Now = clock.Now

	_, err = eng.InitOrg(ctx, org, "Acme Appraisals", owner, config.Default(org))
	require.NoError(t, err)
	_, err = eng.SeedDefaultTemplate(ctx, org, owner)
	require.NoError(t, err)
	for actor, role := range map[string]string{alice: "appraiser", bob: "appraiser", rita: "reviewer", ron: "reviewer", viewer: "viewer"} {
		require.NoError(t, eng.GrantRole(ctx, org, owner, actor, role))
	}
	_, err = eng.InitOrg(ctx, otherOrg, "Other", "owner-2", config.Default(otherOrg))
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Clock: clock}
}

func (env testEnv) newCard(t *testing.T) domain.Card {
	t.Helper()
	card, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "order-1", OrderNumber: "A-100", OrderType: "purchase", PropertyType: "sfr"})
	require.NoError(t, err)
	return card
}

func (env testEnv) stageTasks(t *testing.T, cardID string, stage domain.Stage) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{OrgID: org, CardID: cardID, Stage: stage})
	require.NoError(t, err)
	return tasks
}

func (env testEnv) completeRequired(t *testing.T, cardID string, stage domain.Stage) {
	t.Helper()
	for _, task := range env.stageTasks(t, cardID, stage) {
		if task.IsRequired {
			_, err := env.Engine.CompleteTask(env.Ctx, org, task.ID, owner)
			require.NoError(t, err)
		}
	}
}

// advanceTo walks the card forward, completing each stage's required tasks on the way.
func (env testEnv) advanceTo(t *testing.T, cardID string, target domain.Stage) domain.Card {
	t.Helper()
	detail, err := env.Engine.GetCard(env.Ctx, org, cardID)
	require.NoError(t, err)
	card := detail.Card
	for card.CurrentStage != target {
		env.completeRequired(t, cardID, card.CurrentStage)
		next, ok := card.CurrentStage.Next()
		require.True(t, ok, "no stage after %s", card.CurrentStage)
		card, err = env.Engine.AdvanceStage(env.Ctx, org, cardID, next, owner, engine.AdvanceOptions{})
		require.NoError(t, err)
	}
	return card
}

func (env testEnv) countEvents(t *testing.T, evtType, entityID string) int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 500, 0, repo.EventFilters{OrgID: org, Type: evtType, EntityID: entityID})
	require.NoError(t, err)
	return len(evts)
}

func TestCreateCardMaterializesIntake(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)

	assert.Equal(t, domain.StageIntake, card.CurrentStage)
	assert.Equal(t, []domain.Stage{domain.StageIntake}, card.ProcessedStages)
	require.NotNil(t, card.TemplateID)

	tasks := env.stageTasks(t, card.ID, domain.StageIntake)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, domain.TaskPending, task.Status)
		assert.Equal(t, i, task.SortOrder)
		assert.NotNil(t, task.TemplateTaskID)
	}
	assert.Empty(t, env.stageTasks(t, card.ID, domain.StageScheduling))

	acts, err := env.Engine.Repo.ListOrderActivities(env.Ctx, org, "order-1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "card_created", acts[0].ActivityType)
}

func TestCreateCardValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "order_id", verr.Field)

	_, err = env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "o", Priority: "asap"})
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "o", Metadata: domain.Metadata{"nested": map[string]any{"a": 1}}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "metadata", verr.Field)
}

// Required tasks of the current stage gate forward moves.
func TestAdvanceBlockedByIncompleteRequiredTasks(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	card = env.advanceTo(t, card.ID, domain.StageInspected)

	tasks := env.stageTasks(t, card.ID, domain.StageInspected)
	require.Len(t, tasks, 3)
	for _, task := range tasks[:2] {
		_, err := env.Engine.CompleteTask(env.Ctx, org, task.ID, alice)
		require.NoError(t, err)
	}

	_, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageFinalization, alice, engine.AdvanceOptions{})
	var incomplete engine.IncompleteRequiredTasksError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, domain.StageInspected, incomplete.Stage)
	assert.Equal(t, []string{tasks[2].ID}, incomplete.TaskIDs)
	assert.Empty(t, env.stageTasks(t, card.ID, domain.StageFinalization))

	_, err = env.Engine.CompleteTask(env.Ctx, org, tasks[2].ID, alice)
	require.NoError(t, err)
	card, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageFinalization, alice, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StageFinalization, card.CurrentStage)
	assert.Len(t, env.stageTasks(t, card.ID, domain.StageFinalization), 3)
}

func TestAdvanceRejectsSkipsAndBackwardMoves(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)

	_, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduled, owner, engine.AdvanceOptions{})
	var invalid engine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StageIntake, invalid.From)
	assert.Equal(t, []domain.Stage{domain.StageScheduling, domain.StageCorrection, domain.StageRevision}, invalid.Allowed)

	card = env.advanceTo(t, card.ID, domain.StageScheduling)
	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageIntake, owner, engine.AdvanceOptions{})
	require.ErrorAs(t, err, &invalid)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageOnHold, owner, engine.AdvanceOptions{})
	require.ErrorAs(t, err, &invalid)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.Stage("NOPE"), owner, engine.AdvanceOptions{})
	require.ErrorAs(t, err, &invalid)
}

func TestAdvanceSetsLifecycleTimestamps(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	assert.Nil(t, card.StartedAt)

	card = env.advanceTo(t, card.ID, domain.StageScheduling)
	require.NotNil(t, card.StartedAt)
	assert.Nil(t, card.CompletedAt)

	card = env.advanceTo(t, card.ID, domain.StageDelivered)
	require.NotNil(t, card.CompletedAt)
	card = env.advanceTo(t, card.ID, domain.StageWorkfile)
	assert.Equal(t, domain.StageWorkfile, card.CurrentStage)
	assert.Len(t, card.ProcessedStages, 8)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Allowed)

	acts, err := env.Engine.Repo.ListOrderActivities(env.Ctx, org, "order-1", 50)
	require.NoError(t, err)
	changes := 0
	for _, a := range acts {
		if a.ActivityType == "status_changed" {
			changes++
		}
	}
	assert.Equal(t, 7, changes)
}

func TestOverrideNeedsPermissionAndJustification(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)

	_, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, alice, engine.AdvanceOptions{Override: true, Justification: "rush"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermCardOverride, forbidden.Permission)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{Override: true})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "justification", verr.Field)

	card, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{Override: true, Justification: "client rush order"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)
	assert.Equal(t, 1, env.countEvents(t, events.CardStageOverride, card.ID))
}

func TestOverrideJustificationOptionalByConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(org)
	no := false
	cfg.Policies.Override.RequireJustification = &no
	require.NoError(t, env.Engine.UpdateOrgConfig(env.Ctx, org, owner, cfg))

	card := env.newCard(t)
	card, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{Override: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)
}

func TestExpectedStageMismatch(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	env.completeRequired(t, card.ID, domain.StageIntake)
	_, err := env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{ExpectedStage: domain.StageIntake})
	require.NoError(t, err)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{ExpectedStage: domain.StageIntake})
	var conflict engine.ConcurrentModificationError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StageIntake, conflict.Expected)
	assert.Equal(t, domain.StageScheduling, conflict.Actual)
}

// Two writers holding the same stale stage race; exactly one wins.
func TestConcurrentAdvanceOneWins(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	env.completeRequired(t, card.ID, domain.StageIntake)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{ExpectedStage: domain.StageIntake})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		var conflict engine.ConcurrentModificationError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduling, detail.CurrentStage)
	assert.Len(t, env.stageTasks(t, card.ID, domain.StageScheduling), 2)
}

func TestHoldResumeCancel(t *testing.T) {
	env := newTestEnv(t)
	card := env.advanceTo(t, env.newCard(t).ID, domain.StageScheduling)

	_, err := env.Engine.HoldCard(env.Ctx, org, card.ID, owner, " ")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	card, err = env.Engine.HoldCard(env.Ctx, org, card.ID, owner, "waiting on access")
	require.NoError(t, err)
	assert.Equal(t, domain.StageOnHold, card.CurrentStage)
	require.NotNil(t, card.PreviousStage)
	assert.Equal(t, domain.StageScheduling, *card.PreviousStage)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduled, owner, engine.AdvanceOptions{})
	var invalid engine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	_, err = env.Engine.CreateCorrection(env.Ctx, org, owner, engine.CorrectionInput{CardID: card.ID, Description: "x"})
	require.ErrorAs(t, err, &invalid)

	card, err = env.Engine.ResumeCard(env.Ctx, org, card.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)
	assert.Nil(t, card.PreviousStage)
	assert.Nil(t, card.HoldReason)

	_, err = env.Engine.ResumeCard(env.Ctx, org, card.ID, owner)
	require.ErrorAs(t, err, &invalid)

	card, err = env.Engine.CancelCard(env.Ctx, org, card.ID, owner, "order withdrawn")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, card.CurrentStage)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageWorkfile}, detail.Allowed)

	card, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageWorkfile, owner, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StageWorkfile, card.CurrentStage)
}

func TestStageReadiness(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	r, err := env.Engine.StageReadiness(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, r.RequiredTotal)
	assert.Equal(t, 0, r.RequiredCompleted)
	assert.Len(t, r.Missing, 3)
	assert.False(t, r.Ready)

	env.completeRequired(t, card.ID, domain.StageIntake)
	r, err = env.Engine.StageReadiness(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	assert.Empty(t, r.Missing)
}

func TestUpdateCardMergesMetadata(t *testing.T) {
	env := newTestEnv(t)
	card, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "o-2", Metadata: domain.Metadata{"lender": "First Bank", "rush": true}})
	require.NoError(t, err)

	prio := domain.PriorityUrgent
	due := "2024-02-01"
	card, err = env.Engine.UpdateCard(env.Ctx, org, card.ID, owner, engine.CardUpdate{
		Priority: &prio,
		DueDate:  &due,
		Metadata: domain.Metadata{"rush": nil, "loan_amount": 350000},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityUrgent, card.Priority)
	require.NotNil(t, card.DueDate)
	assert.Equal(t, "2024-02-01T00:00:00Z", *card.DueDate)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "First Bank", detail.Metadata["lender"])
	assert.NotContains(t, detail.Metadata, "rush")
	assert.EqualValues(t, 350000, detail.Metadata["loan_amount"])
}

func TestCrossTenantReadsAreNotFound(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)

	_, err := env.Engine.GetCard(env.Ctx, otherOrg, card.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.AdvanceStage(env.Ctx, otherOrg, card.ID, domain.StageScheduling, "owner-2", engine.AdvanceOptions{Override: true, Justification: "x"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	cards, err := env.Engine.ListCards(env.Ctx, repo.CardFilters{OrgID: otherOrg})
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestListCardsFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.newCard(t)
	_, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "order-2", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	env.advanceTo(t, a.ID, domain.StageScheduling)

	cards, err := env.Engine.ListCards(env.Ctx, repo.CardFilters{OrgID: org, Stages: []domain.Stage{domain.StageScheduling}})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, a.ID, cards[0].ID)

	cards, err = env.Engine.ListCards(env.Ctx, repo.CardFilters{OrgID: org, Priority: domain.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "order-2", cards[0].OrderID)
}

func TestScanAlerts(t *testing.T) {
	env := newTestEnv(t)
	card := env.newCard(t)
	due := "2024-01-02"
	_, err := env.Engine.UpdateCard(env.Ctx, org, card.ID, owner, engine.CardUpdate{DueDate: &due})
	require.NoError(t, err)

	alerts, err := env.Engine.ScanAlerts(env.Ctx, org, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	later := time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC)
	alerts, err = env.Engine.ScanAlerts(env.Ctx, org, later)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	byType := map[string]domain.Alert{}
	for _, a := range alerts {
		byType[a.AlertType] = a
	}
	assert.Equal(t, domain.AlertCritical, byType[domain.AlertStuckInStage].Severity)
	assert.Contains(t, byType, domain.AlertOverdue)

	again, err := env.Engine.ScanAlerts(env.Ctx, org, later)
	require.NoError(t, err)
	assert.Empty(t, again)

	resolved, err := env.Engine.ResolveAlert(env.Ctx, org, byType[domain.AlertOverdue].ID, owner, "extended")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)

	open := true
	list, err := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{OrgID: org, Open: &open})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRBACGrantRequiresManage(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.GrantRole(env.Ctx, org, alice, bob, "admin")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	who, err := env.Engine.WhoAmI(env.Ctx, org, rita)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer"}, who.Roles)
	assert.Contains(t, who.Permissions, auth.PermCorrectionReview)

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, org, owner, rita, "reviewer"))
	who, err = env.Engine.WhoAmI(env.Ctx, org, rita)
	require.NoError(t, err)
	assert.Empty(t, who.Roles)
}
