package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/engine"
)

func intPtr(v int) *int { return &v }

func TestResolveTemplatePreference(t *testing.T) {
	env := newTestEnv(t)
	seeded, err := env.Engine.ResolveTemplate(env.Ctx, org, "refinance", "condo")
	require.NoError(t, err)
	require.NotNil(t, seeded)
	assert.True(t, seeded.IsDefault)

	specific, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name: "Refinance", ApplicableOrderTypes: []string{"refinance"},
	})
	require.NoError(t, err)
	got, err := env.Engine.ResolveTemplate(env.Ctx, org, "refinance", "condo")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, got.ID, "a default outranks a more specific non-default")

	_, err = env.Engine.SetDefaultTemplate(env.Ctx, org, specific.ID, owner)
	require.NoError(t, err)
	got, err = env.Engine.ResolveTemplate(env.Ctx, org, "Refinance", "condo")
	require.NoError(t, err)
	assert.Equal(t, specific.ID, got.ID)

	got, err = env.Engine.ResolveTemplate(env.Ctx, org, "purchase", "condo")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestDefaultIsExclusivePerApplicability(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.ResolveTemplate(env.Ctx, org, "", "")
	require.NoError(t, err)

	second, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{Name: "Replacement", IsDefault: true})
	require.NoError(t, err)
	assert.True(t, second.IsDefault)

	old, err := env.Engine.GetTemplate(env.Ctx, org, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault)

	all, err := env.Engine.ListTemplates(env.Ctx, org, true)
	require.NoError(t, err)
	defaults := 0
	for _, tpl := range all {
		if tpl.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)

	no := false
	_, err = env.Engine.UpdateTemplate(env.Ctx, org, second.ID, owner, engine.TemplateUpdate{IsActive: &no})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr engine.ValidationError

	_, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name:  "Bad stage",
		Tasks: []engine.TemplateTaskInput{{Stage: domain.StageCorrection, Title: "x", Role: "appraiser"}},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stage", verr.Field)

	_, err = env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name: "Bad parent",
		Tasks: []engine.TemplateTaskInput{
			{Stage: domain.StageIntake, Title: "child", Role: "admin", ParentIndex: intPtr(1)},
			{Stage: domain.StageIntake, Title: "parent", Role: "admin"},
		},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "parent_index", verr.Field)
}

func TestMaterializeRemapsSubtaskParents(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name: "Desk review", ApplicableOrderTypes: []string{"desk"}, IsDefault: true,
		Tasks: []engine.TemplateTaskInput{
			{Stage: domain.StageIntake, Title: "Gather file", Role: "admin", IsRequired: true, SortOrder: 0},
			{Stage: domain.StageIntake, Title: "Original report", Role: "admin", SortOrder: 1, ParentIndex: intPtr(0)},
			{Stage: domain.StageIntake, Title: "Engagement", Role: "admin", SortOrder: 2, ParentIndex: intPtr(0)},
		},
	})
	require.NoError(t, err)
	require.Len(t, tpl.Tasks, 3)

	card, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "d-1", OrderType: "desk"})
	require.NoError(t, err)
	require.NotNil(t, card.TemplateID)
	assert.Equal(t, tpl.ID, *card.TemplateID)

	tasks := env.stageTasks(t, card.ID, domain.StageIntake)
	require.Len(t, tasks, 3)
	parent := tasks[0]
	assert.Nil(t, parent.ParentTaskID)
	for _, child := range tasks[1:] {
		require.NotNil(t, child.ParentTaskID)
		assert.Equal(t, parent.ID, *child.ParentTaskID)
	}
}

func TestAddTemplateTaskAppends(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.ResolveTemplate(env.Ctx, org, "", "")
	require.NoError(t, err)
	tt, err := env.Engine.AddTemplateTask(env.Ctx, org, tpl.ID, owner, engine.TemplateTaskInput{
		Stage: domain.StageIntake, Title: "Check licensing", Role: "admin", SortOrder: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tt.SortOrder)

	card := env.newCard(t)
	assert.Len(t, env.stageTasks(t, card.ID, domain.StageIntake), 4)
}

func TestStageWithoutTasksFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name: "Commercial intake", ApplicableOrderTypes: []string{"commercial"}, IsDefault: true,
		Tasks: []engine.TemplateTaskInput{{Stage: domain.StageIntake, Title: "Intake check", Role: "admin", IsRequired: true}},
	})
	require.NoError(t, err)
	card, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "c-1", OrderType: "commercial"})
	require.NoError(t, err)
	env.completeRequired(t, card.ID, domain.StageIntake)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Len(t, env.stageTasks(t, card.ID, domain.StageScheduling), 2, "seeded default supplies SCHEDULING")
}

func TestStageWithoutTasksBlocksUnderBlockPolicy(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(org)
	cfg.Policies.MissingTemplate = config.MissingTemplateBlock
	require.NoError(t, env.Engine.UpdateOrgConfig(env.Ctx, org, owner, cfg))

	_, err := env.Engine.CreateTemplate(env.Ctx, org, owner, engine.TemplateInput{
		Name: "Commercial intake", ApplicableOrderTypes: []string{"commercial"}, IsDefault: true,
		Tasks: []engine.TemplateTaskInput{{Stage: domain.StageIntake, Title: "Intake check", Role: "admin", IsRequired: true}},
	})
	require.NoError(t, err)
	card, err := env.Engine.CreateCard(env.Ctx, org, owner, engine.CardInput{OrderID: "c-1", OrderType: "commercial"})
	require.NoError(t, err)
	env.completeRequired(t, card.ID, domain.StageIntake)

	_, err = env.Engine.AdvanceStage(env.Ctx, org, card.ID, domain.StageScheduling, owner, engine.AdvanceOptions{})
	var notFound engine.TemplateNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, domain.StageScheduling, notFound.Stage)

	detail, err := env.Engine.GetCard(env.Ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageIntake, detail.CurrentStage, "failed materialization rolls the move back")
}

func TestMissingTemplatePolicies(t *testing.T) {
	env := newTestEnv(t)
	const owner2 = "owner-2"

	_, err := env.Engine.CreateCard(env.Ctx, otherOrg, owner2, engine.CardInput{OrderID: "x-1"})
	var notFound engine.TemplateNotFoundError
	require.ErrorAs(t, err, &notFound, "fallback_default with no default template")

	cfg := config.Default(otherOrg)
	cfg.Policies.MissingTemplate = config.MissingTemplateBlock
	require.NoError(t, env.Engine.UpdateOrgConfig(env.Ctx, otherOrg, owner2, cfg))
	_, err = env.Engine.CreateCard(env.Ctx, otherOrg, owner2, engine.CardInput{OrderID: "x-1"})
	require.ErrorAs(t, err, &notFound)

	cfg.Policies.MissingTemplate = config.MissingTemplateEmpty
	require.NoError(t, env.Engine.UpdateOrgConfig(env.Ctx, otherOrg, owner2, cfg))
	card, err := env.Engine.CreateCard(env.Ctx, otherOrg, owner2, engine.CardInput{OrderID: "x-1"})
	require.NoError(t, err)
	assert.Nil(t, card.TemplateID)

	card, err = env.Engine.AdvanceStage(env.Ctx, otherOrg, card.ID, domain.StageScheduling, owner2, engine.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduling, card.CurrentStage)
}
