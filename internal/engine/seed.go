package engine

import (
	"context"

	"prodline/internal/domain"
)

type seedTask struct {
	stage    domain.Stage
	title    string
	role     string
	minutes  int
	required bool
}

// defaultChecklist is the residential appraisal checklist installed by `pl org init`.
var defaultChecklist = []seedTask{
	{domain.StageIntake, "Review engagement letter", "admin", 10, true},
	{domain.StageIntake, "Verify order details and fee", "admin", 10, true},
	{domain.StageIntake, "Assign appraiser", "admin", 5, true},
	{domain.StageScheduling, "Contact borrower or agent", "appraiser", 15, true},
	{domain.StageScheduling, "Confirm access instructions", "appraiser", 5, false},
	{domain.StageScheduled, "Pull public records and MLS history", "appraiser", 30, true},
	{domain.StageScheduled, "Select preliminary comparables", "appraiser", 45, false},
	{domain.StageInspected, "Upload inspection photos", "appraiser", 20, true},
	{domain.StageInspected, "Record sketch and measurements", "appraiser", 30, true},
	{domain.StageInspected, "Note property condition", "appraiser", 15, true},
	{domain.StageFinalization, "Complete adjustments grid", "appraiser", 60, true},
	{domain.StageFinalization, "Write reconciliation", "appraiser", 30, true},
	{domain.StageFinalization, "Review report", "reviewer", 30, true},
	{domain.StageReadyForDelivery, "Generate final PDF", "admin", 10, true},
	{domain.StageReadyForDelivery, "Confirm invoice", "admin", 5, false},
	{domain.StageDelivered, "Send delivery confirmation", "admin", 5, false},
}

// SeedDefaultTemplate installs the built-in checklist as the org's catch-all default template.
func (e Engine) SeedDefaultTemplate(ctx context.Context, orgID, actorID string) (domain.Template, error) {
	in := TemplateInput{
		Name:        "Standard residential",
		Description: "Built-in checklist for residential appraisals",
		IsDefault:   true,
	}
	for _, t := range defaultChecklist {
		in.Tasks = append(in.Tasks, TemplateTaskInput{
			Stage:            t.stage,
			Title:            t.title,
			Role:             t.role,
			EstimatedMinutes: t.minutes,
			IsRequired:       t.required,
			SortOrder:        -1,
		})
	}
	return e.CreateTemplate(ctx, orgID, actorID, in)
}
