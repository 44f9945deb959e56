package engine

import (
	"context"
	"time"

	"prodline/internal/domain"
	"prodline/internal/repo"
)

// DashboardMetrics summarizes the org's pipeline as of now: due and overdue files, review
// load, deliveries and average turn time over the last 7 and 30 days.
func (e Engine) DashboardMetrics(ctx context.Context, orgID string) (domain.ProductionMetrics, error) {
	if orgID == "" {
		return domain.ProductionMetrics{}, invalid("org_id", "required")
	}
	if _, err := e.Repo.GetOrg(ctx, nil, orgID); err != nil {
		return domain.ProductionMetrics{}, err
	}
	now := e.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	w := repo.MetricsWindow{
		DayStart:   day.Format(time.RFC3339),
		DayEnd:     day.AddDate(0, 0, 1).Format(time.RFC3339),
		WeekStart:  day.AddDate(0, 0, -7).Format(time.RFC3339),
		MonthStart: day.AddDate(0, 0, -30).Format(time.RFC3339),
	}
	m, err := e.Repo.ProductionMetrics(ctx, orgID, w)
	if err != nil {
		return domain.ProductionMetrics{}, err
	}
	m.AsOf = now.Format(time.RFC3339)
	if m.AvgTurnTime1Week, err = e.avgTurnTime(ctx, orgID, w.WeekStart); err != nil {
		return domain.ProductionMetrics{}, err
	}
	if m.AvgTurnTime30Days, err = e.avgTurnTime(ctx, orgID, w.MonthStart); err != nil {
		return domain.ProductionMetrics{}, err
	}
	return m, nil
}

// avgTurnTime is nil when nothing was delivered in the window.
func (e Engine) avgTurnTime(ctx context.Context, orgID, since string) (*domain.TurnTime, error) {
	durations, err := e.Repo.DeliveredDurations(ctx, orgID, since)
	if err != nil || len(durations) == 0 {
		return nil, err
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	tt := domain.NewTurnTime(int((total / time.Duration(len(durations))).Minutes()))
	return &tt, nil
}
