package repo

import (
	"context"
	"time"

	"prodline/internal/domain"
)

// MetricsWindow holds the RFC3339 boundaries the dashboard counts against.
type MetricsWindow struct {
	DayStart   string
	DayEnd     string
	WeekStart  string
	MonthStart string
}

// ProductionMetrics counts cards and corrections for the dashboard. Turn times are left to
// the caller; see DeliveredDurations.
func (r Repo) ProductionMetrics(ctx context.Context, orgID string, w MetricsWindow) (domain.ProductionMetrics, error) {
	m := domain.ProductionMetrics{OrgID: orgID}
	err := r.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(current_stage NOT IN ('DELIVERED','WORKFILE','CANCELLED')),0),
COALESCE(SUM(current_stage='READY_FOR_DELIVERY'),0),
COALESCE(SUM(current_stage NOT IN ('DELIVERED','WORKFILE','CANCELLED') AND due_date>=? AND due_date<?),0),
COALESCE(SUM(current_stage NOT IN ('DELIVERED','WORKFILE','CANCELLED') AND due_date<?),0),
COALESCE(SUM(current_stage IN ('CORRECTION','REVISION')),0),
COALESCE(SUM(current_stage NOT IN ('CORRECTION','REVISION','DELIVERED','WORKFILE','CANCELLED')),0),
COALESCE(SUM(current_stage='ON_HOLD'),0),
COALESCE(SUM(completed_at>=? AND completed_at<?),0),
COALESCE(SUM(completed_at>=?),0)
FROM production_cards WHERE org_id=?`,
		w.DayStart, w.DayEnd, w.DayStart, w.DayStart, w.DayEnd, w.WeekStart, orgID).
		Scan(&m.Active, &m.ReadyForDelivery, &m.DueToday, &m.Overdue, &m.InReview, &m.NotInReview, &m.OnHold,
			&m.DeliveredToday, &m.DeliveredPast7Days)
	if err != nil {
		return domain.ProductionMetrics{}, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT
COUNT(DISTINCT CASE WHEN status IN ('pending','in_progress') THEN production_card_id END),
COUNT(DISTINCT CASE WHEN request_type='correction' AND status NOT IN ('approved','rejected') THEN production_card_id END),
COALESCE(SUM(status='review'),0)
FROM correction_requests WHERE org_id=?`, orgID).
		Scan(&m.FilesWithIssues, &m.FilesWithCorrection, &m.CorrectionReview)
	if err != nil {
		return domain.ProductionMetrics{}, err
	}
	return m, nil
}

// DeliveredDurations returns intake-to-delivery durations of cards delivered since the given time.
func (r Repo) DeliveredDurations(ctx context.Context, orgID, since string) ([]time.Duration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT created_at, completed_at FROM production_cards
WHERE org_id=? AND completed_at IS NOT NULL AND completed_at>=?`, orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Duration
	for rows.Next() {
		var created, completed string
		if err := rows.Scan(&created, &completed); err != nil {
			return nil, err
		}
		start, err := time.Parse(time.RFC3339, created)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, completed)
		if err != nil {
			continue
		}
		out = append(out, end.Sub(start))
	}
	return out, rows.Err()
}
