package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prodline/internal/domain"
	"prodline/internal/events"
	"prodline/internal/repo"
)

const systemActor = "system"

// ScanAlerts raises stuck_in_stage and overdue alerts for the org's open cards as of now.
// Cards that already carry an unresolved alert of the same kind for the same stage are skipped.
func (e Engine) ScanAlerts(ctx context.Context, orgID string, now time.Time) ([]domain.Alert, error) {
	if _, err := e.Repo.GetOrg(ctx, nil, orgID); err != nil {
		return nil, err
	}
	cards, err := e.Repo.ActiveCardsForScan(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	cfg, err := e.orgConfig(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	stamp := now.Format(time.RFC3339)
	raised := []domain.Alert{}
	raise := func(card domain.Card, alertType, severity, msg string, stage *domain.Stage, meta domain.Metadata) error {
		var key domain.Stage
		if stage != nil {
			key = *stage
		}
		open, err := e.Repo.HasOpenAlert(ctx, tx, orgID, card.ID, alertType, key)
		if err != nil || open {
			return err
		}
		cardID := card.ID
		a := domain.Alert{
			ID:        uuid.NewString(),
			OrgID:     orgID,
			CardID:    &cardID,
			AlertType: alertType,
			Severity:  severity,
			Message:   msg,
			Stage:     stage,
			Metadata:  meta,
			CreatedAt: stamp,
		}
		if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.AlertRaised, orgID, "alert", a.ID, systemActor, events.EventPayload{
			"card_id": card.ID, "alert_type": alertType, "severity": severity,
		}); err != nil {
			return err
		}
		raised = append(raised, a)
		return nil
	}

	for _, card := range cards {
		if days := cfg.SLADays(card.CurrentStage); days > 0 {
			entered, err := time.Parse(time.RFC3339, card.StageEnteredAt)
			if err == nil {
				sla := time.Duration(days * float64(24*time.Hour))
				if elapsed := now.Sub(entered); elapsed > sla {
					severity := domain.AlertWarning
					if elapsed > 2*sla {
						severity = domain.AlertCritical
					}
					stage := card.CurrentStage
					hours := int(elapsed.Hours())
					msg := fmt.Sprintf("Order %s has been in %s for %dh (SLA %.1f days)", orderLabel(card), stage, hours, days)
					if err := raise(card, domain.AlertStuckInStage, severity, msg, &stage, domain.Metadata{"hours_in_stage": hours, "sla_days": days}); err != nil {
						return nil, err
					}
				}
			}
		}
		if card.DueDate != nil && card.CurrentStage != domain.StageDelivered {
			due, err := time.Parse(time.RFC3339, *card.DueDate)
			if err == nil && now.After(due) {
				msg := fmt.Sprintf("Order %s is past its due date %s", orderLabel(card), due.Format("2006-01-02"))
				if err := raise(card, domain.AlertOverdue, domain.AlertCritical, msg, nil, domain.Metadata{"due_date": *card.DueDate}); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(raised) > 0 {
		e.log().Info("sla alerts raised", zap.String("org_id", orgID), zap.Int("count", len(raised)))
	}
	return raised, nil
}

func orderLabel(c domain.Card) string {
	if strings.TrimSpace(c.OrderNumber) != "" {
		return c.OrderNumber
	}
	return c.OrderID
}

func (e Engine) ResolveAlert(ctx context.Context, orgID, alertID, actorID, notes string) (domain.Alert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAlert(ctx, tx, orgID, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	if a.IsResolved {
		return a, nil
	}
	now := e.ts()
	ok, err := e.Repo.ResolveAlert(ctx, tx, orgID, alertID, actorID, strings.TrimSpace(notes), now)
	if err != nil {
		return domain.Alert{}, err
	}
	if ok {
		if err := e.events().Append(ctx, tx, events.AlertResolved, orgID, "alert", a.ID, actorID, nil); err != nil {
			return domain.Alert{}, err
		}
	}
	if a, err = e.Repo.GetAlert(ctx, tx, orgID, alertID); err != nil {
		return domain.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, err
	}
	return a, nil
}

func (e Engine) ListAlerts(ctx context.Context, f repo.AlertFilters) ([]domain.Alert, error) {
	return e.Repo.ListAlerts(ctx, f)
}
