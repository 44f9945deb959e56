package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
	"prodline/internal/scheduler"
)

// --- metrics ---

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Production dashboard counts and turn times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				m, err := e.DashboardMetrics(ctx, orgID)
				if err != nil {
					return err
				}
				return printRows(m, table.Row{"Metric", "Value"}, metricRows(m))
			})
		},
	}
}

func metricRows(m domain.ProductionMetrics) []table.Row {
	return []table.Row{
		{"Active", m.Active},
		{"Ready for delivery", m.ReadyForDelivery},
		{"Due today", m.DueToday},
		{"Overdue", m.Overdue},
		{"In review", m.InReview},
		{"Not in review", m.NotInReview},
		{"On hold", m.OnHold},
		{"Files with issues", m.FilesWithIssues},
		{"Files with correction", m.FilesWithCorrection},
		{"Corrections in review", m.CorrectionReview},
		{"Delivered today", m.DeliveredToday},
		{"Delivered past 7 days", m.DeliveredPast7Days},
		{"Avg turn time (7d)", formatTurnTime(m.AvgTurnTime1Week)},
		{"Avg turn time (30d)", formatTurnTime(m.AvgTurnTime30Days)},
	}
}

func formatTurnTime(tt *domain.TurnTime) string {
	if tt == nil {
		return "-"
	}
	return fmt.Sprintf("%dw %dd %dh", tt.Weeks, tt.Days, tt.Hours)
}

// --- alerts ---

func alertCmd() *cobra.Command {
	a := &cobra.Command{Use: "alert", Short: "SLA alerts"}
	a.AddCommand(alertListCmd())
	a.AddCommand(alertScanCmd())
	a.AddCommand(alertResolveCmd())
	return a
}

func alertListCmd() *cobra.Command {
	var f repo.AlertFilters
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, open ones by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				open := true
				f.Open = &open
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermAlertRead); err != nil {
					return err
				}
				f.OrgID = orgID
				alerts, err := e.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(alerts))
				for _, a := range alerts {
					rows = append(rows, table.Row{a.ID, a.AlertType, a.Severity, deref(a.CardID), a.Message, a.IsResolved, a.CreatedAt})
				}
				return printRows(alerts, table.Row{"ID", "Type", "Severity", "Card", "Message", "Resolved", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.CardID, "card", "", "card filter")
	cmd.Flags().StringVar(&f.AlertType, "type", "", "overdue|stuck_in_stage|blocked")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "info|warning|critical")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved alerts")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum alerts")
	return cmd
}

func alertScanCmd() *cobra.Command {
	var allOrgs bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the SLA scan now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermAlertWrite); err != nil {
					return err
				}
				if allOrgs {
					counts, err := scheduler.New(e, e.Log).RunAll(ctx)
					if err != nil {
						return err
					}
					rows := make([]table.Row, 0, len(counts))
					for org, n := range counts {
						rows = append(rows, table.Row{org, n})
					}
					return printRows(counts, table.Row{"Org", "New alerts"}, rows)
				}
				created, err := e.ScanAlerts(ctx, orgID, time.Now())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(created)
				}
				fmt.Printf("%d new alert(s)\n", len(created))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&allOrgs, "all-orgs", false, "scan every organization in the workspace")
	return cmd
}

func alertResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermAlertWrite); err != nil {
					return err
				}
				a, err := e.ResolveAlert(ctx, orgID, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	r.AddCommand(rbacWhoamiCmd())
	r.AddCommand(rbacGrantCmd())
	r.AddCommand(rbacRevokeCmd())
	return r
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				who, err := e.WhoAmI(ctx, orgID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func roleCmd(use, short string, run func(ctx context.Context, e engine.Engine, orgID, target, role string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := run(ctx, e, orgID, target, role); err != nil {
					return err
				}
				fmt.Printf("%s %s: %s\n", use, target, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "owner|admin|reviewer|appraiser|viewer")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	return roleCmd("grant", "Grant a role", func(ctx context.Context, e engine.Engine, orgID, target, role string) error {
		return e.GrantRole(ctx, orgID, actorID(), target, role)
	})
}

func rbacRevokeCmd() *cobra.Command {
	return roleCmd("revoke", "Revoke a role", func(ctx context.Context, e engine.Engine, orgID, target, role string) error {
		return e.RevokeRole(ctx, orgID, actorID(), target, role)
	})
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				plain, key, err := e.CreateAPIKey(ctx, orgID, actorID(), target, name)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"key": plain, "id": key.ID, "actor_id": key.ActorID, "name": key.Name})
				}
				fmt.Printf("API key %s for %s\n%s\nStore it now; it cannot be shown again.\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (defaults to the current actor)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				keys, err := e.ListAPIKeys(ctx, orgID, actorID(), all)
				if err != nil {
					return err
				}
				view := make([]map[string]string, 0, len(keys))
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					view = append(view, map[string]string{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "created_at": k.CreatedAt})
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printRows(view, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "every actor's keys (needs apikey.manage)")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := e.DeleteAPIKey(ctx, orgID, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// --- event log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermEventsRead); err != nil {
					return err
				}
				f.OrgID = orgID
				events, err := e.ListEvents(ctx, f, n, 0)
				if err != nil {
					return err
				}
				return printRows(events, table.Row{"ID", "When", "Type", "Entity", "Actor"}, eventRows(events))
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func eventRows(events []domain.Event) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, evt := range events {
		entity := evt.EntityKind
		if evt.EntityID != "" {
			entity += ":" + evt.EntityID
		}
		rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
	}
	return rows
}
