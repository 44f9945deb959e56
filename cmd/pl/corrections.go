package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/report"
	"prodline/internal/repo"
)

func correctionCmd() *cobra.Command {
	c := &cobra.Command{Use: "correction", Short: "Open and resolve corrections and revisions"}
	c.AddCommand(correctionCreateCmd())
	c.AddCommand(correctionListCmd())
	c.AddCommand(correctionShowCmd())
	c.AddCommand(correctionAssignCmd())
	c.AddCommand(correctionCompleteCmd())
	c.AddCommand(correctionApproveCmd())
	c.AddCommand(correctionRejectCmd())
	c.AddCommand(correctionStatsCmd())
	return c
}

var correctionHeader = table.Row{"ID", "Card", "Type", "Status", "Severity", "Category", "Assignee", "Created"}

func correctionRows(items []domain.Correction) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, c := range items {
		rows = append(rows, table.Row{c.ID, c.CardID, c.RequestType, c.Status, c.Severity, c.Category, deref(c.AssignedTo), c.CreatedAt})
	}
	return rows
}

func correctionCreateCmd() *cobra.Command {
	var in engine.CorrectionInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a correction; with --case it becomes a client revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCorrectionCreate); err != nil {
					return err
				}
				var c domain.Correction
				var err error
				if in.CaseID != "" {
					c, err = e.CreateRevision(ctx, orgID, actorID(), in.CaseID, in)
				} else {
					c, err = e.CreateCorrection(ctx, orgID, actorID(), in)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&in.CardID, "card", "", "card id")
	cmd.Flags().StringVar(&in.SourceTaskID, "task", "", "task the finding came from")
	cmd.Flags().StringVar(&in.CaseID, "case", "", "client case id (opens a revision)")
	cmd.Flags().StringVar(&in.Description, "description", "", "what needs correcting")
	cmd.Flags().StringVar(&in.Severity, "severity", "", "minor|major|critical")
	cmd.Flags().StringVar(&in.Category, "category", "", "data|format|compliance|calculation|other")
	cmd.Flags().StringVar(&in.ReviewerID, "reviewer", "", "reviewer actor id")
	cmd.Flags().StringVar(&in.AssignedTo, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&in.AISummary, "summary", "", "generated summary of the finding")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func correctionListCmd() *cobra.Command {
	var f repo.CorrectionFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List corrections visible to the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = splitList(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				f.OrgID = orgID
				items, err := e.ListCorrections(ctx, actorID(), f)
				if err != nil {
					return err
				}
				return printRows(items, correctionHeader, correctionRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&f.RequestType, "type", "", "correction|revision")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.ReviewerID, "reviewer", "", "reviewer filter")
	cmd.Flags().StringVar(&f.CardID, "card", "", "card filter")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum corrections")
	return cmd
}

func correctionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				c, err := e.GetCorrection(ctx, orgID, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func correctionAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a correction and move it in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				c, err := e.AssignCorrection(ctx, orgID, args[0], actorID(), assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee actor id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func correctionCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit a correction for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				c, err := e.CompleteCorrection(ctx, orgID, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func correctionApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed correction and return the card to its stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				c, card, err := e.ApproveCorrection(ctx, orgID, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"correction": c, "card": card})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func correctionRejectCmd() *cobra.Command {
	var notes string
	var opts engine.RejectOptions
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a reviewed correction, optionally opening a follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				c, next, err := e.RejectCorrection(ctx, orgID, args[0], actorID(), notes, opts)
				if err != nil {
					return err
				}
				out := map[string]any{"correction": c}
				if next != nil {
					out["new_correction"] = next
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes (required)")
	cmd.Flags().BoolVar(&opts.CreateNew, "follow-up", false, "open a follow-up correction")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "follow-up severity")
	cmd.Flags().StringVar(&opts.Category, "category", "", "follow-up category")
	return cmd
}

func correctionStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Correction counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				s, err := e.CorrectionStats(ctx, orgID, actorID())
				if err != nil {
					return err
				}
				return printRows(s, table.Row{"Total", "Pending", "In progress", "Review", "Approved", "Rejected", "My pending", "My reviews"},
					[]table.Row{{s.Total, s.Pending, s.InProgress, s.Review, s.Approved, s.Rejected, s.MyPending, s.MyReviews}})
			})
		},
	}
}

// --- work history ---

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Inspect and export work history"}
	h.AddCommand(historyListCmd())
	h.AddCommand(historyExportCmd())
	return h
}

func historyFlags(cmd *cobra.Command, f *repo.WorkHistoryFilters, eventTypes *string) {
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.CardID, "card", "", "card filter")
	cmd.Flags().StringVar(&f.CorrectionID, "correction", "", "correction filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	cmd.Flags().StringVar(eventTypes, "type", "", "comma separated event types")
	cmd.Flags().StringVar(&f.From, "from", "", "from date (inclusive)")
	cmd.Flags().StringVar(&f.To, "to", "", "to date (inclusive)")
}

func historyListCmd() *cobra.Command {
	var f repo.WorkHistoryFilters
	var eventTypes string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work history entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.EventTypes = splitList(eventTypes)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermHistoryRead); err != nil {
					return err
				}
				f.OrgID = orgID
				entries, err := e.ListWorkHistory(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(entries))
				for _, h := range entries {
					impact := ""
					if h.ImpactScore != nil {
						impact = fmt.Sprintf("%.1f", *h.ImpactScore)
					}
					rows = append(rows, table.Row{h.CreatedAt, h.UserID, h.EventType, h.Summary, impact})
				}
				return printRows(entries, table.Row{"When", "User", "Event", "Summary", "Impact"}, rows)
			})
		},
	}
	historyFlags(cmd, &f, &eventTypes)
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	return cmd
}

func historyExportCmd() *cobra.Command {
	var f repo.WorkHistoryFilters
	var eventTypes, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export work history to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.EventTypes = splitList(eventTypes)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermHistoryExport); err != nil {
					return err
				}
				f.OrgID = orgID
				entries, err := collectHistory(ctx, e, f)
				if err != nil {
					return err
				}
				book, err := report.WorkHistory(entries)
				if err != nil {
					return err
				}
				path := out
				if path == "" {
					path = report.Filename(orgID, time.Now())
				}
				if err := os.WriteFile(path, book, 0o644); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"path": path, "entries": len(entries)})
				}
				fmt.Printf("wrote %d entries to %s\n", len(entries), path)
				return nil
			})
		},
	}
	historyFlags(cmd, &f, &eventTypes)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (defaults to a dated file name)")
	return cmd
}

const historyPageSize = 500

func collectHistory(ctx context.Context, e engine.Engine, f repo.WorkHistoryFilters) ([]domain.WorkHistoryEntry, error) {
	f.Limit = historyPageSize
	var all []domain.WorkHistoryEntry
	for {
		page, err := e.ListWorkHistory(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < historyPageSize {
			return all, nil
		}
		last := page[len(page)-1]
		f.CursorCreatedAt, f.CursorID = last.CreatedAt, last.ID
	}
}
