package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
)

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage production cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardUpdateCmd())
	card.AddCommand(cardAdvanceCmd())
	card.AddCommand(cardHoldCmd())
	card.AddCommand(cardResumeCmd())
	card.AddCommand(cardCancelCmd())
	card.AddCommand(cardReadinessCmd())
	return card
}

func parseMetadata(raw string) (domain.Metadata, error) {
	if raw == "" {
		return nil, nil
	}
	m, err := domain.ParseMetadata(raw)
	if err != nil {
		return nil, fmt.Errorf("--metadata must be a JSON object: %w", err)
	}
	return m, nil
}

func cardRows(cards []domain.Card) []table.Row {
	rows := make([]table.Row, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, table.Row{c.ID, c.OrderNumber, c.CurrentStage, c.Priority, deref(c.DueDate), c.UpdatedAt})
	}
	return rows
}

var cardHeader = table.Row{"ID", "Order", "Stage", "Priority", "Due", "Updated"}

func cardCreateCmd() *cobra.Command {
	var in engine.CardInput
	var metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card for an order and instantiate its checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.OrderID == "" {
				return fmt.Errorf("--order-id required")
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			in.Metadata = meta
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardWrite); err != nil {
					return err
				}
				card, err := e.CreateCard(ctx, orgID, actorID(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&in.OrderID, "order-id", "", "order id")
	cmd.Flags().StringVar(&in.OrderNumber, "order-number", "", "human readable order number")
	cmd.Flags().StringVar(&in.OrderType, "order-type", "", "order type used for template resolution")
	cmd.Flags().StringVar(&in.PropertyType, "property-type", "", "property type used for template resolution")
	cmd.Flags().StringVar(&in.TemplateID, "template", "", "template id (skips resolution)")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	return cmd
}

func cardListCmd() *cobra.Command {
	var stages, priority, orderID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.CardFilters{Priority: priority, OrderID: orderID, Limit: limit}
			for _, s := range strings.Split(stages, ",") {
				if s = strings.TrimSpace(s); s == "" {
					continue
				}
				st, err := domain.ParseStage(s)
				if err != nil {
					return err
				}
				f.Stages = append(f.Stages, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				f.OrgID = orgID
				cards, err := e.ListCards(ctx, f)
				if err != nil {
					return err
				}
				return printRows(cards, cardHeader, cardRows(cards))
			})
		},
	}
	cmd.Flags().StringVar(&stages, "stage", "", "comma separated stages")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&orderID, "order-id", "", "order id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum cards")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card with task counts, readiness and allowed moves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				detail, err := e.GetCard(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
}

func cardUpdateCmd() *cobra.Command {
	var priority, due, metadata string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update card priority, due date or metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up engine.CardUpdate
			if cmd.Flags().Changed("priority") {
				up.Priority = &priority
			}
			if cmd.Flags().Changed("due") {
				up.DueDate = &due
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			up.Metadata = meta
			if up.Priority == nil && up.DueDate == nil && up.Metadata == nil {
				return fmt.Errorf("nothing to update")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardWrite); err != nil {
					return err
				}
				card, err := e.UpdateCard(ctx, orgID, args[0], actorID(), up)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().StringVar(&due, "due", "", "due date; empty clears it")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object merged into the card (null removes a key)")
	return cmd
}

func cardAdvanceCmd() *cobra.Command {
	var to, expected, justification string
	var override bool
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a card to another stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseStage(to)
			if err != nil {
				return err
			}
			opts := engine.AdvanceOptions{Override: override, Justification: justification}
			if expected != "" {
				if opts.ExpectedStage, err = domain.ParseStage(expected); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardAdvance); err != nil {
					return err
				}
				card, err := e.AdvanceStage(ctx, orgID, args[0], target, actorID(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	cmd.Flags().StringVar(&expected, "expected", "", "fail unless the card is still in this stage")
	cmd.Flags().BoolVar(&override, "override", false, "skip the readiness gate (needs card.override)")
	cmd.Flags().StringVar(&justification, "justification", "", "why the gate was overridden")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Put a card on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardAdvance); err != nil {
					return err
				}
				card, err := e.HoldCard(ctx, orgID, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "hold reason")
	return cmd
}

func cardResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Return a held card to the stage it was paused in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardAdvance); err != nil {
					return err
				}
				card, err := e.ResumeCard(ctx, orgID, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
}

func cardCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardAdvance); err != nil {
					return err
				}
				card, err := e.CancelCard(ctx, orgID, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func cardReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <id>",
		Short: "Show whether the card's current stage can advance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				r, err := e.StageReadiness(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Work card checklist tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskUnblockCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskTimeCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in checklist order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stage != "" {
				st, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				f.Stage = st
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				f.OrgID = orgID
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(tasks))
				for _, t := range tasks {
					title := t.Title
					if t.ParentTaskID != nil {
						title = "  └ " + title
					}
					req := ""
					if t.IsRequired {
						req = "yes"
					}
					rows = append(rows, table.Row{t.ID, t.Stage, title, t.Status, req, deref(t.AssignedTo), t.TotalTimeMinutes})
				}
				return printRows(tasks, table.Row{"ID", "Stage", "Title", "Status", "Required", "Assignee", "Minutes"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.CardID, "card", "", "card id")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "pending|in_progress|completed|blocked")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
					return err
				}
				t, err := e.GetTask(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	var cardID, stage string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add an ad-hoc task or subtask to a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cardID == "" {
				return fmt.Errorf("--card required")
			}
			if stage != "" {
				st, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				in.Stage = st
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTaskWrite); err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, orgID, cardID, actorID(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "card id")
	cmd.Flags().StringVar(&stage, "stage", "", "stage (defaults to the card's current stage)")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "task description")
	cmd.Flags().StringVar(&in.Role, "role", "", "role responsible for the task")
	cmd.Flags().StringVar(&in.AssignedTo, "assignee", "", "assignee")
	cmd.Flags().IntVar(&in.EstimatedMinutes, "estimate", 0, "estimated minutes")
	cmd.Flags().BoolVar(&in.IsRequired, "required", false, "gate the stage on this task")
	cmd.Flags().StringVar(&in.ParentTaskID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date")
	return cmd
}

type taskAction func(ctx context.Context, e engine.Engine, orgID, taskID string) (domain.Task, error)

func taskActionCmd(use, short string, run taskAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTaskWrite); err != nil {
					return err
				}
				t, err := run(ctx, e, orgID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return taskActionCmd("start", "Mark a task in progress", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.StartTask(ctx, orgID, id, actorID())
	})
}

func taskCompleteCmd() *cobra.Command {
	return taskActionCmd("complete", "Complete a task", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.CompleteTask(ctx, orgID, id, actorID())
	})
}

func taskUnblockCmd() *cobra.Command {
	return taskActionCmd("unblock", "Clear a task's blocked status", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.UnblockTask(ctx, orgID, id, actorID())
	})
}

func taskReopenCmd() *cobra.Command {
	var reason string
	cmd := taskActionCmd("reopen", "Reopen a completed task", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.ReopenTask(ctx, orgID, id, actorID(), reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is reopened")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := taskActionCmd("block", "Block a task", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.BlockTask(ctx, orgID, id, actorID(), reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "what blocks the task")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	cmd := taskActionCmd("assign", "Assign a task; empty --to unassigns", func(ctx context.Context, e engine.Engine, orgID, id string) (domain.Task, error) {
		return e.AssignTask(ctx, orgID, id, actorID(), assignee)
	})
	cmd.Flags().StringVar(&assignee, "to", "", "assignee actor id")
	return cmd
}

func taskTimeCmd() *cobra.Command {
	var minutes int
	var entryType, notes string
	var list bool
	cmd := &cobra.Command{
		Use:   "time <id>",
		Short: "Log time against a task, or list its entries with --list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if list {
					if err := require(ctx, e, orgID, auth.PermCardRead); err != nil {
						return err
					}
					entries, err := e.ListTimeEntries(ctx, orgID, args[0])
					if err != nil {
						return err
					}
					rows := make([]table.Row, 0, len(entries))
					for _, te := range entries {
						rows = append(rows, table.Row{te.ID, te.UserID, te.EntryType, te.Minutes, te.Notes, te.CreatedAt})
					}
					return printRows(entries, table.Row{"ID", "User", "Type", "Minutes", "Notes", "Logged"}, rows)
				}
				if err := require(ctx, e, orgID, auth.PermTaskWrite); err != nil {
					return err
				}
				entry, err := e.AddTimeEntry(ctx, orgID, args[0], actorID(), minutes, entryType, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "minutes spent")
	cmd.Flags().StringVar(&entryType, "type", "work", "work|review|travel|other")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&list, "list", false, "list entries instead of logging")
	return cmd
}
