package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
)

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateAddTaskCmd())
	tpl.AddCommand(templateSetDefaultCmd())
	tpl.AddCommand(templateResolveCmd())
	return tpl
}

// templateFile is the YAML shape accepted by `pl template create --file`.
type templateFile struct {
	Name                    string             `yaml:"name"`
	Description             string             `yaml:"description"`
	ApplicableOrderTypes    []string           `yaml:"applicable_order_types"`
	ApplicablePropertyTypes []string           `yaml:"applicable_property_types"`
	IsDefault               bool               `yaml:"is_default"`
	Tasks                   []templateFileTask `yaml:"tasks"`
}

type templateFileTask struct {
	Stage            string `yaml:"stage"`
	Title            string `yaml:"title"`
	Description      string `yaml:"description"`
	Role             string `yaml:"role"`
	EstimatedMinutes int    `yaml:"estimated_minutes"`
	Required         bool   `yaml:"required"`
	// Parent is the index of an earlier task in the same file.
	Parent *int `yaml:"parent"`
}

func (f templateFile) input() (engine.TemplateInput, error) {
	in := engine.TemplateInput{
		Name:                    f.Name,
		Description:             f.Description,
		ApplicableOrderTypes:    f.ApplicableOrderTypes,
		ApplicablePropertyTypes: f.ApplicablePropertyTypes,
		IsDefault:               f.IsDefault,
	}
	for i, t := range f.Tasks {
		st, err := domain.ParseStage(t.Stage)
		if err != nil {
			return engine.TemplateInput{}, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		in.Tasks = append(in.Tasks, engine.TemplateTaskInput{
			Stage:            st,
			Title:            t.Title,
			Description:      t.Description,
			Role:             t.Role,
			EstimatedMinutes: t.EstimatedMinutes,
			IsRequired:       t.Required,
			SortOrder:        -1,
			ParentIndex:      t.Parent,
		})
	}
	return in, nil
}

func templateCreateCmd() *cobra.Command {
	var file, name, description, orderTypes, propertyTypes string
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template from flags or a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tf templateFile
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &tf); err != nil {
					return fmt.Errorf("invalid template yaml: %w", err)
				}
			}
			if name != "" {
				tf.Name = name
			}
			if description != "" {
				tf.Description = description
			}
			if orderTypes != "" {
				tf.ApplicableOrderTypes = splitList(orderTypes)
			}
			if propertyTypes != "" {
				tf.ApplicablePropertyTypes = splitList(propertyTypes)
			}
			if cmd.Flags().Changed("default") {
				tf.IsDefault = isDefault
			}
			in, err := tf.input()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateWrite); err != nil {
					return err
				}
				tpl, err := e.CreateTemplate(ctx, orgID, actorID(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template YAML")
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&orderTypes, "order-types", "", "comma separated order types")
	cmd.Flags().StringVar(&propertyTypes, "property-types", "", "comma separated property types")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the default for its applicability")
	return cmd
}

func templateListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateRead); err != nil {
					return err
				}
				items, err := e.ListTemplates(ctx, orgID, !all)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{
						t.ID, t.Name,
						strings.Join(t.ApplicableOrderTypes, ","),
						strings.Join(t.ApplicablePropertyTypes, ","),
						t.IsDefault, t.IsActive,
					})
				}
				return printRows(items, table.Row{"ID", "Name", "Order types", "Property types", "Default", "Active"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateRead); err != nil {
					return err
				}
				tpl, err := e.GetTemplate(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				return printTemplate(tpl)
			})
		},
	}
}

func printTemplate(tpl domain.Template) error {
	rows := make([]table.Row, 0, len(tpl.Tasks))
	for _, t := range tpl.Tasks {
		title := t.Title
		if t.ParentID != nil {
			title = "  └ " + title
		}
		rows = append(rows, table.Row{t.Stage, t.SortOrder, title, t.Role, t.IsRequired, t.EstimatedMinutes})
	}
	if !jsonOutput() {
		fmt.Printf("%s (%s)\n", tpl.Name, tpl.ID)
	}
	return printRows(tpl, table.Row{"Stage", "#", "Title", "Role", "Required", "Minutes"}, rows)
}

func templateAddTaskCmd() *cobra.Command {
	var stage, parentID string
	var in engine.TemplateTaskInput
	cmd := &cobra.Command{
		Use:   "add-task <template-id>",
		Short: "Append a task to a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			in.Stage = st
			in.ParentID = parentID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateWrite); err != nil {
					return err
				}
				task, err := e.AddTemplateTask(ctx, orgID, args[0], actorID(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Role, "role", "", "role responsible")
	cmd.Flags().IntVar(&in.EstimatedMinutes, "estimate", 0, "estimated minutes")
	cmd.Flags().BoolVar(&in.IsRequired, "required", false, "gate the stage on this task")
	cmd.Flags().IntVar(&in.SortOrder, "sort", -1, "position within the stage; negative appends")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent template task id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func templateSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <id>",
		Short: "Make a template the default for its applicability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateWrite); err != nil {
					return err
				}
				tpl, err := e.SetDefaultTemplate(ctx, orgID, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
}

func templateResolveCmd() *cobra.Command {
	var orderType, propertyType string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which template a new card would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if err := require(ctx, e, orgID, auth.PermTemplateRead); err != nil {
					return err
				}
				tpl, err := e.ResolveTemplate(ctx, orgID, orderType, propertyType)
				if err != nil {
					return err
				}
				if tpl == nil {
					return fmt.Errorf("no active template matches order type %q and property type %q", orderType, propertyType)
				}
				return printTemplate(*tpl)
			})
		},
	}
	cmd.Flags().StringVar(&orderType, "order-type", "", "order type")
	cmd.Flags().StringVar(&propertyType, "property-type", "", "property type")
	return cmd
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
