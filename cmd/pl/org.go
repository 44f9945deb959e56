package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prodline/internal/app"
	"prodline/internal/config"
	"prodline/internal/engine"
)

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgListCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgUseCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var id, name, file string
	var seed bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an organization and make the current actor its owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("org")
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			var cfg *config.Config
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.LoadOptional(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			if err := app.Provision(ctx, e, id, name, actorID(), cfg, seed); err != nil {
				return err
			}
			if err := setEnvValue(envPath(viper.GetString("workspace")), "PRODLINE_ORG", id); err != nil {
				return err
			}
			org, err := e.GetOrg(ctx, id)
			if err != nil {
				return err
			}
			return printJSONOrTable(org)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&file, "config", "", "config YAML (defaults to prodline.yml in the workspace, then built-in defaults)")
	cmd.Flags().BoolVar(&seed, "seed", true, "seed the starter checklist template")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.DB.Close()
			orgs, err := e.ListOrgs(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(orgs))
			for _, o := range orgs {
				rows = append(rows, table.Row{o.ID, o.Name, o.CreatedAt})
			}
			return printRows(orgs, table.Row{"ID", "Name", "Created"}, rows)
		},
	}
}

func orgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				org, err := e.GetOrg(ctx, orgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
}

func orgUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the workspace default organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.DB.Close()
			if _, err := e.GetOrg(cmd.Context(), args[0]); err != nil {
				return err
			}
			path := envPath(viper.GetString("workspace"))
			if err := setEnvValue(path, "PRODLINE_ORG", args[0]); err != nil {
				return err
			}
			fmt.Printf("default org set to %s in %s\n", args[0], path)
			return nil
		},
	}
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Show or import the organization config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored config with a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var next *config.Config
			var err error
			if file != "" {
				next, err = config.FromFile(file)
			} else {
				next, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				next.Org.ID = orgID
				if err := e.UpdateOrgConfig(ctx, orgID, actorID(), next); err != nil {
					return err
				}
				fmt.Printf("config imported for %s\n", orgID)
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "config YAML (defaults to prodline.yml in the workspace)")
	cfg.AddCommand(imp)
	return cfg
}
