package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"prodline/internal/app"
	"prodline/internal/db"
	"prodline/internal/engine"
	"prodline/internal/logging"
	"prodline/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Prodline CLI",
	Long: `Prodline tracks appraisal orders through production.
Core concepts:
- Card: one order's journey through the production stages (INTAKE through DELIVERED), plus the
  CORRECTION, REVISION, ON_HOLD and CANCELLED side-states.
- Tasks: the checklist of each stage, instantiated from a template. Required tasks gate forward moves.
- Templates: reusable checklists resolved from an order's type and property type.
- Corrections: internal QC findings and client revisions; approving one returns the card to its stage.
- Work history: who did what, exported to xlsx for quality scoring.
- Alerts: overdue, stuck and blocked signals produced by the SLA scan.
- Event log: every mutation, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// The workspace .env feeds PRODLINE_* values (for example the default org) before viper reads them.
	_ = godotenv.Load(envPath(viper.GetString("workspace")))
	viper.SetEnvPrefix("PRODLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides the workspace default)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("env", "development", "environment (development or production)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level", "env"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(correctionCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("env"))
}

func actorID() string {
	return viper.GetString("actor-id")
}

// openEngine opens and migrates the workspace database. The caller closes the returned engine's DB.
func openEngine(ctx context.Context) (engine.Engine, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	log, err := newLogger()
	if err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	e := engine.New(conn, nil)
	e.Log = log
	return e, nil
}

// withEngine runs fn against the resolved org.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.DB.Close()
	defer e.Log.Sync() //nolint:errcheck
	orgID, cfg, err := app.ResolveOrg(ctx, e, viper.GetString("org"), actorID())
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e, orgID)
}

// require checks perm for the CLI actor the same way the HTTP and MCP surfaces do.
func require(ctx context.Context, e engine.Engine, orgID, perm string) error {
	return e.Auth.Require(ctx, nil, orgID, actorID(), perm)
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSONOrTable(v any) error {
	if jsonOutput() {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

// printRows renders rows as a table unless --json is set, in which case v is printed instead.
func printRows(v any, header table.Row, rows []table.Row) error {
	if jsonOutput() {
		return printJSON(v)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
