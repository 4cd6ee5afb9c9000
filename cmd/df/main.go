package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docforge/internal/app"
	"docforge/internal/config"
	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/logger"
)

const closeTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "df",
	Short: "docforge CLI",
	Long: `docforge moves projects through a fixed sequence of stages and generates
structured documents with a text generation service.

- Project: walks an ordered workflow (research, cost review, generation, ...).
- Pipeline: generates the curriculum package units in order when the project
  reaches its generation stage. Failed units do not stop the run.
- Refinement: a requested change to one unit; applied only when the new
  value generates cleanly.
- Event log: every change is recorded, view with 'df log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DOCFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project in the workspace)")
	flags.String("log-mode", "prod", "log format: dev or prod")
	flags.Int("max-attempts", 0, "override generation.max_attempts")
	flags.Duration("call-timeout", 0, "override generation.call_timeout")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-mode", "max-attempts", "call-timeout"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// applyOverrides copies flag and DOCFORGE_* environment overrides into cfg.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("max-attempts") {
		if n := viper.GetInt("max-attempts"); n > 0 {
			cfg.Generation.MaxAttempts = n
		}
	}
	if viper.IsSet("call-timeout") {
		if d := viper.GetDuration("call-timeout"); d > 0 {
			cfg.Generation.CallTimeout = config.Duration(d)
		}
	}
}

func newLogger() (*logger.Logger, error) {
	return logger.New(viper.GetString("log-mode"))
}

// withApp opens the workspace runtime, runs fn and waits for background work
// before closing.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Override:  applyOverrides,
		Log:       log,
	})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func projectID(ctx context.Context, a *app.App) (string, error) {
	return app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Project: %s - %s (%s, %s workflow)\n", p.ID, p.Title, p.Status, p.Workflow)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Stage", "Started", "Completed", "Artifact", "Counters"})
	for _, sp := range p.Progress {
		marker := fmt.Sprintf("%d", sp.Stage)
		if sp.Stage == p.Stage {
			marker = "> " + marker
		}
		tw.AppendRow(table.Row{marker, sp.Name, deref(sp.StartedAt), deref(sp.CompletedAt), deref(sp.ArtifactID), counters(sp.Counters)})
	}
	tw.Render()
	return nil
}

func printArtifact(a domain.Artifact) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("Artifact: %s (%s, %s)\n", a.ID, a.Kind, a.Status)
	if a.ApprovedBy != nil {
		fmt.Printf("Approved by %s at %s\n", *a.ApprovedBy, deref(a.ApprovedAt))
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Unit", "Status", "Attempts", "Repair", "Degraded", "Last error"})
	for _, u := range a.Units {
		degraded := ""
		if u.Degraded {
			degraded = "missing " + strings.Join(u.DegradedBy, ",")
		}
		tw.AppendRow(table.Row{unitTitle(a.Kind, u.Key), u.Status, u.Attempts, u.Strategy, degraded, u.LastError})
	}
	tw.Render()
	return nil
}

func unitTitle(kind, key string) string {
	if spec, ok := content.Lookup(kind, content.Key(key)); ok {
		return fmt.Sprintf("%s (%s)", spec.Title, key)
	}
	return key
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func counters(c map[string]int) string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c))
	for _, k := range []string{"units_complete", "units_failed"} {
		if v, ok := c[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
	}
	for k, v := range c {
		if k != "units_complete" && k != "units_failed" {
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
	}
	return strings.Join(parts, " ")
}
