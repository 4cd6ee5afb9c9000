package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docforge/internal/app"
	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/pipeline"
	"docforge/internal/repo"
)

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Generate the project's curriculum package",
		Long:  "Units are generated in order. A unit that keeps failing is recorded as failed and the run moves on.",
	}
	cmd.AddCommand(pipelineStartCmd())
	cmd.AddCommand(pipelineStatusCmd())
	cmd.AddCommand(pipelineResumeCmd())
	return cmd
}

func pipelineStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start (or attach to) the pipeline and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := projectID(ctx, a)
				if err != nil {
					return err
				}
				res, err := a.Engine.StartPipeline(ctx, id, actorID())
				if err != nil {
					return err
				}
				if !res.Created {
					fmt.Fprintf(os.Stderr, "artifact %s already exists\n", res.ArtifactID)
				}
				if err := waitTask(ctx, res.Task); err != nil {
					return err
				}
				art, err := a.Engine.GetArtifact(ctx, res.ArtifactID)
				if err != nil {
					return err
				}
				return printArtifact(art)
			})
		},
	}
}

func pipelineStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the project's artifact and its units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, nil)
				if err != nil {
					return err
				}
				return printArtifact(art)
			})
		},
	}
}

func pipelineResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume unfinished runs whose owner has gone away",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ResumeUnfinished(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "resumed %d run(s)\n", n)
				return a.Engine.Wait(ctx)
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect and refine generated artifacts",
		Long:  "Artifact commands take an artifact id, or use the current project's artifact when none is given.",
	}
	cmd.AddCommand(artifactShowCmd())
	cmd.AddCommand(artifactAuditCmd())
	cmd.AddCommand(artifactRefineCmd())
	cmd.AddCommand(artifactRegenerateCmd())
	cmd.AddCommand(artifactApproveCmd())
	return cmd
}

func artifactShowCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "show [artifact-id]",
		Short: "Show an artifact, or one unit's value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, args)
				if err != nil {
					return err
				}
				if unit == "" {
					return printArtifact(art)
				}
				u := art.Unit(unit)
				if u == nil {
					return fmt.Errorf("artifact %s has no unit %s", art.ID, unit)
				}
				if len(u.Value) == 0 {
					return fmt.Errorf("unit %s has no value (%s)", unit, u.Status)
				}
				v, err := content.Decode(content.Key(unit), u.Value)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "print this unit's value")
	return cmd
}

func artifactAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [artifact-id]",
		Short: "Show the audit log, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, args)
				if err != nil {
					return err
				}
				entries, err := a.Engine.GetAuditLog(ctx, art.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "When", "Role", "Actor", "Unit", "Content"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.Role, e.ActorID, e.UnitKey, clip(e.Content, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactRefineCmd() *cobra.Command {
	var unit, change string
	cmd := &cobra.Command{
		Use:   "refine [artifact-id]",
		Short: "Request a change to one unit and wait for the outcome",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, args)
				if err != nil {
					return err
				}
				req, task, err := a.Engine.RequestRefinement(ctx, art.ID, unit, change, actorID())
				if err != nil {
					return err
				}
				taskErr := waitTask(ctx, task)
				refs, err := a.Engine.ListRefinements(ctx, art.ID)
				if err != nil {
					return err
				}
				for _, r := range refs {
					if r.ID == req.ID {
						req = r
					}
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("Refinement %s: %s\n", req.ID, req.Status)
				if req.Reason != "" {
					fmt.Printf("Reason: %s\n", req.Reason)
				}
				if req.Status == domain.RefinementRejected {
					return nil
				}
				return taskErr
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit key: overview, framework or assessments")
	cmd.Flags().StringVar(&change, "change", "", "requested change")
	return cmd
}

func artifactRegenerateCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "regenerate [artifact-id]",
		Short: "Generate one unit again",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, args)
				if err != nil {
					return err
				}
				task, err := a.Engine.RegenerateUnit(ctx, art.ID, unit, actorID())
				if err != nil {
					return err
				}
				taskErr := waitTask(ctx, task)
				art, err = a.Engine.GetArtifact(ctx, art.ID)
				if err != nil {
					return err
				}
				if err := printArtifact(art); err != nil {
					return err
				}
				if taskErr != nil {
					return fmt.Errorf("regenerate %s: %s", unit, pipeline.Summarize(taskErr))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit key: overview, framework or assessments")
	return cmd
}

func artifactApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve [artifact-id]",
		Short: "Approve a complete artifact",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := artifactFor(ctx, a, args)
				if err != nil {
					return err
				}
				art, err = a.Engine.ApproveArtifact(ctx, art.ID, actorID())
				if err != nil {
					return err
				}
				return printArtifact(art)
			})
		},
	}
}

// artifactFor loads the artifact named in args, or the current project's.
func artifactFor(ctx context.Context, a *app.App, args []string) (domain.Artifact, error) {
	if len(args) > 0 {
		return a.Engine.GetArtifact(ctx, args[0])
	}
	id, err := projectID(ctx, a)
	if err != nil {
		return domain.Artifact{}, err
	}
	art, err := a.Engine.Repo.GetArtifactByKind(ctx, id, content.KindCurriculumPackage)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, fmt.Errorf("project %s has no artifact yet; run df pipeline start", id)
	}
	return art, err
}

// waitTask waits for a background task. A nil task means nothing runs here.
func waitTask(ctx context.Context, t *pipeline.Task) error {
	if t == nil {
		return nil
	}
	return t.Wait(ctx)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
