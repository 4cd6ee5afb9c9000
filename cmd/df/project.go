package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docforge/internal/app"
	"docforge/internal/domain"
	"docforge/internal/engine"
	"docforge/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "A project walks its workflow one stage at a time and ends cancelled, published or failed.",
	}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAdvanceCmd())
	prj.AddCommand(projectTerminalCmd("cancel", domain.StatusCancelled, "Cancel the project"))
	prj.AddCommand(projectTerminalCmd("publish", domain.StatusPublished, "Publish the project (final stage only)"))
	prj.AddCommand(projectTerminalCmd("fail", domain.StatusFailed, "Mark the project failed"))
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, title, brief, workflow string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:       id,
					Title:    title,
					Brief:    brief,
					Workflow: workflow,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&brief, "brief", "", "what the generated documents should cover")
	cmd.Flags().StringVar(&workflow, "workflow", "project", "workflow: project or document")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, repo.ProjectFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Workflow", "Stage", "Status", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Workflow, p.Stage, p.Status, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := projectID(ctx, a)
				if err != nil {
					return err
				}
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectAdvanceCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Complete the current stage and enter the next",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parseSeeds(seeds)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := projectID(ctx, a)
				if err != nil {
					return err
				}
				p, err := a.Engine.AdvanceStage(ctx, id, actorID(), seed)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "key=value merged into the next stage's data (repeatable)")
	return cmd
}

func parseSeeds(seeds []string) (map[string]any, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(seeds))
	for _, s := range seeds {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --seed %q, want key=value", s)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func projectTerminalCmd(use, outcome, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := projectID(ctx, a)
				if err != nil {
					return err
				}
				p, err := a.Engine.MarkTerminal(ctx, id, outcome, actorID())
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}
