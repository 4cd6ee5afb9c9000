// Package app assembles the runtime shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"docforge/internal/config"
	"docforge/internal/db"
	"docforge/internal/engine"
	"docforge/internal/generator"
	"docforge/internal/logger"
	"docforge/internal/migrate"
	"docforge/internal/observability"
	"docforge/internal/repo"
)

type Options struct {
	Workspace string
	// Override adjusts the loaded config before validation, e.g. from flags
	// or environment variables.
	Override func(cfg *config.Config)
	// Generator replaces the HTTP client built from config.
	Generator generator.Generator
	Log       *logger.Logger
}

type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Log     *logger.Logger
	Metrics *observability.Metrics

	shutdownTracing func(context.Context) error
}

// Open migrates the workspace database, loads docforge.yml (defaults when
// absent) and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	gen := opts.Generator
	if gen == nil {
		client, err := generator.NewClient(generator.ClientConfig{
			BaseURL: cfg.Generator.BaseURL,
			APIKey:  cfg.Generator.APIKey(),
			Model:   cfg.Generator.Model,
		}, log)
		if err != nil {
			return nil, err
		}
		gen = client
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	otelCfg := observability.OtelConfig{ServiceName: "docforge"}
	if observability.StdoutTracing() {
		otelCfg.Writer = os.Stderr
	}
	shutdown := observability.InitOTel(ctx, log, otelCfg)
	metrics := observability.NewMetrics()
	return &App{
		DB:              conn,
		Config:          cfg,
		Engine:          engine.New(conn, cfg, gen, log, metrics),
		Log:             log,
		Metrics:         metrics,
		shutdownTracing: shutdown,
	}, nil
}

// Close waits for background tasks until ctx is done, then releases the
// database and flushes tracing and logs.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Engine.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for tasks: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	a.Log.Sync()
	return errors.Join(errs...)
}

// ResolveProject returns override when set, otherwise the only project in
// the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	items, err := r.ListProjects(ctx, repo.ProjectFilters{Limit: 2})
	if err != nil {
		return "", err
	}
	switch len(items) {
	case 0:
		return "", fmt.Errorf("no projects in workspace; create one with df project create")
	case 1:
		return items[0].ID, nil
	default:
		return "", fmt.Errorf("project not specified; use --project")
	}
}
