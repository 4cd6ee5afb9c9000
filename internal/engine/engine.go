package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docforge/internal/config"
	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/events"
	"docforge/internal/generator"
	"docforge/internal/logger"
	"docforge/internal/observability"
	"docforge/internal/pipeline"
	"docforge/internal/repo"
	"docforge/internal/retry"
)

// SystemActor is recorded on mutations the engine makes on its own.
const SystemActor = "system"

const maxVersionRetries = 5

var (
	// ErrBusy is returned when an artifact already has a background task.
	ErrBusy = errors.New("artifact has an active task")
	// ErrLeaseHeld is returned when another process owns the run lease.
	ErrLeaseHeld = errors.New("run lease held by another process")
	errLeaseLost = errors.New("run lease lost")
)

// ConflictError reports an operation that is not legal in the current state.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// InputError reports a malformed argument.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Now          func() time.Time
	Log          *logger.Logger
	Metrics      *observability.Metrics
	Orchestrator *pipeline.Orchestrator
	Runner       *pipeline.Runner
	Tasks        *pipeline.Registry
	// Owner identifies this process in run leases.
	Owner string
}

func New(db *sql.DB, cfg *config.Config, gen generator.Generator, log *logger.Logger, metrics *observability.Metrics) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	g := cfg.Generation
	unitTimeouts := make(map[content.Key]time.Duration, len(g.UnitTimeouts))
	for k, d := range g.UnitTimeouts {
		unitTimeouts[k] = d.D()
	}
	orch := &pipeline.Orchestrator{
		Gen: gen,
		Retry: retry.Policy{
			MaxAttempts: g.MaxAttempts,
			BaseDelay:   g.BaseDelay.D(),
			MaxDelay:    g.MaxDelay.D(),
		},
		Options: generator.Options{
			Temperature:    g.Temperature,
			MaxTokens:      g.MaxTokens,
			ResponseFormat: generator.FormatJSON,
		},
		CallTimeout:    g.CallTimeout.D(),
		MaxCallTimeout: g.MaxCallTimeout.D(),
		UnitTimeouts:   unitTimeouts,
		Log:            log.With("service", "Orchestrator"),
		Metrics:        metrics,
	}
	e := Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Config:       cfg,
		Now:          time.Now,
		Log:          log.With("service", "Engine"),
		Metrics:      metrics,
		Orchestrator: orch,
		Runner: &pipeline.Runner{
			Orchestrator:   orch,
			InterUnitDelay: g.InterUnitDelay.D(),
			Annotate:       cfg.Annotate(),
			Log:            log.With("service", "Runner"),
		},
		Tasks: pipeline.NewRegistry(),
		Owner: uuid.NewString(),
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// appendEvent writes an event stamped with the engine clock unless Events
// carries its own.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

func (e Engine) leaseTTL() time.Duration {
	if e.Config != nil && e.Config.Generation.LeaseTTL > 0 {
		return e.Config.Generation.LeaseTTL.D()
	}
	return 30 * time.Minute
}

// Wait blocks until every background task has finished or ctx is done.
func (e Engine) Wait(ctx context.Context) error {
	return e.Tasks.Wait(ctx)
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// mutateProject loads the project, applies apply, and saves it with record
// in one transaction. A concurrent write makes the save fail its version
// check; the project is then reloaded and apply runs again.
func (e Engine) mutateProject(ctx context.Context, id string, apply func(p *domain.Project) error, record func(tx *sql.Tx, p domain.Project) error) (domain.Project, error) {
	var lastErr error
	for i := 0; i < maxVersionRetries; i++ {
		p, err := e.Repo.GetProject(ctx, id)
		if err != nil {
			return domain.Project{}, err
		}
		if err := apply(&p); err != nil {
			return domain.Project{}, err
		}
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			v, err := e.Repo.SaveProject(ctx, tx, p)
			if err != nil {
				return err
			}
			p.Version = v
			if record != nil {
				return record(tx, p)
			}
			return nil
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			lastErr = err
			e.log().Debug("project version conflict, reloading", "project_id", id, "try", i+1)
			continue
		}
		if err != nil {
			return domain.Project{}, err
		}
		return p, nil
	}
	return domain.Project{}, lastErr
}

// mutateArtifact is mutateProject for artifacts.
func (e Engine) mutateArtifact(ctx context.Context, id string, apply func(a *domain.Artifact) error, record func(tx *sql.Tx, a domain.Artifact) error) (domain.Artifact, error) {
	var lastErr error
	for i := 0; i < maxVersionRetries; i++ {
		a, err := e.Repo.GetArtifact(ctx, id)
		if err != nil {
			return domain.Artifact{}, err
		}
		if err := apply(&a); err != nil {
			return domain.Artifact{}, err
		}
		a.UpdatedAt = e.stamp()
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			v, err := e.Repo.SaveArtifact(ctx, tx, a)
			if err != nil {
				return err
			}
			a.Version = v
			if record != nil {
				return record(tx, a)
			}
			return nil
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			lastErr = err
			e.log().Debug("artifact version conflict, reloading", "artifact_id", id, "try", i+1)
			continue
		}
		if err != nil {
			return domain.Artifact{}, err
		}
		return a, nil
	}
	return domain.Artifact{}, lastErr
}
