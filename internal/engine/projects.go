package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"docforge/internal/domain"
	"docforge/internal/events"
	"docforge/internal/repo"
	"docforge/internal/stage"
)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID       string
	Title    string
	Brief    string
	Workflow string
	ActorID  string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Project{}, &InputError{Field: "title", Reason: "required"}
	}
	if opts.Workflow == "" {
		opts.Workflow = stage.WorkflowProject
	}
	if _, err := stage.Lookup(opts.Workflow); err != nil {
		return domain.Project{}, &InputError{Field: "workflow", Reason: err.Error()}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.ActorID == "" {
		opts.ActorID = SystemActor
	}
	p, err := stage.NewProject(opts.ID, opts.Title, opts.Brief, opts.Workflow, opts.ActorID, e.stamp())
	if err != nil {
		return domain.Project{}, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, p.ID); err == nil {
			return &ConflictError{Op: "create project", Reason: "project " + p.ID + " already exists"}
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
			"title":    p.Title,
			"workflow": p.Workflow,
			"status":   p.Status,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// AdvanceStage completes the current stage and enters the next, merging seed
// into the new stage's data.
func (e Engine) AdvanceStage(ctx context.Context, projectID, actorID string, seed map[string]any) (domain.Project, error) {
	var from int
	return e.mutateProject(ctx, projectID, func(p *domain.Project) error {
		from = p.Stage
		return stage.Advance(p, e.stamp(), seed)
	}, func(tx *sql.Tx, p domain.Project) error {
		return e.appendEvent(ctx, tx, events.StageAdvanced, p.ID, "project", p.ID, actorOr(actorID), events.EventPayload{
			"from":   from,
			"to":     p.Stage,
			"status": p.Status,
		})
	})
}

// UpdateStageProgress merges patch into the current stage's progress record.
func (e Engine) UpdateStageProgress(ctx context.Context, projectID, actorID string, patch stage.Patch) (domain.Project, error) {
	return e.mutateProject(ctx, projectID, func(p *domain.Project) error {
		return stage.UpdateProgress(p, patch, e.stamp())
	}, func(tx *sql.Tx, p domain.Project) error {
		payload := events.EventPayload{"stage": p.Stage}
		if patch.ArtifactID != nil {
			payload["artifact_id"] = *patch.ArtifactID
		}
		if len(patch.Counters) > 0 {
			payload["counters"] = patch.Counters
		}
		if len(patch.Data) > 0 {
			payload["data"] = patch.Data
		}
		return e.appendEvent(ctx, tx, events.StageProgress, p.ID, "project", p.ID, actorOr(actorID), payload)
	})
}

// MarkTerminal moves a project to cancelled, published or failed. A pipeline
// already running for it is not interrupted.
func (e Engine) MarkTerminal(ctx context.Context, projectID, outcome, actorID string) (domain.Project, error) {
	return e.mutateProject(ctx, projectID, func(p *domain.Project) error {
		return stage.MarkTerminal(p, outcome, e.stamp())
	}, func(tx *sql.Tx, p domain.Project) error {
		return e.appendEvent(ctx, tx, events.ProjectTerminal, p.ID, "project", p.ID, actorOr(actorID), events.EventPayload{
			"status": p.Status,
			"stage":  p.Stage,
		})
	})
}

func actorOr(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return SystemActor
	}
	return actorID
}
