package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/events"
	"docforge/internal/pipeline"
	"docforge/internal/repo"
)

func (e Engine) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return e.Repo.GetArtifact(ctx, id)
}

func (e Engine) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, projectID)
}

// GetAuditLog returns an artifact's audit entries in the order they were written.
func (e Engine) GetAuditLog(ctx context.Context, artifactID string) ([]domain.AuditEntry, error) {
	if _, err := e.Repo.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	return e.Repo.ListAudit(ctx, artifactID)
}

func (e Engine) ListRefinements(ctx context.Context, artifactID string) ([]domain.RefinementRequest, error) {
	if _, err := e.Repo.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	return e.Repo.ListRefinements(ctx, artifactID)
}

// ProjectEvents returns a project's events, newest first.
func (e Engine) ProjectEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, f.ProjectID); err != nil {
			return nil, err
		}
	}
	return e.Repo.LatestEvents(ctx, f)
}

// editable loads an artifact whose unit key may be changed by a person.
func (e Engine) editable(ctx context.Context, op, artifactID, unitKey string) (domain.Artifact, content.UnitSpec, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, content.UnitSpec{}, err
	}
	spec, ok := content.Lookup(a.Kind, content.Key(unitKey))
	if !ok {
		return domain.Artifact{}, content.UnitSpec{}, &InputError{Field: "unit_key", Reason: fmt.Sprintf("unknown unit %q for %s", unitKey, a.Kind)}
	}
	p, err := e.Repo.GetProject(ctx, a.ProjectID)
	if err != nil {
		return domain.Artifact{}, content.UnitSpec{}, err
	}
	if p.Terminal() {
		return domain.Artifact{}, content.UnitSpec{}, &ConflictError{Op: op, Reason: "project is " + p.Status}
	}
	return a, spec, nil
}

// RequestRefinement records a requested change to one unit and regenerates
// the unit in the background. The new value replaces the old one only when
// generation succeeds; otherwise the request is rejected and the unit keeps
// its value.
func (e Engine) RequestRefinement(ctx context.Context, artifactID, unitKey, change, actorID string) (domain.RefinementRequest, *pipeline.Task, error) {
	change = strings.TrimSpace(change)
	if change == "" {
		return domain.RefinementRequest{}, nil, &InputError{Field: "change", Reason: "required"}
	}
	actorID = actorOr(actorID)
	a, spec, err := e.editable(ctx, "request refinement", artifactID, unitKey)
	if err != nil {
		return domain.RefinementRequest{}, nil, err
	}
	if u := a.Unit(unitKey); u == nil || u.Status != domain.UnitComplete || len(u.Value) == 0 {
		return domain.RefinementRequest{}, nil, &ConflictError{Op: "request refinement", Reason: "unit " + unitKey + " has no completed value; regenerate it instead"}
	}
	req := domain.RefinementRequest{
		ID:          uuid.NewString(),
		ArtifactID:  a.ID,
		UnitKey:     unitKey,
		Change:      change,
		Status:      domain.RefinementPending,
		RequestedBy: actorID,
		CreatedAt:   e.stamp(),
	}
	task, err := e.startTask(ctx, a.ID, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRefinement(ctx, tx, req); err != nil {
			return err
		}
		if _, err := e.Repo.AppendAudit(ctx, tx, domain.AuditEntry{
			ArtifactID: a.ID,
			Role:       domain.RoleHuman,
			Content:    change,
			UnitKey:    unitKey,
			ActorID:    actorID,
			CreatedAt:  req.CreatedAt,
		}); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.RefinementRequested, a.ProjectID, "artifact", a.ID, actorID, events.EventPayload{
			"refinement_id": req.ID,
			"unit":          unitKey,
		})
	}, func(ctx context.Context) error {
		return e.applyRefinement(ctx, req, spec)
	})
	if err != nil {
		return domain.RefinementRequest{}, nil, err
	}
	return req, task, nil
}

func (e Engine) applyRefinement(ctx context.Context, req domain.RefinementRequest, spec content.UnitSpec) error {
	a, err := e.Repo.GetArtifact(ctx, req.ArtifactID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, a.ProjectID)
	if err != nil {
		return err
	}
	completed, err := completedValues(a)
	if err != nil {
		return err
	}
	current, ok := completed[spec.Key]
	if !ok {
		return e.rejectRefinement(ctx, a, req, fmt.Errorf("unit %s has no completed value", spec.Key))
	}
	prompt := content.RefinementPrompt(spec, content.PromptContext{Brief: briefOf(p), Completed: completed}, current, req.Change)
	res, err := e.Orchestrator.Generate(ctx, spec, prompt)
	if err != nil {
		return e.rejectRefinement(ctx, a, req, err)
	}
	raw, err := content.Encode(res.Value)
	if err != nil {
		return e.rejectRefinement(ctx, a, req, err)
	}
	now := e.stamp()
	_, err = e.mutateArtifact(ctx, a.ID, func(a *domain.Artifact) error {
		u, err := unitOf(a, spec.Key)
		if err != nil {
			return err
		}
		u.Status = domain.UnitComplete
		u.Value = raw
		u.Attempts = res.Attempts
		u.Strategy = string(res.Strategy)
		u.LastError = ""
		u.UpdatedAt = &now
		a.ApprovedBy, a.ApprovedAt = nil, nil
		a.Status = artifactStatus(a.Units)
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		applied := req
		applied.Status = domain.RefinementApplied
		applied.AppliedBy = &req.RequestedBy
		applied.AppliedAt = &now
		if err := e.Repo.ResolveRefinement(ctx, tx, applied); err != nil {
			return err
		}
		if _, err := e.Repo.AppendAudit(ctx, tx, domain.AuditEntry{
			ArtifactID: a.ID,
			Role:       domain.RoleSystem,
			Content:    string(raw),
			UnitKey:    req.UnitKey,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.RefinementApplied, a.ProjectID, "artifact", a.ID, req.RequestedBy, events.EventPayload{
			"refinement_id": req.ID,
			"unit":          req.UnitKey,
			"attempts":      res.Attempts,
		})
	})
	if err != nil {
		return e.rejectRefinement(ctx, a, req, err)
	}
	e.Metrics.RefinementDone(domain.RefinementApplied)
	return nil
}

// rejectRefinement marks req rejected and returns cause.
func (e Engine) rejectRefinement(ctx context.Context, a domain.Artifact, req domain.RefinementRequest, cause error) error {
	reason := pipeline.Summarize(cause)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		rejected := req
		rejected.Status = domain.RefinementRejected
		rejected.Reason = reason
		if err := e.Repo.ResolveRefinement(ctx, tx, rejected); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.RefinementRejected, a.ProjectID, "artifact", a.ID, SystemActor, events.EventPayload{
			"refinement_id": req.ID,
			"unit":          req.UnitKey,
			"reason":        reason,
		})
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	e.Metrics.RefinementDone(domain.RefinementRejected)
	return cause
}

// RegenerateUnit generates one unit again with the current upstream values.
func (e Engine) RegenerateUnit(ctx context.Context, artifactID, unitKey, actorID string) (*pipeline.Task, error) {
	actorID = actorOr(actorID)
	a, spec, err := e.editable(ctx, "regenerate unit", artifactID, unitKey)
	if err != nil {
		return nil, err
	}
	return e.startTask(ctx, a.ID, func(tx *sql.Tx) error {
		_, err := e.Repo.AppendAudit(ctx, tx, domain.AuditEntry{
			ArtifactID: a.ID,
			Role:       domain.RoleHuman,
			Content:    "regenerate " + unitKey,
			UnitKey:    unitKey,
			ActorID:    actorID,
			CreatedAt:  e.stamp(),
		})
		return err
	}, func(ctx context.Context) error {
		return e.regenerate(ctx, a.ID, spec)
	})
}

func (e Engine) regenerate(ctx context.Context, artifactID string, spec content.UnitSpec) error {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, a.ProjectID)
	if err != nil {
		return err
	}
	completed, err := completedValues(a)
	if err != nil {
		return err
	}
	delete(completed, spec.Key)
	var missing []content.Key
	for _, dep := range spec.DependsOn {
		if _, ok := completed[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	prompt := spec.Build(content.PromptContext{
		Brief:     briefOf(p),
		Completed: completed,
		Missing:   missing,
		Annotate:  e.Runner.Annotate,
	})
	sink := &artifactSink{e: e, artifactID: a.ID, projectID: a.ProjectID}
	if err := sink.UnitStarted(ctx, spec.Key); err != nil {
		return err
	}
	res, genErr := e.Orchestrator.Generate(ctx, spec, prompt)
	if genErr != nil {
		if err := sink.UnitFailed(ctx, spec.Key, genErr, missing); err != nil {
			return errors.Join(genErr, err)
		}
	} else if err := sink.UnitCompleted(ctx, spec.Key, res, missing); err != nil {
		return err
	}
	a, err = e.settle(ctx, a.ID, nil)
	if err != nil {
		return err
	}
	if genErr != nil {
		return genErr
	}
	return e.onRunFinished(ctx, a)
}

// ApproveArtifact records a person's approval of a complete artifact.
func (e Engine) ApproveArtifact(ctx context.Context, artifactID, actorID string) (domain.Artifact, error) {
	actorID = actorOr(actorID)
	if _, busy := e.Tasks.Get(artifactID); busy {
		return domain.Artifact{}, ErrBusy
	}
	return e.mutateArtifact(ctx, artifactID, func(a *domain.Artifact) error {
		if a.Status != domain.ArtifactComplete {
			return &ConflictError{Op: "approve artifact", Reason: "artifact is " + a.Status + "; only complete artifacts can be approved"}
		}
		now := e.stamp()
		a.ApprovedBy = &actorID
		a.ApprovedAt = &now
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		if _, err := e.Repo.AppendAudit(ctx, tx, domain.AuditEntry{
			ArtifactID: a.ID,
			Role:       domain.RoleHuman,
			Content:    "approved",
			ActorID:    actorID,
			CreatedAt:  *a.ApprovedAt,
		}); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.ArtifactApproved, a.ProjectID, "artifact", a.ID, actorID, nil)
	})
}
