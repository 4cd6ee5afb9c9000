package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/events"
	"docforge/internal/pipeline"
	"docforge/internal/repo"
	"docforge/internal/stage"
)

const resumeConcurrency = 4

var errProjectMovedOn = errors.New("project left the generation stage")

// StartResult is returned by StartPipeline.
type StartResult struct {
	ArtifactID string
	// Created is false when the artifact already existed.
	Created bool
	// Task is the run handle. It is nil when nothing is running for the
	// artifact in this process.
	Task *pipeline.Task
}

// StartPipeline creates the project's artifact and generates its units in the
// background. Calling it again returns the existing artifact; an unfinished
// run with no live owner is resumed.
func (e Engine) StartPipeline(ctx context.Context, projectID, actorID string) (StartResult, error) {
	actorID = actorOr(actorID)
	kind := content.KindCurriculumPackage
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StartResult{}, err
	}
	existing, err := e.Repo.GetArtifactByKind(ctx, projectID, kind)
	if err == nil {
		return e.attach(ctx, existing), nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return StartResult{}, err
	}
	if p.Terminal() {
		return StartResult{}, &stage.InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: "pipeline", Reason: "project is terminal"}
	}
	w, err := stage.Lookup(p.Workflow)
	if err != nil {
		return StartResult{}, err
	}
	gs, ok := w.GenerationStage(kind)
	if !ok {
		return StartResult{}, &ConflictError{Op: "start pipeline", Reason: fmt.Sprintf("workflow %s does not generate %s", w.Name, kind)}
	}
	if p.Stage != gs.Number {
		return StartResult{}, &ConflictError{Op: "start pipeline", Reason: fmt.Sprintf("project is at stage %d, %s is generated at stage %d", p.Stage, kind, gs.Number)}
	}

	a, err := newArtifact(uuid.NewString(), projectID, kind, e.stamp())
	if err != nil {
		return StartResult{}, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.CreateArtifact(ctx, tx, a); err != nil {
			return err
		}
		cur, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		id := a.ID
		if err := stage.UpdateProgress(&cur, stage.Patch{ArtifactID: &id}, a.CreatedAt); err != nil {
			return err
		}
		if _, err := e.Repo.SaveProject(ctx, tx, cur); err != nil {
			return err
		}
		if _, err := e.Repo.ClaimLease(ctx, tx, a.ID, e.Owner, e.now(), e.leaseTTL()); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.PipelineStarted, projectID, "artifact", a.ID, actorID, events.EventPayload{
			"kind":  kind,
			"units": len(a.Units),
		})
	})
	var dup *repo.DuplicateArtifactError
	if errors.As(err, &dup) {
		existing, err := e.Repo.GetArtifact(ctx, dup.ExistingID)
		if err != nil {
			return StartResult{}, err
		}
		return e.attach(ctx, existing), nil
	}
	if err != nil {
		return StartResult{}, err
	}
	task, err := e.startTask(ctx, a.ID, nil, func(ctx context.Context) error {
		return e.runArtifact(ctx, a.ID)
	})
	if err != nil && !errors.Is(err, ErrBusy) {
		return StartResult{}, err
	}
	return StartResult{ArtifactID: a.ID, Created: true, Task: task}, nil
}

// attach returns the live task of an existing artifact, resuming its run
// when it is unfinished and unowned.
func (e Engine) attach(ctx context.Context, a domain.Artifact) StartResult {
	res := StartResult{ArtifactID: a.ID}
	if t, ok := e.Tasks.Get(a.ID); ok {
		res.Task = t
		return res
	}
	if a.Status != domain.ArtifactPending && a.Status != domain.ArtifactRunning {
		return res
	}
	task, err := e.resume(ctx, a)
	switch {
	case err == nil, errors.Is(err, ErrBusy):
		res.Task = task
	default:
		e.log().Debug("existing artifact not resumed", "artifact_id", a.ID, "error", err.Error())
	}
	return res
}

func (e Engine) resume(ctx context.Context, a domain.Artifact) (*pipeline.Task, error) {
	return e.startTask(ctx, a.ID, func(tx *sql.Tx) error {
		return e.appendEvent(ctx, tx, events.PipelineResumed, a.ProjectID, "artifact", a.ID, SystemActor, events.EventPayload{
			"status": a.Status,
			"owner":  e.Owner,
		})
	}, func(ctx context.Context) error {
		return e.runArtifact(ctx, a.ID)
	})
}

// ResumeUnfinished restarts every pending or running artifact whose lease has
// expired and returns how many runs were launched.
func (e Engine) ResumeUnfinished(ctx context.Context) (int, error) {
	arts, err := e.Repo.ListArtifacts(ctx, "", domain.ArtifactPending, domain.ArtifactRunning)
	if err != nil {
		return 0, err
	}
	var launched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, a := range arts {
		g.Go(func() error {
			_, err := e.resume(gctx, a)
			switch {
			case err == nil:
				launched.Add(1)
				e.log().Info("resuming unfinished pipeline", "artifact_id", a.ID, "project_id", a.ProjectID)
			case errors.Is(err, ErrBusy), errors.Is(err, ErrLeaseHeld):
				e.log().Debug("unfinished pipeline owned elsewhere", "artifact_id", a.ID)
			default:
				return fmt.Errorf("resume %s: %w", a.ID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(launched.Load()), err
}

// startTask reserves artifactID in the task registry, claims its run lease
// and runs fn in the background. prepare runs in the claiming transaction.
// When another task holds the artifact, that task is returned with ErrBusy.
func (e Engine) startTask(ctx context.Context, artifactID string, prepare func(tx *sql.Tx) error, fn func(ctx context.Context) error) (*pipeline.Task, error) {
	task, ok := e.Tasks.Reserve(artifactID)
	if !ok {
		return task, ErrBusy
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		claimed, err := e.Repo.ClaimLease(ctx, tx, artifactID, e.Owner, e.now(), e.leaseTTL())
		if err != nil {
			return err
		}
		if !claimed {
			return ErrLeaseHeld
		}
		if prepare != nil {
			return prepare(tx)
		}
		return nil
	})
	if err != nil {
		e.Tasks.Abort(task, err)
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	e.Tasks.Launch(task, func() error {
		defer e.releaseLease(bg, artifactID)
		err := fn(bg)
		if err != nil {
			e.log().Warn("background task failed", "artifact_id", artifactID, "error", pipeline.Summarize(err))
		}
		return err
	})
	return task, nil
}

func (e Engine) releaseLease(ctx context.Context, artifactID string) {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.ReleaseLease(ctx, tx, artifactID, e.Owner)
	})
	if err != nil {
		e.log().Error("release lease failed", "artifact_id", artifactID, "error", err.Error())
	}
}

func (e Engine) renewLease(ctx context.Context, tx *sql.Tx, artifactID string) error {
	claimed, err := e.Repo.ClaimLease(ctx, tx, artifactID, e.Owner, e.now(), e.leaseTTL())
	if err != nil {
		return err
	}
	if !claimed {
		return errLeaseLost
	}
	return nil
}

func (e Engine) runArtifact(ctx context.Context, artifactID string) error {
	e.Metrics.PipelineStarted()
	defer e.Metrics.PipelineStopped()

	a, err := e.mutateArtifact(ctx, artifactID, func(a *domain.Artifact) error {
		a.Status = domain.ArtifactRunning
		for i := range a.Units {
			u := &a.Units[i]
			if u.Status == domain.UnitGenerating {
				u.Status = settledStatus(*u)
			}
		}
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		return e.renewLease(ctx, tx, a.ID)
	})
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
	sink := &artifactSink{e: e, artifactID: a.ID, projectID: a.ProjectID}
	sum, err := e.Runner.Run(ctx, pipeline.RunInput{Kind: a.Kind, Brief: briefOf(p), Completed: completed}, sink)
	if err != nil {
		e.log().Error("pipeline aborted", "artifact_id", a.ID, "error", err.Error())
		return err
	}
	a, err = e.settle(ctx, a.ID, func(tx *sql.Tx, a domain.Artifact) error {
		return e.appendEvent(ctx, tx, events.PipelineFinished, a.ProjectID, "artifact", a.ID, SystemActor, events.EventPayload{
			"status":    a.Status,
			"completed": sum.Completed,
			"failed":    sum.Failed,
			"skipped":   sum.Skipped,
		})
	})
	if err != nil {
		return err
	}
	e.Metrics.PipelineDone(a.Status)
	return e.onRunFinished(ctx, a)
}

// settle recomputes the artifact status from its units.
func (e Engine) settle(ctx context.Context, artifactID string, record func(tx *sql.Tx, a domain.Artifact) error) (domain.Artifact, error) {
	return e.mutateArtifact(ctx, artifactID, func(a *domain.Artifact) error {
		a.Status = artifactStatus(a.Units)
		return nil
	}, record)
}

// onRunFinished records the run on the project's generation stage and
// advances the project when every unit is complete. Nothing is recorded when
// the project is terminal or has already left that stage.
func (e Engine) onRunFinished(ctx context.Context, a domain.Artifact) error {
	complete, failed := countUnits(a.Units)
	advanced := false
	var from int
	_, err := e.mutateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		advanced = false
		w, err := stage.Lookup(p.Workflow)
		if err != nil {
			return err
		}
		gs, ok := w.GenerationStage(a.Kind)
		if !ok || p.Terminal() || p.Stage != gs.Number {
			return errProjectMovedOn
		}
		now := e.stamp()
		id := a.ID
		patch := stage.Patch{
			ArtifactID: &id,
			Counters:   map[string]int{"units_complete": complete, "units_failed": failed},
		}
		if err := stage.UpdateProgress(p, patch, now); err != nil {
			return err
		}
		if a.Status == domain.ArtifactComplete {
			from = p.Stage
			if err := stage.Advance(p, now, map[string]any{"artifact_id": a.ID}); err != nil {
				return err
			}
			advanced = true
		}
		return nil
	}, func(tx *sql.Tx, p domain.Project) error {
		if err := e.appendEvent(ctx, tx, events.StageProgress, p.ID, "project", p.ID, SystemActor, events.EventPayload{
			"artifact_id": a.ID,
			"counters":    map[string]int{"units_complete": complete, "units_failed": failed},
		}); err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		return e.appendEvent(ctx, tx, events.StageAdvanced, p.ID, "project", p.ID, SystemActor, events.EventPayload{
			"from":   from,
			"to":     p.Stage,
			"status": p.Status,
		})
	})
	if errors.Is(err, errProjectMovedOn) {
		e.log().Info("run result not surfaced on project", "artifact_id", a.ID, "project_id", a.ProjectID, "status", a.Status)
		return nil
	}
	return err
}

// artifactSink persists runner progress, one transaction per unit.
type artifactSink struct {
	e          Engine
	artifactID string
	projectID  string
}

func (s *artifactSink) UnitStarted(ctx context.Context, key content.Key) error {
	_, err := s.e.mutateArtifact(ctx, s.artifactID, func(a *domain.Artifact) error {
		u, err := unitOf(a, key)
		if err != nil {
			return err
		}
		u.Status = domain.UnitGenerating
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		return s.e.renewLease(ctx, tx, a.ID)
	})
	return err
}

func (s *artifactSink) UnitCompleted(ctx context.Context, key content.Key, res pipeline.Result, degradedBy []content.Key) error {
	raw, err := content.Encode(res.Value)
	if err != nil {
		return err
	}
	now := s.e.stamp()
	_, err = s.e.mutateArtifact(ctx, s.artifactID, func(a *domain.Artifact) error {
		u, err := unitOf(a, key)
		if err != nil {
			return err
		}
		u.Status = domain.UnitComplete
		u.Value = raw
		u.Attempts = res.Attempts
		u.Strategy = string(res.Strategy)
		u.LastError = ""
		u.Degraded = len(degradedBy) > 0
		u.DegradedBy = keyStrings(degradedBy)
		u.UpdatedAt = &now
		// A new value invalidates any earlier approval.
		a.ApprovedBy, a.ApprovedAt = nil, nil
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		if err := s.e.renewLease(ctx, tx, a.ID); err != nil {
			return err
		}
		if _, err := s.e.Repo.AppendAudit(ctx, tx, domain.AuditEntry{
			ArtifactID: a.ID,
			Role:       domain.RoleSystem,
			Content:    string(raw),
			UnitKey:    string(key),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		payload := events.EventPayload{"unit": string(key), "attempts": res.Attempts, "strategy": string(res.Strategy)}
		if len(degradedBy) > 0 {
			payload["degraded_by"] = keyStrings(degradedBy)
		}
		return s.e.appendEvent(ctx, tx, events.UnitCompleted, s.projectID, "artifact", a.ID, SystemActor, payload)
	})
	return err
}

func (s *artifactSink) UnitFailed(ctx context.Context, key content.Key, cause error, degradedBy []content.Key) error {
	summary := pipeline.Summarize(cause)
	attempts := 1
	var exhausted *pipeline.GenerationExhaustedError
	if errors.As(cause, &exhausted) {
		attempts = exhausted.Attempts
	}
	now := s.e.stamp()
	_, err := s.e.mutateArtifact(ctx, s.artifactID, func(a *domain.Artifact) error {
		u, err := unitOf(a, key)
		if err != nil {
			return err
		}
		u.LastError = summary
		u.Attempts = attempts
		u.Degraded = len(degradedBy) > 0
		u.DegradedBy = keyStrings(degradedBy)
		u.UpdatedAt = &now
		if len(u.Value) == 0 {
			u.Status = domain.UnitFailed
		} else {
			u.Status = domain.UnitComplete
		}
		return nil
	}, func(tx *sql.Tx, a domain.Artifact) error {
		if err := s.e.renewLease(ctx, tx, a.ID); err != nil {
			return err
		}
		return s.e.appendEvent(ctx, tx, events.UnitFailed, s.projectID, "artifact", a.ID, SystemActor, events.EventPayload{
			"unit":     string(key),
			"attempts": attempts,
			"error":    summary,
		})
	})
	return err
}

func newArtifact(id, projectID, kind, now string) (domain.Artifact, error) {
	specs, ok := content.Catalog(kind)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	a := domain.Artifact{
		ID:        id,
		ProjectID: projectID,
		Kind:      kind,
		Status:    domain.ArtifactPending,
		Units:     make([]domain.ContentUnit, 0, len(specs)),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	for _, s := range specs {
		a.Units = append(a.Units, domain.ContentUnit{Key: string(s.Key), Status: domain.UnitPending})
	}
	return a, nil
}

func unitOf(a *domain.Artifact, key content.Key) (*domain.ContentUnit, error) {
	u := a.Unit(string(key))
	if u == nil {
		return nil, fmt.Errorf("artifact %s has no unit %s", a.ID, key)
	}
	return u, nil
}

// completedValues decodes the stored values of complete units.
func completedValues(a domain.Artifact) (map[content.Key]content.Value, error) {
	out := make(map[content.Key]content.Value, len(a.Units))
	for _, u := range a.Units {
		if u.Status != domain.UnitComplete || len(u.Value) == 0 {
			continue
		}
		v, err := content.Decode(content.Key(u.Key), u.Value)
		if err != nil {
			return nil, fmt.Errorf("artifact %s unit %s: %w", a.ID, u.Key, err)
		}
		out[content.Key(u.Key)] = v
	}
	return out, nil
}

func settledStatus(u domain.ContentUnit) string {
	if len(u.Value) > 0 {
		return domain.UnitComplete
	}
	if u.LastError != "" {
		return domain.UnitFailed
	}
	return domain.UnitPending
}

func artifactStatus(units []domain.ContentUnit) string {
	complete, _ := countUnits(units)
	switch {
	case len(units) > 0 && complete == len(units):
		return domain.ArtifactComplete
	case complete == 0:
		return domain.ArtifactFailed
	default:
		return domain.ArtifactPartial
	}
}

func countUnits(units []domain.ContentUnit) (complete, failed int) {
	for _, u := range units {
		switch u.Status {
		case domain.UnitComplete:
			complete++
		case domain.UnitFailed:
			failed++
		}
	}
	return complete, failed
}

func briefOf(p domain.Project) content.Brief {
	return content.Brief{ProjectID: p.ID, Title: p.Title, Brief: p.Brief}
}

func keyStrings(keys []content.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
