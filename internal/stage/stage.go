// Package stage tracks a project's position in its ordered workflow.
// Transitions mutate a domain.Project in memory; callers persist the result.
package stage

import (
	"fmt"

	"docforge/internal/domain"
)

type StageDef struct {
	Number int
	Name   string
	Status string
	// Generates is the artifact kind produced while the project sits in
	// this stage, if any.
	Generates string
}

type Workflow struct {
	Name   string
	Stages []StageDef
}

const (
	WorkflowProject  = "project"
	WorkflowDocument = "document"
)

const curriculumPackage = "curriculum_package"

var workflows = map[string]Workflow{
	WorkflowProject: {Name: WorkflowProject, Stages: []StageDef{
		{1, "research", "research", ""},
		{2, "cost_review", "cost_review", ""},
		{3, "generation", "generating", curriculumPackage},
		{4, "review", "in_review", ""},
		{5, "approval", "approved", ""},
	}},
	WorkflowDocument: {Name: WorkflowDocument, Stages: []StageDef{
		{1, "intake", "intake", ""},
		{2, "research", "research", ""},
		{3, "outline", "outlining", ""},
		{4, "cost_review", "cost_review", ""},
		{5, "drafting", "drafting", curriculumPackage},
		{6, "review", "in_review", ""},
		{7, "revision", "revising", ""},
		{8, "approval", "awaiting_approval", ""},
		{9, "delivery", "ready", ""},
	}},
}

func Lookup(name string) (Workflow, error) {
	w, ok := workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("unknown workflow %q", name)
	}
	return w, nil
}

func (w Workflow) Len() int { return len(w.Stages) }

func (w Workflow) Stage(n int) (StageDef, bool) {
	if n < 1 || n > len(w.Stages) {
		return StageDef{}, false
	}
	return w.Stages[n-1], true
}

// GenerationStage returns the stage in which kind is generated.
func (w Workflow) GenerationStage(kind string) (StageDef, bool) {
	for _, s := range w.Stages {
		if s.Generates == kind {
			return s, true
		}
	}
	return StageDef{}, false
}

type InvalidTransitionError struct {
	ProjectID string
	From      string
	To        string
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for project %s: %s", e.From, e.To, e.ProjectID, e.Reason)
}

type TerminalStageError struct {
	ProjectID string
	Stage     int
}

func (e *TerminalStageError) Error() string {
	return fmt.Sprintf("project %s is at its final stage %d", e.ProjectID, e.Stage)
}

// NewProject returns a project at stage 1 with stage 1 started at now.
func NewProject(id, title, brief, workflow, actor, now string) (domain.Project, error) {
	w, err := Lookup(workflow)
	if err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:        id,
		Title:     title,
		Brief:     brief,
		Workflow:  w.Name,
		Stage:     1,
		Status:    w.Stages[0].Status,
		Progress:  make([]domain.StageProgress, 0, w.Len()),
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	for _, s := range w.Stages {
		p.Progress = append(p.Progress, domain.StageProgress{Stage: s.Number, Name: s.Name})
	}
	started := now
	p.Progress[0].StartedAt = &started
	return p, nil
}

// Advance completes the current stage and enters the next one, merging seed
// into the new stage's data. On error p is left untouched.
func Advance(p *domain.Project, now string, seed map[string]any) error {
	w, err := Lookup(p.Workflow)
	if err != nil {
		return err
	}
	// The final stage has no successor, whatever the project's status.
	if p.Stage >= w.Len() {
		return &TerminalStageError{ProjectID: p.ID, Stage: p.Stage}
	}
	if p.Terminal() {
		return &InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: "next stage", Reason: "project is terminal"}
	}
	next, _ := w.Stage(p.Stage + 1)
	if len(p.Progress) < w.Len() {
		return fmt.Errorf("project %s has %d progress records, workflow needs %d", p.ID, len(p.Progress), w.Len())
	}

	completed := now
	p.Current().CompletedAt = &completed
	p.Stage = next.Number
	p.Status = next.Status
	cur := p.Current()
	if cur.StartedAt == nil {
		started := now
		cur.StartedAt = &started
	}
	if len(seed) > 0 {
		if cur.Data == nil {
			cur.Data = map[string]any{}
		}
		for k, v := range seed {
			cur.Data[k] = v
		}
	}
	p.UpdatedAt = now
	return nil
}

// Patch is merged into the current stage's progress record.
type Patch struct {
	ArtifactID *string
	Counters   map[string]int
	Data       map[string]any
}

// UpdateProgress merges patch into the current stage only. Stage and status
// do not change.
func UpdateProgress(p *domain.Project, patch Patch, now string) error {
	if p.Terminal() {
		return &InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: p.Status, Reason: "project is terminal"}
	}
	cur := p.Current()
	if cur == nil {
		return fmt.Errorf("project %s has no progress record for stage %d", p.ID, p.Stage)
	}
	if patch.ArtifactID != nil {
		id := *patch.ArtifactID
		cur.ArtifactID = &id
	}
	if len(patch.Counters) > 0 {
		if cur.Counters == nil {
			cur.Counters = map[string]int{}
		}
		for k, v := range patch.Counters {
			cur.Counters[k] = v
		}
	}
	if len(patch.Data) > 0 {
		if cur.Data == nil {
			cur.Data = map[string]any{}
		}
		for k, v := range patch.Data {
			cur.Data[k] = v
		}
	}
	p.UpdatedAt = now
	return nil
}

// MarkTerminal moves p to one of the terminal statuses. Publishing is only
// legal from the final stage.
func MarkTerminal(p *domain.Project, outcome, now string) error {
	if !domain.IsTerminal(outcome) {
		return &InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: outcome, Reason: "not a terminal status"}
	}
	if p.Terminal() {
		return &InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: outcome, Reason: "project is already terminal"}
	}
	w, err := Lookup(p.Workflow)
	if err != nil {
		return err
	}
	if outcome == domain.StatusPublished && p.Stage != w.Len() {
		return &InvalidTransitionError{ProjectID: p.ID, From: p.Status, To: outcome, Reason: "only the final stage can be published"}
	}
	stamp := now
	switch outcome {
	case domain.StatusCancelled:
		p.CancelledAt = &stamp
	case domain.StatusPublished:
		p.PublishedAt = &stamp
		if cur := p.Current(); cur != nil && cur.CompletedAt == nil {
			completed := now
			cur.CompletedAt = &completed
		}
	case domain.StatusFailed:
		p.FailedAt = &stamp
	}
	p.Status = outcome
	p.UpdatedAt = now
	return nil
}

// Status derives the status a project should carry from its stage and
// terminal stamps.
func Status(p domain.Project) (string, error) {
	switch {
	case p.CancelledAt != nil:
		return domain.StatusCancelled, nil
	case p.PublishedAt != nil:
		return domain.StatusPublished, nil
	case p.FailedAt != nil:
		return domain.StatusFailed, nil
	}
	w, err := Lookup(p.Workflow)
	if err != nil {
		return "", err
	}
	s, ok := w.Stage(p.Stage)
	if !ok {
		return "", fmt.Errorf("stage %d out of range for workflow %s", p.Stage, w.Name)
	}
	return s.Status, nil
}
