package server

import (
	"encoding/json"

	"docforge/internal/domain"
	"docforge/internal/engine"
	"docforge/internal/pipeline"
)

// Request payloads

type CreateProjectRequest struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title" minLength:"1"`
	Brief    string `json:"brief,omitempty"`
	Workflow string `json:"workflow,omitempty" enum:"project,document"`
}

type AdvanceStageRequest struct {
	// Seed is merged into the data of the stage being entered.
	Seed map[string]any `json:"seed,omitempty"`
}

type UpdateProgressRequest struct {
	ArtifactID *string        `json:"artifact_id,omitempty"`
	Counters   map[string]int `json:"counters,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type MarkTerminalRequest struct {
	Outcome string `json:"outcome" enum:"cancelled,published,failed"`
}

type CreateRefinementRequest struct {
	UnitKey string `json:"unit_key" enum:"overview,framework,assessments"`
	Change  string `json:"change" minLength:"1"`
}

type RegenerateUnitRequest struct {
	UnitKey string `json:"unit_key" enum:"overview,framework,assessments"`
}

// Responses

type PipelineResponse struct {
	ArtifactID string `json:"artifact_id"`
	Created    bool   `json:"created"`
	// Running is true while a run for the artifact is active in this process.
	Running bool `json:"running"`
}

type RefinementResponse struct {
	Refinement domain.RefinementRequest `json:"refinement"`
	Running    bool                     `json:"running"`
}

type TaskResponse struct {
	ArtifactID string `json:"artifact_id"`
	UnitKey    string `json:"unit_key"`
	Running    bool   `json:"running"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func pipelineResponse(res engine.StartResult) PipelineResponse {
	return PipelineResponse{
		ArtifactID: res.ArtifactID,
		Created:    res.Created,
		Running:    running(res.Task),
	}
}

func running(t *pipeline.Task) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.Done():
		return false
	default:
		return true
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
