package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProjectCreated      = "project.created"
	StageAdvanced       = "stage.advanced"
	StageProgress       = "stage.progress"
	ProjectTerminal     = "project.terminal"
	PipelineStarted     = "pipeline.started"
	PipelineResumed     = "pipeline.resumed"
	PipelineFinished    = "pipeline.finished"
	UnitCompleted       = "unit.completed"
	UnitFailed          = "unit.failed"
	RefinementRequested = "refinement.requested"
	RefinementApplied   = "refinement.applied"
	RefinementRejected  = "refinement.rejected"
	ArtifactApproved    = "artifact.approved"
)

// Types lists every event type, for webhook filter validation.
var Types = []string{
	ProjectCreated, StageAdvanced, StageProgress, ProjectTerminal,
	PipelineStarted, PipelineResumed, PipelineFinished, UnitCompleted, UnitFailed,
	RefinementRequested, RefinementApplied, RefinementRejected, ArtifactApproved,
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
