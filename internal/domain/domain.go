package domain

import "encoding/json"

const (
	StatusCancelled = "cancelled"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

const (
	ArtifactPending  = "pending"
	ArtifactRunning  = "running"
	ArtifactComplete = "complete"
	ArtifactPartial  = "partial"
	ArtifactFailed   = "failed"
)

const (
	UnitPending    = "pending"
	UnitGenerating = "generating"
	UnitComplete   = "complete"
	UnitFailed     = "failed"
)

const (
	RoleSystem = "system"
	RoleHuman  = "human"
)

const (
	RefinementPending  = "pending"
	RefinementApplied  = "applied"
	RefinementRejected = "rejected"
)

type Project struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Brief       string          `json:"brief,omitempty"`
	Workflow    string          `json:"workflow" enum:"project,document"`
	Stage       int             `json:"stage"`
	Status      string          `json:"status"`
	Progress    []StageProgress `json:"progress"`
	CancelledAt *string         `json:"cancelled_at,omitempty" format:"date-time"`
	PublishedAt *string         `json:"published_at,omitempty" format:"date-time"`
	FailedAt    *string         `json:"failed_at,omitempty" format:"date-time"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
	Version     int             `json:"version"`
}

type StageProgress struct {
	Stage       int            `json:"stage"`
	Name        string         `json:"name"`
	StartedAt   *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	ArtifactID  *string        `json:"artifact_id,omitempty"`
	Counters    map[string]int `json:"counters,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Current returns the progress record of the project's current stage.
func (p *Project) Current() *StageProgress {
	return p.At(p.Stage)
}

func (p *Project) At(stage int) *StageProgress {
	if stage < 1 || stage > len(p.Progress) {
		return nil
	}
	return &p.Progress[stage-1]
}

func (p *Project) Terminal() bool {
	return IsTerminal(p.Status)
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCancelled, StatusPublished, StatusFailed:
		return true
	}
	return false
}

type Artifact struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status" enum:"pending,running,complete,partial,failed"`
	Units      []ContentUnit `json:"units"`
	ApprovedBy *string       `json:"approved_by,omitempty"`
	ApprovedAt *string       `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
	Version    int           `json:"version"`
}

func (a *Artifact) Unit(key string) *ContentUnit {
	for i := range a.Units {
		if a.Units[i].Key == key {
			return &a.Units[i]
		}
	}
	return nil
}

type ContentUnit struct {
	Key        string          `json:"key"`
	Status     string          `json:"status" enum:"pending,generating,complete,failed"`
	Value      json.RawMessage `json:"value,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	DegradedBy []string        `json:"degraded_by,omitempty"`
	UpdatedAt  *string         `json:"updated_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	ArtifactID string `json:"artifact_id"`
	Role       string `json:"role" enum:"system,human"`
	Content    string `json:"content"`
	UnitKey    string `json:"unit_key,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type RefinementRequest struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	UnitKey     string  `json:"unit_key"`
	Change      string  `json:"change"`
	Status      string  `json:"status" enum:"pending,applied,rejected"`
	RequestedBy string  `json:"requested_by"`
	AppliedBy   *string `json:"applied_by,omitempty"`
	AppliedAt   *string `json:"applied_at,omitempty" format:"date-time"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Lease struct {
	ArtifactID string `json:"artifact_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
