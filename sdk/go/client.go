package docforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal docforge HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// PollInterval is used by WaitForArtifact.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ProjectID:    projectID,
		Timeout:      10 * time.Second,
		PollInterval: time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Workflow string          `json:"workflow"`
	Stage    int             `json:"stage"`
	Status   string          `json:"status"`
	Progress []StageProgress `json:"progress"`
	Version  int             `json:"version"`
}

type StageProgress struct {
	Stage       int            `json:"stage"`
	Name        string         `json:"name"`
	StartedAt   *string        `json:"started_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	ArtifactID  *string        `json:"artifact_id,omitempty"`
	Counters    map[string]int `json:"counters,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Artifact is a generated document and its units.
type Artifact struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	Units      []ContentUnit `json:"units"`
	ApprovedBy *string       `json:"approved_by,omitempty"`
	ApprovedAt *string       `json:"approved_at,omitempty"`
}

// Finished reports whether no run is pending or in progress.
func (a Artifact) Finished() bool {
	return a.Status != "pending" && a.Status != "running"
}

type ContentUnit struct {
	Key        string          `json:"key"`
	Status     string          `json:"status"`
	Value      json.RawMessage `json:"value,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	DegradedBy []string        `json:"degraded_by,omitempty"`
}

type AuditEntry struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	UnitKey   string `json:"unit_key,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Refinement struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	UnitKey     string  `json:"unit_key"`
	Change      string  `json:"change"`
	Status      string  `json:"status"`
	RequestedBy string  `json:"requested_by"`
	AppliedBy   *string `json:"applied_by,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type PipelineStart struct {
	ArtifactID string `json:"artifact_id"`
	Created    bool   `json:"created"`
	Running    bool   `json:"running"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project with the client's ProjectID.
func (c *Client) CreateProject(ctx context.Context, title, brief, workflow string) (Project, error) {
	body := map[string]any{
		"id":    c.ProjectID,
		"title": title,
	}
	if brief != "" {
		body["brief"] = brief
	}
	if workflow != "" {
		body["workflow"] = workflow
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// AdvanceStage completes the current stage, merging seed into the next one.
func (c *Client) AdvanceStage(ctx context.Context, seed map[string]any) (Project, error) {
	body := map[string]any{}
	if len(seed) > 0 {
		body["seed"] = seed
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("advance"), body, &resp)
	return resp, err
}

// StartPipeline starts generation; calling it again returns the same artifact.
func (c *Client) StartPipeline(ctx context.Context) (PipelineStart, error) {
	var resp PipelineStart
	err := c.do(ctx, http.MethodPost, c.projectPath("pipeline"), nil, &resp)
	return resp, err
}

func (c *Client) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, ""), nil, &resp)
	return resp, err
}

// WaitForArtifact polls until the artifact's run has finished.
func (c *Client) WaitForArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		a, err := c.GetArtifact(ctx, artifactID)
		if err != nil || a.Finished() {
			return a, err
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RequestRefinement asks for a change to one unit. The change is applied in
// the background; poll ListRefinements for the outcome.
func (c *Client) RequestRefinement(ctx context.Context, artifactID, unitKey, change string) (Refinement, error) {
	body := map[string]any{
		"unit_key": unitKey,
		"change":   change,
	}
	var resp struct {
		Refinement Refinement `json:"refinement"`
	}
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "refinements"), body, &resp)
	return resp.Refinement, err
}

func (c *Client) ListRefinements(ctx context.Context, artifactID string) ([]Refinement, error) {
	var resp []Refinement
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, "refinements"), nil, &resp)
	return resp, err
}

// RegenerateUnit generates one unit again in the background.
func (c *Client) RegenerateUnit(ctx context.Context, artifactID, unitKey string) error {
	return c.do(ctx, http.MethodPost, artifactPath(artifactID, "regenerate"), map[string]any{"unit_key": unitKey}, nil)
}

func (c *Client) ApproveArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "approve"), nil, &resp)
	return resp, err
}

// GetAuditLog returns the artifact's audit entries, oldest first.
func (c *Client) GetAuditLog(ctx context.Context, artifactID string) ([]AuditEntry, error) {
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, "audit-log"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func artifactPath(id, p string) string {
	if p == "" {
		return fmt.Sprintf("v0/artifacts/%s", url.PathEscape(id))
	}
	return fmt.Sprintf("v0/artifacts/%s/%s", url.PathEscape(id), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
