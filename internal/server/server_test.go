package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docforge/internal/config"
	"docforge/internal/db"
	"docforge/internal/domain"
	"docforge/internal/engine"
	"docforge/internal/generator"
	"docforge/internal/migrate"
	"docforge/internal/observability"
)

const testSecret = "test-secret"

var answers = map[string]string{
	"Program overview": `{"title":"Go Basics","summary":"Intro","audience":"devs","level":"beginner","durationWeeks":4,"objectives":["write go"]}`,
	"Module framework": `{"modules":[{"number":1,"title":"Syntax","theoryHours":2,"practiceHours":3,"assessmentHours":1,"hasLab":true,"outcomes":["read go"]}]}`,
	"Assessment plan":  `{"assessments":[{"title":"Quiz 1","type":"quiz","weight":100,"moduleNumbers":[1],"required":true}]}`,
}

func answerByTitle(ctx context.Context, prompt, system string, opts generator.Options) (string, error) {
	for title, answer := range answers {
		if strings.Contains(system, title) {
			return answer, nil
		}
	}
	return "", &generator.ServiceError{Status: 400, Message: "unknown unit"}
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Generation.InterUnitDelay = 0
	e := engine.New(conn, cfg, generator.Func(answerByTitle), nil, observability.NewMetrics())
	e.Orchestrator.Retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Wait(ctx)
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func (s *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Engine.Wait(ctx); err != nil {
		t.Fatalf("wait for background tasks: %v", err)
	}
}

var asAlice = map[string]string{actorHeader: "alice"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return env.Error.Code
}

// projectAtGeneration creates a project over HTTP and advances it to stage 3.
func (s *testServer) projectAtGeneration(t *testing.T, id string) {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/projects", map[string]any{
		"id":    id,
		"title": "Go course",
		"brief": "Teach Go to backend devs",
	}, asAlice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/projects/"+id+"/advance", nil, asAlice)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
		}
	}
}

func TestHealthWithoutCredentials(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	body := decode[healthResponse](t, data)
	if body.Status != "ok" || body.Service != "docforge" {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil || doc.Components.SecuritySchemes["actorHeader"] == nil {
		t.Fatalf("missing security schemes: %v", doc.Components.SecuritySchemes)
	}
	health := doc.Paths["/v0/health"]["get"]
	if len(health.Security) != 0 {
		t.Fatalf("health should be public, got %v", health.Security)
	}
	start := doc.Paths["/v0/projects/{project_id}/pipeline"]["post"]
	if len(start.Security) != 2 || start.Responses["default"] == nil {
		t.Fatalf("pipeline start not decorated: %+v", start)
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "carol"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "title": "Go course"}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with token status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.Project](t, data); p.CreatedBy != "carol" {
		t.Fatalf("expected token subject as creator, got %q", p.CreatedBy)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.projectAtGeneration(t, "p1")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/p1/pipeline", nil, asAlice)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start pipeline status %d: %s", res.StatusCode, string(data))
	}
	started := decode[PipelineResponse](t, data)
	if !started.Created || started.ArtifactID == "" {
		t.Fatalf("unexpected start response %+v", started)
	}
	srv.wait(t)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/p1/pipeline", nil, asAlice)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("second start status %d: %s", res.StatusCode, string(data))
	}
	again := decode[PipelineResponse](t, data)
	if again.Created || again.ArtifactID != started.ArtifactID || again.Running {
		t.Fatalf("second start should return the finished artifact: %+v", again)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/artifacts/"+started.ArtifactID, nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get artifact status %d: %s", res.StatusCode, string(data))
	}
	a := decode[domain.Artifact](t, data)
	if a.Status != domain.ArtifactComplete || len(a.Units) != 3 {
		t.Fatalf("expected complete artifact with 3 units, got %s with %d", a.Status, len(a.Units))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/p1", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.Project](t, data); p.Stage != 4 {
		t.Fatalf("expected project advanced to stage 4, got %d", p.Stage)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/artifacts/"+a.ID+"/refinements", map[string]any{
		"unit_key": "overview",
		"change":   "Make it six weeks",
	}, map[string]string{actorHeader: "bob"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("refinement status %d: %s", res.StatusCode, string(data))
	}
	srv.wait(t)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/artifacts/"+a.ID+"/refinements", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list refinements status %d: %s", res.StatusCode, string(data))
	}
	refs := decode[[]domain.RefinementRequest](t, data)
	if len(refs) != 1 || refs[0].Status != domain.RefinementApplied || refs[0].RequestedBy != "bob" {
		t.Fatalf("unexpected refinements %+v", refs)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/artifacts/"+a.ID+"/audit-log", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit log status %d: %s", res.StatusCode, string(data))
	}
	audit := decode[[]domain.AuditEntry](t, data)
	var human int
	for _, entry := range audit {
		if entry.Role == domain.RoleHuman {
			human++
			if entry.Content != "Make it six weeks" || entry.ActorID != "bob" {
				t.Fatalf("unexpected human entry %+v", entry)
			}
		}
	}
	if human != 1 {
		t.Fatalf("expected one human audit entry, got %d", human)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/artifacts/"+a.ID+"/approve", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	if approved := decode[domain.Artifact](t, data); approved.ApprovedBy == nil || *approved.ApprovedBy != "alice" {
		t.Fatalf("expected alice as approver, got %+v", approved.ApprovedBy)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "docforge_pipeline_runs_total") {
		t.Fatalf("metrics output missing pipeline runs counter")
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "title": "Go course"}, asAlice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing project", http.MethodGet, "/v0/projects/nope", nil, http.StatusNotFound, "not_found"},
		{"missing artifact", http.MethodGet, "/v0/artifacts/nope", nil, http.StatusNotFound, "not_found"},
		{"duplicate project", http.MethodPost, "/v0/projects", map[string]any{"id": "p1", "title": "Again"}, http.StatusConflict, "conflict"},
		{"pipeline outside generation stage", http.MethodPost, "/v0/projects/p1/pipeline", nil, http.StatusConflict, "conflict"},
		{"unknown outcome", http.MethodPost, "/v0/projects/p1/terminal", map[string]any{"outcome": "archived"}, http.StatusBadRequest, "bad_request"},
		{"bad cursor", http.MethodGet, "/v0/projects/p1/events?cursor=abc", nil, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.client, tc.method, srv.URL+tc.path, tc.body, asAlice)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			if code := errorCode(t, data); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/p1/terminal", map[string]any{"outcome": "cancelled"}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/p1/advance", nil, asAlice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("advance after cancel: expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.projectAtGeneration(t, "p1")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/p1/events?limit=2", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 events and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].Type != "stage.advanced" {
		t.Fatalf("expected newest event first, got %s", page.Items[0].Type)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/p1/events?limit=2&cursor="+page.NextCursor, nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].Type != "project.created" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
	var payload map[string]any
	if err := json.Unmarshal(page.Items[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["title"] != "Go course" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer receiver.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: receiver.URL, Events: []string{"project.created"}, Secret: "s3cret"}}
	srv := newTestServer(t, cfg)
	ctx := context.Background()

	if _, err := srv.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "before", Title: "Old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	d := newWebhookDispatcher(srv.Engine, nil)
	d.dispatchAll(ctx)

	if _, err := srv.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "after", Title: "New"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := srv.Engine.AdvanceStage(ctx, "after", "alice", nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "project.created" || got[0].ProjectID != "after" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if headers[0].Get("X-Docforge-Event") != "project.created" || headers[0].Get("X-Docforge-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}
