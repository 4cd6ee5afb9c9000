package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"docforge/internal/domain"
	"docforge/internal/engine"
	"docforge/internal/repo"
	"docforge/internal/stage"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type projectOutput struct {
	Body domain.Project `json:"body"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:       input.Body.ID,
			Title:    input.Body.Title,
			Brief:    input.Body.Brief,
			Workflow: input.Body.Workflow,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, repo.ProjectFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Complete the current stage and enter the next",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      *AdvanceStageRequest `json:"body"`
	}) (*projectOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var seed map[string]any
		if input.Body != nil {
			seed = input.Body.Seed
		}
		p, err := e.AdvanceStage(ctx, input.ProjectID, actorID, seed)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage-progress",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Merge fields into the current stage's progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      UpdateProgressRequest `json:"body"`
	}) (*projectOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateStageProgress(ctx, input.ProjectID, actorID, stage.Patch{
			ArtifactID: input.Body.ArtifactID,
			Counters:   input.Body.Counters,
			Data:       input.Body.Data,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-terminal",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/terminal",
		Summary:     "Cancel, publish or fail a project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      MarkTerminalRequest `json:"body"`
	}) (*projectOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.MarkTerminal(ctx, input.ProjectID, input.Body.Outcome, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List a project's artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		items, err := e.ListArtifacts(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-pipeline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/pipeline",
		Summary:       "Start generating the project's artifact",
		Description:   "Idempotent: a second call returns the existing artifact.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.StartPipeline(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(res)}, nil
	})
}
