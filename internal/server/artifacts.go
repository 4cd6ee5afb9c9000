package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"docforge/internal/domain"
	"docforge/internal/engine"
)

type artifactPath struct {
	ArtifactID string `path:"artifact_id"`
}

type artifactOutput struct {
	Body domain.Artifact `json:"body"`
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Get artifact with its content units",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *artifactPath) (*artifactOutput, error) {
		a, err := e.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &artifactOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-log",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/audit-log",
		Summary:     "Artifact audit log, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *artifactPath) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		items, err := e.GetAuditLog(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-refinement",
		Method:        http.MethodPost,
		Path:          "/artifacts/{artifact_id}/refinements",
		Summary:       "Request a change to one content unit",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ArtifactID string                  `path:"artifact_id"`
		Body       CreateRefinementRequest `json:"body"`
	}) (*struct {
		Body RefinementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, task, err := e.RequestRefinement(ctx, input.ArtifactID, input.Body.UnitKey, input.Body.Change, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body RefinementResponse `json:"body"`
		}{Body: RefinementResponse{Refinement: req, Running: running(task)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-refinements",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/refinements",
		Summary:     "List refinement requests",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *artifactPath) (*struct {
		Body []domain.RefinementRequest `json:"body"`
	}, error) {
		items, err := e.ListRefinements(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.RefinementRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "regenerate-unit",
		Method:        http.MethodPost,
		Path:          "/artifacts/{artifact_id}/regenerate",
		Summary:       "Generate one unit again",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ArtifactID string                `path:"artifact_id"`
		Body       RegenerateUnitRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.RegenerateUnit(ctx, input.ArtifactID, input.Body.UnitKey, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{ArtifactID: input.ArtifactID, UnitKey: input.Body.UnitKey, Running: running(task)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_id}/approve",
		Summary:     "Approve a complete artifact",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *artifactPath) (*artifactOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ApproveArtifact(ctx, input.ArtifactID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &artifactOutput{Body: a}, nil
	})
}
