package server

import (
	"encoding/json"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// registerOpenAPI serves the generated document at {basePath}/openapi.json
// with the error envelope and auth schemes filled in.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

var (
	securitySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth":  {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		"actorHeader": {Type: "apiKey", In: "header", Name: actorHeader},
	}
	authRequirement = []map[string][]string{{"bearerAuth": {}}, {"actorHeader": {}}}
	errorResponse   = &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
)

// decorateOpenAPI adds a default error response to every operation and marks
// everything except the health check as authenticated.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	for name, scheme := range securitySchemes {
		oas.Components.SecuritySchemes[name] = scheme
	}
	oas.Security = authRequirement

	public := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			if route == public {
				op.Security = []map[string][]string{}
			} else {
				op.Security = authRequirement
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}
