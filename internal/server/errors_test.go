package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docforge/internal/logger"
	"docforge/internal/repo"
)

func TestInternalErrorIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), loggerKey{}, logger.NewWithCore(core))
	cause := fmt.Errorf("save artifact: %w", errors.New(`SQL logic error: no such column: doc_jsn (1)`))

	se := handleError(ctx, cause)
	if se.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", se.GetStatus())
	}
	body, err := json.Marshal(se)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "doc_jsn") || strings.Contains(string(body), "SQL") {
		t.Fatalf("internal cause leaked to the client: %s", body)
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "internal_error" || env.Error.Message != "internal error" || env.Error.Details != nil {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}

	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["error"]; got != cause.Error() {
		t.Fatalf("logged error %v, want %q", got, cause.Error())
	}
}

func TestKnownErrorsAreNotLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), loggerKey{}, logger.NewWithCore(core))
	if se := handleError(ctx, fmt.Errorf("project p1: %w", repo.ErrNotFound)); se.GetStatus() != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", se.GetStatus())
	}
	if logs.Len() != 0 {
		t.Fatalf("client errors should not be logged: %v", logs.All())
	}
}
