package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Model: "test-model"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGenerateSendsChatRequest(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"a\":1}"}}]}`))
	})

	out, err := c.Generate(context.Background(), "write it", "be strict", Options{
		Temperature:    0.2,
		MaxTokens:      300,
		ResponseFormat: FormatJSON,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"a":1}` {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.MaxTokens != 300 || got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("options not forwarded: %+v", got)
	}
}

func TestGenerateServiceErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		})
		_, err := c.Generate(context.Background(), "p", "", Options{})
		var se *ServiceError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected ServiceError, got %v", tt.status, err)
		}
		if se.Status != tt.status || se.Message != "nope" {
			t.Fatalf("status %d: unexpected error %+v", tt.status, se)
		}
		if se.Retryable() != tt.retryable {
			t.Fatalf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestGenerateTimeoutIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	_, err := c.Generate(context.Background(), "p", "", Options{Timeout: 20 * time.Millisecond})
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if !se.Retryable() {
		t.Fatalf("timeouts must be retryable")
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(ClientConfig{Model: "m"}, nil); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://x"}, nil); err == nil {
		t.Fatalf("expected error for missing model")
	}
}
