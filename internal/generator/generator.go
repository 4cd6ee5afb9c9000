// Package generator is the boundary to the external generative text service.
package generator

import (
	"context"
	"fmt"
	"time"
)

type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json_object"
)

type Options struct {
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	ResponseFormat ResponseFormat
}

// Generator produces text for a prompt. Failures are reported as *ServiceError.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error)

func (f Func) Generate(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error) {
	return f(ctx, prompt, systemPrompt, opts)
}

// ServiceError is an upstream failure. Status is the HTTP status, or zero
// for transport failures.
type ServiceError struct {
	Status    int
	Message   string
	Temporary bool
}

func (e *ServiceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("generator: %s", e.Message)
	}
	return fmt.Sprintf("generator http %d: %s", e.Status, e.Message)
}

func (e *ServiceError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

// Retryable reports whether the failure is transient: timeouts, rate
// limiting and gateway/server errors.
func (e *ServiceError) Retryable() bool {
	if e.Temporary {
		return true
	}
	return IsRetryableStatus(e.Status)
}

func IsRetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
