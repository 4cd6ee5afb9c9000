// Package retry runs an operation with a bounded attempt budget and
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docforge/internal/logger"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Do. Zero fields take the package defaults.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       SleepFunc
	Log         *logger.Logger
	// Retryable reports whether err may be retried. Nil means every error
	// is retried unless it reports Retryable() == false.
	Retryable func(error) bool
}

// Attempt records one invocation of the operation.
type Attempt struct {
	Number int
	Err    error
	// Delay is the wait that followed this attempt; zero for the last one.
	Delay time.Duration
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Name     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("#%d: %v", a.Number, a.Err))
	}
	name := e.Name
	if name == "" {
		name = "operation"
	}
	return fmt.Sprintf("%s failed after %d attempts (%s)", name, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

type retryable interface {
	Retryable() bool
}

// IsRetryable is the default classifier.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Delay returns base * 2^(attempt-1), capped at max when max > 0.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// SleepContext is the production SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	if p.Log == nil {
		p.Log = logger.Nop()
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// Do invokes op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Attempts are numbered from 1.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	history := make([]Attempt, 0, p.MaxAttempts)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if len(history) == 0 {
				return zero, err
			}
			return zero, &ExhaustedError{Name: p.Name, Attempts: history}
		}
		v, err := op(ctx, attempt)
		if err == nil {
			p.Log.Debug("attempt succeeded", "op", p.Name, "attempt", attempt, "max_attempts", p.MaxAttempts)
			return v, nil
		}
		history = append(history, Attempt{Number: attempt, Err: err})
		if !p.Retryable(err) {
			p.Log.Warn("attempt failed, not retryable", "op", p.Name, "attempt", attempt, "error", err.Error())
			return zero, err
		}
		if attempt == p.MaxAttempts {
			p.Log.Warn("attempt failed, budget spent", "op", p.Name, "attempt", attempt, "max_attempts", p.MaxAttempts, "error", err.Error())
			break
		}
		delay := Delay(p.BaseDelay, p.MaxDelay, attempt)
		history[len(history)-1].Delay = delay
		p.Log.Warn("attempt failed, retrying",
			"op", p.Name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"sleep", delay.String(),
			"error", err.Error(),
		)
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, &ExhaustedError{Name: p.Name, Attempts: history}
		}
	}
	return zero, &ExhaustedError{Name: p.Name, Attempts: history}
}
