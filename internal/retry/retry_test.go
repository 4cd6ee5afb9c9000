package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docforge/internal/logger"
)

type fatalErr struct{}

func (fatalErr) Error() string   { return "bad request" }
func (fatalErr) Retryable() bool { return false }

func recordSleeps(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoAlwaysFailingMakesThreeAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var delays []time.Duration
	calls := 0
	boom := errors.New("upstream unavailable")

	err := Do(context.Background(), Policy{
		Name:        "generate",
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Sleep:       recordSleeps(&delays),
		Log:         logger.NewWithCore(core),
	}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt != calls {
			t.Fatalf("attempt %d reported as %d", calls, attempt)
		}
		return boom
	})

	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, delays); diff != "" {
		t.Fatalf("delays mismatch (-want +got):\n%s", diff)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(exhausted.Attempts))
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to unwrap to last failure")
	}
	if exhausted.Attempts[2].Delay != 0 {
		t.Fatalf("last attempt should carry no delay")
	}
	if logs.Len() != 3 {
		t.Fatalf("expected one log entry per attempt, got %d", logs.Len())
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	var delays []time.Duration
	err := Do(context.Background(), Policy{Sleep: recordSleeps(&delays)}, func(ctx context.Context, attempt int) error {
		calls++
		return fatalErr{}
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	if _, ok := err.(fatalErr); !ok {
		t.Fatalf("expected the fatal error itself, got %T", err)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no sleeps, got %v", delays)
	}
}

func TestDoValueSucceedsAfterRetry(t *testing.T) {
	var delays []time.Duration
	v, err := DoValue(context.Background(), Policy{BaseDelay: 10 * time.Millisecond, Sleep: recordSleeps(&delays)},
		func(ctx context.Context, attempt int) (string, error) {
			if attempt < 2 {
				return "", errors.New("flaky")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected ok, got %q", v)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Millisecond}, delays); diff != "" {
		t.Fatalf("delays mismatch (-want +got):\n%s", diff)
	}
}

func TestDoStopsWhenSleepIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 1 {
		t.Fatalf("expected exhausted error with 1 attempt, got %v", err)
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retried")
	}
	if IsRetryable(fatalErr{}) {
		t.Fatalf("fatal error must not be retried")
	}
	if !IsRetryable(errors.New("parse failed")) {
		t.Fatalf("plain errors are retried")
	}
}
