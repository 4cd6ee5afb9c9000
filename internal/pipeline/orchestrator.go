package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"docforge/internal/content"
	"docforge/internal/generator"
	"docforge/internal/logger"
	"docforge/internal/observability"
	"docforge/internal/repair"
	"docforge/internal/retry"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultMaxCallTimeout = 5 * time.Minute
	maxSummary            = 200
)

// GenerationExhaustedError is returned when every attempt for a unit failed.
type GenerationExhaustedError struct {
	Unit     content.Key
	Attempts int
	Err      error
}

func (e *GenerationExhaustedError) Error() string {
	return fmt.Sprintf("unit %s: generation failed after %d attempts: %v", e.Unit, e.Attempts, e.Err)
}

func (e *GenerationExhaustedError) Unwrap() error { return e.Err }

// Result is one normalized unit value.
type Result struct {
	Value    content.Value
	Attempts int
	Strategy repair.Strategy
}

// Orchestrator produces one normalized content unit per call.
type Orchestrator struct {
	Gen     generator.Generator
	Retry   retry.Policy
	Options generator.Options
	// CallTimeout applies to each generator call unless UnitTimeouts has
	// an entry for the unit. Both are capped at MaxCallTimeout.
	CallTimeout    time.Duration
	MaxCallTimeout time.Duration
	UnitTimeouts   map[content.Key]time.Duration
	Log            *logger.Logger
	Metrics        *observability.Metrics
}

// CallTimeoutFor returns the per-call timeout for key.
func (o *Orchestrator) CallTimeoutFor(key content.Key) time.Duration {
	max := o.MaxCallTimeout
	if max <= 0 {
		max = DefaultMaxCallTimeout
	}
	d := o.CallTimeout
	if d <= 0 {
		d = DefaultCallTimeout
	}
	if u, ok := o.UnitTimeouts[key]; ok && u > 0 {
		d = u
	}
	if d > max {
		d = max
	}
	return d
}

// SystemPrompt returns the system instruction for an attempt. Later
// attempts are stricter about the output format.
func SystemPrompt(spec content.UnitSpec, attempt int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You write the %q section of a curriculum package. Respond with JSON shaped like:\n%s\n", spec.Title, spec.Shape)
	switch {
	case attempt == 2:
		sb.WriteString("\nReturn pure JSON only. No markdown, no code fences, no commentary.\n")
	case attempt >= 3:
		sb.WriteString("\nSTRICT: your entire reply must be one JSON object that starts with { and ends with }.\n")
		sb.WriteString("Include every field of the shape above with the exact names and types shown.\n")
		sb.WriteString("Use double quotes for all keys and strings. No comments, no trailing commas, no markdown, no text before or after the object.\n")
	}
	return sb.String()
}

// Generate runs the generator for spec with prompt under the retry policy,
// repairing, normalizing and validating each response.
func (o *Orchestrator) Generate(ctx context.Context, spec content.UnitSpec, prompt string) (Result, error) {
	log := o.log().With("unit", string(spec.Key))
	ctx, span := observability.Tracer().Start(ctx, "unit.generate")
	span.SetAttributes(attribute.String("unit", string(spec.Key)))
	defer span.End()

	opts := o.Options
	opts.Timeout = o.CallTimeoutFor(spec.Key)
	if opts.ResponseFormat == "" {
		opts.ResponseFormat = generator.FormatJSON
	}
	policy := o.Retry
	policy.Name = "generate " + string(spec.Key)
	if policy.Log == nil {
		policy.Log = log
	}

	start := time.Now()
	res, err := retry.DoValue(ctx, policy, func(ctx context.Context, attempt int) (Result, error) {
		text, err := o.call(ctx, prompt, SystemPrompt(spec, attempt), opts)
		if err != nil {
			o.Metrics.Attempt(string(spec.Key), "service_error")
			return Result{}, err
		}
		parsed, err := repair.Parse(text)
		if err != nil {
			o.Metrics.Attempt(string(spec.Key), "unparsable")
			return Result{}, err
		}
		v, err := content.Normalize(spec.Key, parsed.Value)
		if err != nil {
			o.Metrics.Attempt(string(spec.Key), "invalid")
			return Result{}, err
		}
		o.Metrics.Attempt(string(spec.Key), "ok")
		o.Metrics.Repaired(string(parsed.Strategy))
		return Result{Value: v, Attempts: attempt, Strategy: parsed.Strategy}, nil
	})
	if err != nil {
		o.Metrics.UnitDone(string(spec.Key), "failed", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return Result{}, &GenerationExhaustedError{Unit: spec.Key, Attempts: len(exhausted.Attempts), Err: err}
		}
		return Result{}, &GenerationExhaustedError{Unit: spec.Key, Attempts: 1, Err: err}
	}
	o.Metrics.UnitDone(string(spec.Key), "complete", time.Since(start))
	span.SetAttributes(attribute.Int("attempts", res.Attempts), attribute.String("strategy", string(res.Strategy)))
	log.Info("unit generated", "attempts", res.Attempts, "strategy", string(res.Strategy), "duration", time.Since(start).String())
	return res, nil
}

type callResult struct {
	text string
	err  error
}

// call runs one generator call under opts.Timeout. The deadline holds even
// for generators that ignore their context: the call is abandoned and
// reported as a retryable timeout.
func (o *Orchestrator) call(ctx context.Context, prompt, system string, opts generator.Options) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	done := make(chan callResult, 1)
	go func() {
		text, err := o.Gen.Generate(callCtx, prompt, system, opts)
		done <- callResult{text: text, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", timedOut(opts.Timeout)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", timedOut(opts.Timeout)
	}
}

func timedOut(d time.Duration) error {
	return &generator.ServiceError{Message: "call timed out after " + d.String(), Temporary: true}
}

func (o *Orchestrator) log() *logger.Logger {
	if o.Log == nil {
		return logger.Nop()
	}
	return o.Log
}

// Summarize renders err as a short message that never carries generator
// output.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	var (
		gen        *GenerationExhaustedError
		exhausted  *retry.ExhaustedError
		unparsable *repair.UnparsableOutputError
		invalid    *content.ValidationError
		service    *generator.ServiceError
	)
	var s string
	switch {
	case errors.As(err, &gen) && errors.As(err, &exhausted):
		s = fmt.Sprintf("failed after %d attempts: %s", gen.Attempts, Summarize(exhausted.Unwrap()))
	case errors.As(err, &unparsable):
		s = fmt.Sprintf("output was not valid JSON (%d bytes)", unparsable.Length)
	case errors.As(err, &invalid):
		s = "invalid output: " + invalid.Error()
	case errors.As(err, &service):
		if service.Status == 0 {
			s = "generator unavailable: " + service.Message
		} else {
			s = fmt.Sprintf("generator error %d: %s", service.Status, service.Message)
		}
	case errors.Is(err, context.DeadlineExceeded):
		s = "timed out"
	case errors.Is(err, context.Canceled):
		s = "cancelled"
	default:
		s = err.Error()
	}
	if r := []rune(s); len(r) > maxSummary {
		s = string(r[:maxSummary-3]) + "..."
	}
	return s
}
