package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"docforge/internal/content"
	"docforge/internal/domain"
	"docforge/internal/logger"
	"docforge/internal/observability"
	"docforge/internal/retry"
)

const DefaultInterUnitDelay = time.Second

// Sink persists unit outcomes as the runner produces them. An error from a
// Sink stops the run.
type Sink interface {
	UnitStarted(ctx context.Context, key content.Key) error
	UnitCompleted(ctx context.Context, key content.Key, res Result, degradedBy []content.Key) error
	UnitFailed(ctx context.Context, key content.Key, err error, degradedBy []content.Key) error
}

// Runner generates an artifact's units in declared order.
type Runner struct {
	Orchestrator   *Orchestrator
	InterUnitDelay time.Duration
	Sleep          retry.SleepFunc
	// Annotate adds a missing-context note to prompts of units whose
	// dependencies are not available.
	Annotate bool
	Log      *logger.Logger
}

type RunInput struct {
	Kind  string
	Brief content.Brief
	// Completed units are kept and not generated again.
	Completed map[content.Key]content.Value
}

type Summary struct {
	Status    string
	Completed int
	Failed    int
	Skipped   int
	Total     int
}

// Run generates every unit not already in in.Completed. A unit that fails
// is recorded and the run continues with the next unit.
func (r *Runner) Run(ctx context.Context, in RunInput, sink Sink) (Summary, error) {
	specs, ok := content.Catalog(in.Kind)
	if !ok {
		return Summary{}, fmt.Errorf("unknown artifact kind %q", in.Kind)
	}
	log := r.log().With("kind", in.Kind, "project_id", in.Brief.ProjectID)
	ctx, span := observability.Tracer().Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("kind", in.Kind), attribute.String("project_id", in.Brief.ProjectID))
	defer span.End()

	completed := make(map[content.Key]content.Value, len(specs))
	for k, v := range in.Completed {
		completed[k] = v
	}
	sum := Summary{Total: len(specs)}
	generated := 0
	for _, spec := range specs {
		if _, ok := completed[spec.Key]; ok {
			sum.Skipped++
			continue
		}
		if generated > 0 {
			if err := r.sleep(ctx); err != nil {
				return sum, err
			}
		}
		generated++

		var missing []content.Key
		for _, dep := range spec.DependsOn {
			if _, ok := completed[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			log.Warn("generating with missing upstream context", "unit", string(spec.Key), "missing", missing)
		}
		prompt := spec.Build(content.PromptContext{
			Brief:     in.Brief,
			Completed: completed,
			Missing:   missing,
			Annotate:  r.Annotate,
		})

		if err := sink.UnitStarted(ctx, spec.Key); err != nil {
			return sum, err
		}
		res, err := r.Orchestrator.Generate(ctx, spec, prompt)
		if err != nil {
			sum.Failed++
			log.Error("unit failed", "unit", string(spec.Key), "error", Summarize(err))
			if serr := sink.UnitFailed(ctx, spec.Key, err, missing); serr != nil {
				return sum, serr
			}
			continue
		}
		completed[spec.Key] = res.Value
		sum.Completed++
		if err := sink.UnitCompleted(ctx, spec.Key, res, missing); err != nil {
			return sum, err
		}
	}

	sum.Status = runStatus(len(completed), len(specs))
	span.SetAttributes(attribute.String("status", sum.Status))
	log.Info("pipeline finished", "status", sum.Status, "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

func runStatus(complete, total int) string {
	switch {
	case complete == total:
		return domain.ArtifactComplete
	case complete == 0:
		return domain.ArtifactFailed
	default:
		return domain.ArtifactPartial
	}
}

func (r *Runner) sleep(ctx context.Context) error {
	d := r.InterUnitDelay
	if d <= 0 {
		return ctx.Err()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = retry.SleepContext
	}
	return sleep(ctx, d)
}

func (r *Runner) log() *logger.Logger {
	if r.Log == nil {
		return logger.Nop()
	}
	return r.Log
}
