package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := NewMetrics()
	m.Attempt("overview", "ok")
	m.Attempt("overview", "ok")
	m.Repaired("fenced")
	m.UnitDone("overview", "complete", 2*time.Second)
	m.PipelineDone("complete")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`docforge_generation_attempts_total{outcome="ok",unit="overview"} 2`,
		`docforge_repair_strategy_total{strategy="fenced"} 1`,
		`docforge_pipeline_runs_total{status="complete"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Attempt("u", "ok")
	m.PipelineStarted()
	m.PipelineStopped()
	m.RefinementDone("applied")
}

func TestInitOTelExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown := InitOTel(context.Background(), nil, OtelConfig{ServiceName: "docforge-test", Writer: &buf})
	_, span := Tracer().Start(context.Background(), "unit.generate")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "unit.generate") {
		t.Fatalf("span not exported:\n%s", buf.String())
	}
}
