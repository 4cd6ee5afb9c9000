package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a private registry. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	GenerationAttempts *prometheus.CounterVec
	RepairStrategies   *prometheus.CounterVec
	UnitDuration       *prometheus.HistogramVec
	PipelineRuns       *prometheus.CounterVec
	Refinements        *prometheus.CounterVec
	ActivePipelines    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		GenerationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docforge",
			Name:      "generation_attempts_total",
			Help:      "Generator calls per unit and outcome",
		}, []string{"unit", "outcome"}),
		RepairStrategies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docforge",
			Name:      "repair_strategy_total",
			Help:      "Repair strategy that recovered generator output",
		}, []string{"strategy"}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docforge",
			Name:      "unit_duration_seconds",
			Help:      "Wall time to produce one content unit",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"unit", "status"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docforge",
			Name:      "pipeline_runs_total",
			Help:      "Finished pipeline runs by final artifact status",
		}, []string{"status"}),
		Refinements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docforge",
			Name:      "refinements_total",
			Help:      "Resolved refinement requests by status",
		}, []string{"status"}),
		ActivePipelines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docforge",
			Name:      "active_pipelines",
			Help:      "Pipeline tasks running in this process",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Attempt(unit, outcome string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(unit, outcome).Inc()
}

func (m *Metrics) Repaired(strategy string) {
	if m == nil {
		return
	}
	m.RepairStrategies.WithLabelValues(strategy).Inc()
}

func (m *Metrics) UnitDone(unit, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.UnitDuration.WithLabelValues(unit, status).Observe(d.Seconds())
}

func (m *Metrics) PipelineDone(status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) RefinementDone(status string) {
	if m == nil {
		return
	}
	m.Refinements.WithLabelValues(status).Inc()
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.ActivePipelines.Inc()
}

func (m *Metrics) PipelineStopped() {
	if m == nil {
		return
	}
	m.ActivePipelines.Dec()
}
