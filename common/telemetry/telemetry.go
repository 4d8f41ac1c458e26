// Package telemetry exposes the observability surface: a pprof
// listener and a Prometheus registry served at /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/common/logger"
)

// Telemetry holds observability components.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	registry  *prometheus.Registry

	Metrics *Metrics
}

// New creates telemetry components with a fresh Prometheus registry.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
		registry:  registry,
		Metrics:   newMetrics(registry),
	}
}

// StartPprof starts the pprof listener.
func (t *Telemetry) StartPprof(ctx context.Context) {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
}

// MetricsHandler serves the registry for GET /metrics.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Metrics are the engine and queue instruments. A nil *Metrics is valid
// and records nothing, so wiring stays optional in tests.
type Metrics struct {
	tokensCreated    *prometheus.CounterVec
	stepsTotal       prometheus.Counter
	strategyDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	tasksByStatus    *prometheus.GaugeVec
	runsByStatus     *prometheus.GaugeVec
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		tokensCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tokens_created_total",
			Help: "Tokens created, by workflow.",
		}, []string{"workflow_id"}),
		stepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_engine_steps_total",
			Help: "Engine steps executed.",
		}),
		strategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_strategy_duration_seconds",
			Help:    "Strategy dispatch latency, by actor type and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"actor_type", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_strategy_retries_total",
			Help: "Strategy retries, by actor type.",
		}, []string{"actor_type"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_human_tasks",
			Help: "Human tasks currently in each status.",
		}, []string{"status"}),
		runsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_runs",
			Help: "Runs currently in each status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.tokensCreated,
		m.stepsTotal,
		m.strategyDuration,
		m.retriesTotal,
		m.tasksByStatus,
		m.runsByStatus,
	)
	return m
}

// TokenCreated counts a token creation.
func (m *Metrics) TokenCreated(workflowID string) {
	if m == nil {
		return
	}
	m.tokensCreated.WithLabelValues(workflowID).Inc()
}

// StepExecuted counts one engine step.
func (m *Metrics) StepExecuted() {
	if m == nil {
		return
	}
	m.stepsTotal.Inc()
}

// ObserveStrategy records one strategy dispatch.
func (m *Metrics) ObserveStrategy(actorType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.strategyDuration.WithLabelValues(actorType, status).Observe(d.Seconds())
}

// RetryScheduled counts a retry of a failed dispatch.
func (m *Metrics) RetryScheduled(actorType string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(actorType).Inc()
}

// TaskTransition moves a task between status gauges. Empty from/to are
// skipped, covering creation and terminal cleanup.
func (m *Metrics) TaskTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.tasksByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.tasksByStatus.WithLabelValues(to).Inc()
	}
}

// RunTransition moves a run between status gauges.
func (m *Metrics) RunTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.runsByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.runsByStatus.WithLabelValues(to).Inc()
	}
}
