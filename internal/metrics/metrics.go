// Package metrics exposes Prometheus instrumentation for the analysis
// server. Registration is lazy and idempotent so any package can record
// without caring about startup order.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsSwept   prometheus.Counter

	loopIterations  *prometheus.CounterVec
	loopOutcomes    *prometheus.CounterVec
	reasonDuration  *prometheus.HistogramVec
	toolDispatches  *prometheus.CounterVec
	toolResultsKept prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
	registry    *prometheus.Registry
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "analysis_sessions_active",
				Help: "Current live session count.",
			}),
			sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "analysis_sessions_created_total",
				Help: "Total sessions created.",
			}),
			sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "analysis_sessions_swept_total",
				Help: "Total idle sessions reclaimed by the sweep.",
			}),
			loopIterations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "analysis_loop_iterations_total",
					Help: "Reasoning-service calls by model tier.",
				},
				[]string{"tier"},
			),
			loopOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "analysis_loop_outcomes_total",
					Help: "Terminal loop outcomes by kind (answered, errored, exhausted).",
				},
				[]string{"outcome"},
			),
			reasonDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "analysis_reason_call_duration_seconds",
					Help:    "Reasoning-service call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolDispatches: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "analysis_tool_dispatches_total",
					Help: "Tool calls dispatched to the client by tool name.",
				},
				[]string{"tool"},
			),
			toolResultsKept: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "analysis_tool_results_total",
				Help: "Tool results accepted by the intake.",
			}),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.activeSessions,
			m.sessionsCreated,
			m.sessionsSwept,
			m.loopIterations,
			m.loopOutcomes,
			m.reasonDuration,
			m.toolDispatches,
			m.toolResultsKept,
		)
		metricsInst = m
	})
	return metricsInst
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the live session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordSessionCreated increments the created counter.
func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

// RecordSessionsSwept adds to the swept counter.
func RecordSessionsSwept(n int) {
	getMetrics().sessionsSwept.Add(float64(n))
}

// RecordLoopIteration counts one reasoning-service call.
func RecordLoopIteration(tier string) {
	getMetrics().loopIterations.WithLabelValues(tier).Inc()
}

// RecordLoopOutcome counts a terminal loop outcome.
func RecordLoopOutcome(outcome string) {
	getMetrics().loopOutcomes.WithLabelValues(outcome).Inc()
}

// RecordReasonCall observes one reasoning-service call duration.
func RecordReasonCall(provider string, d time.Duration) {
	getMetrics().reasonDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordToolDispatch counts a tool call handed to the client.
func RecordToolDispatch(tool string) {
	getMetrics().toolDispatches.WithLabelValues(tool).Inc()
}

// RecordToolResult counts an accepted tool result.
func RecordToolResult() {
	getMetrics().toolResultsKept.Inc()
}
