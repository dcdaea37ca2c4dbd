package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "umbravault"

// MetricsCollector holds all Prometheus metrics for umbravault.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics, labelled by the strategy that produced the result.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Pipeline metrics.
	ToolRunsTotal             *prometheus.CounterVec
	ToolSelectionsTotal       *prometheus.CounterVec
	ValidationRejectionsTotal *prometheus.CounterVec
	ReportsRecordedTotal      *prometheus.CounterVec

	// Suggestion source metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRuns prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed executions by strategy and outcome.",
		}, []string{"strategy", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed execution wall-clock time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"strategy"}),

		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Total tool runs by tool and outcome.",
		}, []string{"tool", "status"}),

		ToolSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "selections_total",
			Help:      "Tools selected per task type.",
		}, []string{"task_type"}),

		ValidationRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "rejections_total",
			Help:      "Task requests rejected by validation.",
		}, []string{"kind"}),

		ReportsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "recorded_total",
			Help:      "Reports recorded by outcome.",
		}, []string{"status"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total suggestion requests sent to the LLM.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Suggestion request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of sandboxed executions in flight.",
		}),
	}

	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ToolRunsTotal,
		m.ToolSelectionsTotal,
		m.ValidationRejectionsTotal,
		m.ReportsRecordedTotal,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRuns,
	)

	return m
}

// RecordRejection counts a validation failure of the given kind.
func (m *MetricsCollector) RecordRejection(kind string) {
	if m == nil {
		return
	}
	m.ValidationRejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordSelection counts the tools picked for a task type.
func (m *MetricsCollector) RecordSelection(taskType string, n int) {
	if m == nil {
		return
	}
	m.ToolSelectionsTotal.WithLabelValues(taskType).Add(float64(n))
}

// RecordToolRun counts one tool's outcome.
func (m *MetricsCollector) RecordToolRun(tool, status string) {
	if m == nil {
		return
	}
	m.ToolRunsTotal.WithLabelValues(tool, status).Inc()
}

// RecordReport counts a report write.
func (m *MetricsCollector) RecordReport(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ReportsRecordedTotal.WithLabelValues(status).Inc()
}
