package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/umbravault/internal/llm"
	"github.com/jkaninda/umbravault/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Runner with metrics, tracing and anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps a runner with observability.
func NewInstrumentedExecutor(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.target", req.Target),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}

	start := time.Now()
	result := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	strategy := result.Isolation
	if strategy == "" {
		strategy = "none"
	}
	status := ResultStatus(result)

	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.strategy", strategy),
			attribute.Int("sandbox.exit_code", result.ExitCode),
			attribute.Bool("sandbox.timed_out", result.TimedOut),
		)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(strategy, status).Inc()
		e.metrics.SandboxExecutionDuration.WithLabelValues(strategy).Observe(duration)
	}

	if e.anomaly != nil {
		if result.Success {
			e.anomaly.RecordSuccess("sandbox_" + strategy)
		} else {
			e.anomaly.RecordError("sandbox_" + strategy)
		}
	}

	return result
}

// ResultStatus maps a result to a metric label.
func ResultStatus(r *sandbox.ExecutionResult) string {
	switch {
	case r.Success:
		return "success"
	case r.TimedOut:
		return "timeout"
	case r.Isolation == "":
		return "unavailable"
	default:
		return "failure"
	}
}

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_suggestion")
		} else {
			p.anomaly.RecordSuccess("llm_suggestion")
		}
	}

	return resp, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider   = (*InstrumentedProvider)(nil)
	_ sandbox.Runner = (*InstrumentedExecutor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
