// Package scan drives one scan request end to end: validate the request,
// select tools, run each one through the sandbox in order and record the
// report. Runs are sequential; results keep selection order.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/umbravault/internal/catalog"
	"github.com/jkaninda/umbravault/internal/observability"
	"github.com/jkaninda/umbravault/internal/report"
	"github.com/jkaninda/umbravault/internal/sandbox"
	"github.com/jkaninda/umbravault/internal/validator"
)

// TargetEnv is set in every run's environment to the validated target.
const TargetEnv = "UMBRAVAULT_TARGET"

// Selector picks the tools to run for a task.
type Selector interface {
	Select(ctx context.Context, taskType string, p catalog.Params) []catalog.Selection
}

// Recorder persists a finished report and returns its handle.
type Recorder interface {
	Record(ctx context.Context, rep *report.Report) (string, error)
}

// ProgressFunc is called before each tool starts.
type ProgressFunc func(sel catalog.Selection, index, total int)

// Result is the outcome of a pipeline run.
type Result struct {
	CorrelationID string
	Request       validator.ValidatedRequest
	Report        *report.Report
	Handle        string // empty when recording failed
}

// Pipeline wires the validator, selector, runner and recorder.
type Pipeline struct {
	selector Selector
	runner   sandbox.Runner
	recorder Recorder
	logger   *slog.Logger

	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
	progress ProgressFunc
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records pipeline metrics. nil disables them.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer wraps each run in a span. nil disables tracing.
func WithTracer(ts *observability.TracerSetup) Option {
	return func(p *Pipeline) {
		if ts != nil {
			p.tracer = ts.Tracer()
		}
	}
}

// WithProgress installs a callback invoked before each tool runs.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a Pipeline.
func NewPipeline(sel Selector, runner sandbox.Runner, rec Recorder, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		selector: sel,
		runner:   runner,
		recorder: rec,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one request. A request that fails validation returns a
// *validator.Error and nothing is run. When recording fails the Result is
// still returned together with the error.
func (p *Pipeline) Run(ctx context.Context, req validator.TaskRequest) (*Result, error) {
	v, err := validator.Validate(req)
	if err != nil {
		var verr *validator.Error
		if errors.As(err, &verr) {
			p.metrics.RecordRejection(string(verr.Kind))
		}
		p.logger.Warn("scan request rejected",
			slog.String("task_type", req.TaskType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	res := &Result{
		CorrelationID: uuid.NewString(),
		Request:       v,
	}

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "scan.run",
			trace.WithAttributes(
				attribute.String("scan.task_type", v.TaskType),
				attribute.String("scan.target", v.Target),
				attribute.String("scan.correlation_id", res.CorrelationID),
			))
		defer span.End()
	}

	log := p.logger.With(
		slog.String("correlation_id", res.CorrelationID),
		slog.String("task_type", v.TaskType),
		slog.String("target", v.Target),
	)

	selections := p.selector.Select(ctx, v.TaskType, catalog.Params{Target: v.Target, Port: v.Port})
	p.metrics.RecordSelection(v.TaskType, len(selections))
	log.Info("scan started", slog.Int("tools", len(selections)))

	start := time.Now()
	results := make([]report.ToolResult, 0, len(selections))
	for i, sel := range selections {
		if p.progress != nil {
			p.progress(sel, i, len(selections))
		}

		outcome := p.runner.Execute(ctx, sandbox.ExecutionRequest{
			Command: sel.Command,
			Target:  v.Target,
			Env:     map[string]string{TargetEnv: v.Target},
		})
		p.metrics.RecordToolRun(sel.Name, observability.ResultStatus(outcome))

		attrs := []any{
			slog.String("tool", sel.Name),
			slog.Bool("success", outcome.Success),
			slog.String("isolation", outcome.Isolation),
			slog.Float64("elapsed_seconds", outcome.ElapsedSeconds),
		}
		if outcome.Success {
			log.Info("tool finished", attrs...)
		} else {
			log.Warn("tool failed", append(attrs, slog.String("error", outcome.Error))...)
		}

		results = append(results, report.ToolResult{
			Name:            sel.Name,
			Command:         sel.Command,
			ExecutionResult: *outcome,
		})
	}

	res.Report = report.Build(v.TaskType, v.Target, results, p.now())
	if span != nil {
		span.SetAttributes(
			attribute.Int("scan.tools", res.Report.Summary.Total),
			attribute.Int("scan.success_count", res.Report.Summary.SuccessCount),
		)
	}

	handle, err := p.recorder.Record(ctx, res.Report)
	p.metrics.RecordReport(err)
	if err != nil {
		log.Error("recording report failed", slog.String("error", err.Error()))
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recording report failed")
		}
		return res, fmt.Errorf("recording report: %w", err)
	}
	res.Handle = handle

	log.Info("scan finished",
		slog.Int("success_count", res.Report.Summary.SuccessCount),
		slog.Int("total", res.Report.Summary.Total),
		slog.Duration("duration", time.Since(start)),
		slog.String("report", handle),
	)
	return res, nil
}
