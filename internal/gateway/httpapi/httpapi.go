// Package httpapi implements the HTTP gateway for umbravault.
//
// Security:
//   - HS256 JWT bearer authentication on /v1 routes
//   - Request body size limits (default 1 MB)
//   - Per-subject rate limiting via token bucket
//   - Requests validated before any tool runs; rejections return 400
//   - Binds to loopback by default; TLS expected via reverse proxy
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/umbravault/internal/observability"
	"github.com/jkaninda/umbravault/internal/ratelimit"
	"github.com/jkaninda/umbravault/internal/report"
	"github.com/jkaninda/umbravault/internal/scan"
	"github.com/jkaninda/umbravault/internal/storage"
	"github.com/jkaninda/umbravault/internal/validator"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g. "127.0.0.1:5000"
	EnableDocs     bool
	SecretToken    string // HS256 signing secret for bearer tokens.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Runner runs one scan request.
type Runner interface {
	Run(ctx context.Context, req validator.TaskRequest) (*scan.Result, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	runner   Runner
	reports  storage.ReportStore // nil = report endpoints disabled.
	verifier *TokenVerifier
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner Runner, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		runner:   runner,
		verifier: NewTokenVerifier(cfg.SecretToken),
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithReports enables the report listing endpoints.
func (g *Gateway) WithReports(reports storage.ReportStore) *Gateway {
	g.reports = reports
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "umbravault",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.okapi.Get("/health", g.handleHealth,
		okapi.DocSummary("Service status"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.group.Post("/run/{task_type}", g.handleRun,
		okapi.DocSummary("Validate a target, run the tools for a task type and record a report"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("task_type", "string", "Task type, e.g. network or web"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.reports != nil {
		g.group.Get("/reports", g.handleReportList,
			okapi.DocSummary("List recorded reports, newest first"),
			okapi.DocTags("Reports"),
			okapi.DocResponse([]ReportSummary{}),
		)
		g.group.Get("/reports/{id}", g.handleReportGet,
			okapi.DocSummary("Get a recorded report"),
			okapi.DocTags("Reports"),
			okapi.DocPathParam("id", "string", "Report ID (UUID)"),
			okapi.DocResponse(report.Report{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A run may take several tool timeouts; the write deadline is left to the runner.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	LocalOnly bool   `json:"local_only"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(HealthResponse{Status: "active", LocalOnly: true})
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// RunRequest documents the body of POST /v1/run/{task_type}. Unknown fields
// are passed to the validator, which strips shell metacharacters from the
// free-form ones.
type RunRequest struct {
	Target string `json:"target"`
	Port   any    `json:"port,omitempty"` // number or numeric string
	Cmd    string `json:"cmd,omitempty"`
	Args   string `json:"args,omitempty"`
}

// RunResponse is the JSON response for POST /v1/run/{task_type}.
type RunResponse struct {
	CorrelationID string              `json:"correlation_id"`
	ReportID      string              `json:"report_id"`
	Report        string              `json:"report"` // sink handle; empty when recording failed
	ReportError   string              `json:"report_error,omitempty"`
	Results       []report.ToolResult `json:"results"`
	Summary       report.Summary      `json:"summary"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	subject := c.GetString("subject")

	if g.limiter != nil {
		if err := g.limiter.Allow(subject); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	req, err := decodeRunRequest(c.Request().Body, g.config.maxRequestSize(), c.Param("task_type"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http run",
		slog.String("subject", subject),
		slog.String("task_type", req.TaskType),
	)

	res, err := g.runner.Run(c.Context(), req)
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: verr.Reason})
	case err != nil && res == nil:
		g.logger.Error("scan failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("scan failed")
	}
	return c.OK(newRunResponse(res, err))
}

// decodeRunRequest reads the JSON object body and builds a task request.
// An empty body is treated as an empty object.
func decodeRunRequest(body io.Reader, limit int64, taskType string) (validator.TaskRequest, error) {
	fields := map[string]any{}
	if body != nil {
		dec := json.NewDecoder(io.LimitReader(body, limit))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
			return validator.TaskRequest{}, fmt.Errorf("invalid request body: %w", err)
		}
	}
	req := validator.RequestFromMap(fields)
	req.TaskType = taskType
	return req, nil
}

func newRunResponse(res *scan.Result, recordErr error) RunResponse {
	resp := RunResponse{
		CorrelationID: res.CorrelationID,
		ReportID:      res.Report.ID.String(),
		Report:        res.Handle,
		Results:       res.Report.Results,
		Summary:       res.Report.Summary,
	}
	if recordErr != nil {
		resp.ReportError = "report could not be recorded"
	}
	return resp
}

// ReportSummary is a report header returned by GET /v1/reports.
type ReportSummary struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	TaskType  string         `json:"task_type"`
	Target    string         `json:"target"`
	Summary   report.Summary `json:"summary"`
}

func (g *Gateway) handleReportList(c *okapi.Context) error {
	filter, err := parseListFilter(c.Request().URL.Query().Get("task_type"), c.Request().URL.Query().Get("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	recs, err := g.reports.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing reports failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing reports failed")
	}
	out := make([]ReportSummary, len(recs))
	for i, rec := range recs {
		rep := report.FromStorage(rec)
		out[i] = ReportSummary{
			ID:        rep.ID.String(),
			Timestamp: rep.Timestamp,
			TaskType:  rep.TaskType,
			Target:    rep.Target,
			Summary:   rep.Summary,
		}
	}
	return c.OK(out)
}

func (g *Gateway) handleReportGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid report ID")
	}
	rec, err := g.reports.Get(c.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("loading report failed")
	}
	return c.OK(report.FromStorage(rec))
}

func parseListFilter(taskType, limit string) (storage.ListFilter, error) {
	f := storage.ListFilter{TaskType: taskType}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 500 {
			return f, errors.New("limit must be between 1 and 500")
		}
		f.Limit = n
	}
	return f, nil
}

// --- Authentication ---

// authenticate verifies the bearer token and stores its subject on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token, ok := bearerToken(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("Unauthorized")
		}
		subject, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.Debug("token rejected", slog.String("error", err.Error()))
			return c.AbortUnauthorized("Unauthorized")
		}
		c.Set("subject", subject)
		return next(c)
	}
}
