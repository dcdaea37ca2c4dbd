package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/umbravault/internal/config"
	"github.com/jkaninda/umbravault/internal/llm"
	"github.com/jkaninda/umbravault/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("accessors on nil Observability should return nil")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomalyEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatalf("expected metrics and anomaly, got %+v", obs)
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// CounterVecs only appear in Gather after first use.
	m.SandboxExecutionsTotal.WithLabelValues(sandbox.StrategyLocal, "success").Inc()
	m.RecordRejection("InvalidTarget")
	m.RecordSelection("network", 2)
	m.RecordToolRun("nmap", "success")
	m.RecordReport(nil)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"umbravault_sandbox_executions_total",
		"umbravault_validator_rejections_total",
		"umbravault_catalog_selections_total",
		"umbravault_tool_runs_total",
		"umbravault_report_recorded_total",
		"umbravault_http_requests_total",
		"umbravault_active_runs",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_NilSafeHelpers(t *testing.T) {
	var m *MetricsCollector
	m.RecordRejection("InvalidPort")
	m.RecordSelection("web", 3)
	m.RecordToolRun("nikto", "failure")
	m.RecordReport(errors.New("disk full"))
}

func TestMetricsCollector_SelectionCount(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordSelection("network", 2)
	m.RecordSelection("network", 1)

	val := counterValue(t, m.Registry, "umbravault_catalog_selections_total", prometheus.Labels{"task_type": "network"})
	if val != 3 {
		t.Errorf("selections = %v, want 3", val)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["store"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("store check = %+v", got)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero rate")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for range 4 {
		a.RecordSuccess("sandbox_docker-sdk")
	}
	for range 6 {
		a.RecordError("sandbox_docker-sdk")
	}

	if got := a.ErrorRate("sandbox_docker-sdk"); got != 0.6 {
		t.Errorf("ErrorRate = %v, want 0.6", got)
	}
	if got := a.ErrorRate("unknown"); got != 0 {
		t.Errorf("ErrorRate(unknown) = %v, want 0", got)
	}

	a.mu.Lock()
	alerted := a.alerted["sandbox_docker-sdk"]
	a.mu.Unlock()
	if !alerted {
		t.Error("expected the operation to be flagged above threshold")
	}
}

// --- InstrumentedExecutor ---

type stubRunner struct {
	result *sandbox.ExecutionResult
	calls  int
}

func (s *stubRunner) Execute(context.Context, sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	s.calls++
	return s.result
}

func TestInstrumentedExecutor_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubRunner{result: &sandbox.ExecutionResult{Success: true, Isolation: sandbox.StrategyCLI}}

	e := NewInstrumentedExecutor(inner, metrics, nil, nil)
	res := e.Execute(context.Background(), sandbox.ExecutionRequest{Command: "echo hi"})
	if !res.Success || inner.calls != 1 {
		t.Fatalf("result = %+v, calls = %d", res, inner.calls)
	}

	val := counterValue(t, metrics.Registry, "umbravault_sandbox_executions_total", prometheus.Labels{"strategy": sandbox.StrategyCLI, "status": "success"})
	if val != 1 {
		t.Errorf("sandbox executions = %v, want 1", val)
	}
}

func TestInstrumentedExecutor_TimeoutAndUnavailable(t *testing.T) {
	metrics := NewMetricsCollector()

	timeout := &stubRunner{result: &sandbox.ExecutionResult{Error: sandbox.TimeoutError, TimedOut: true, Isolation: sandbox.StrategySDK}}
	NewInstrumentedExecutor(timeout, metrics, nil, nil).Execute(context.Background(), sandbox.ExecutionRequest{Command: "sleep 9"})

	unavailable := &stubRunner{result: &sandbox.ExecutionResult{Error: "docker-sdk: backend unavailable"}}
	NewInstrumentedExecutor(unavailable, metrics, nil, nil).Execute(context.Background(), sandbox.ExecutionRequest{Command: "nmap"})

	if v := counterValue(t, metrics.Registry, "umbravault_sandbox_executions_total", prometheus.Labels{"strategy": sandbox.StrategySDK, "status": "timeout"}); v != 1 {
		t.Errorf("timeout count = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "umbravault_sandbox_executions_total", prometheus.Labels{"strategy": "none", "status": "unavailable"}); v != 1 {
		t.Errorf("unavailable count = %v, want 1", v)
	}
}

func TestInstrumentedExecutor_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ts := NewTracerSetupWithProvider(tp)

	inner := &stubRunner{result: &sandbox.ExecutionResult{Error: "exit code 1", ExitCode: 1, Isolation: sandbox.StrategyLocal}}
	NewInstrumentedExecutor(inner, nil, ts, nil).Execute(context.Background(), sandbox.ExecutionRequest{Command: "false", Target: "127.0.0.1"})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "sandbox.execute" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["sandbox.strategy"] != sandbox.StrategyLocal || attrs["sandbox.exit_code"] != "1" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestInstrumentedExecutor_FeedsAnomaly(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	inner := &stubRunner{result: &sandbox.ExecutionResult{Error: "exit code 2", ExitCode: 2, Isolation: sandbox.StrategyLocal}}

	e := NewInstrumentedExecutor(inner, nil, nil, a)
	e.Execute(context.Background(), sandbox.ExecutionRequest{Command: "x"})
	e.Execute(context.Background(), sandbox.ExecutionRequest{Command: "x"})

	if got := a.ErrorRate("sandbox_local"); got != 1 {
		t.Errorf("ErrorRate = %v, want 1", got)
	}
}

func TestResultStatus(t *testing.T) {
	cases := []struct {
		r    sandbox.ExecutionResult
		want string
	}{
		{sandbox.ExecutionResult{Success: true, Isolation: "local"}, "success"},
		{sandbox.ExecutionResult{TimedOut: true, Isolation: "local"}, "timeout"},
		{sandbox.ExecutionResult{Error: "all unavailable"}, "unavailable"},
		{sandbox.ExecutionResult{Error: "exit code 3", Isolation: "docker-cli"}, "failure"},
	}
	for _, c := range cases {
		if got := ResultStatus(&c.r); got != c.want {
			t.Errorf("ResultStatus(%+v) = %s, want %s", c.r, got, c.want)
		}
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "ollama", resp: &llm.Response{Content: "gobuster"}}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "gobuster" || inner.called != 1 {
		t.Errorf("content = %q, called = %d", resp.Content, inner.called)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q", p.Name())
	}

	val := counterValue(t, metrics.Registry, "umbravault_llm_requests_total", prometheus.Labels{"provider": "ollama", "status": "success"})
	if val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "ollama", err: errors.New("connection refused")}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "umbravault_llm_requests_total", prometheus.Labels{"provider": "ollama", "status": "error"})
	if val != 1 {
		t.Errorf("error requests_total = %v, want 1", val)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/run/network", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "umbravault_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/run/network", "status_code": "400"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	val := counterValue(t, metrics.Registry, "umbravault_http_requests_total", prometheus.Labels{"method": "GET", "path": "/health", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
