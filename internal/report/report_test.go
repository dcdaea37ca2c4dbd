package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/umbravault/internal/sandbox"
	"github.com/jkaninda/umbravault/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResults() []ToolResult {
	return []ToolResult{
		{Name: "nmap", Command: "nmap -F 127.0.0.1", ExecutionResult: sandbox.ExecutionResult{
			Success: true, Output: "22/tcp open", ElapsedSeconds: 1.25, Isolation: sandbox.StrategyLocal,
		}},
		{Name: "rustscan", Command: "rustscan -a 127.0.0.1", ExecutionResult: sandbox.ExecutionResult{
			Error: sandbox.TimeoutError, ElapsedSeconds: 300, TimedOut: true, ExitCode: -1, Isolation: sandbox.StrategySDK,
		}},
	}
}

func TestBuild(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	results := sampleResults()
	rep := Build("network", "127.0.0.1", results, now)

	if rep.ID == uuid.Nil {
		t.Error("Build should assign an ID")
	}
	if rep.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", rep.Timestamp)
	}
	want := Summary{SuccessCount: 1, FailureCount: 1, Total: 2}
	if rep.Summary != want {
		t.Errorf("Summary = %+v, want %+v", rep.Summary, want)
	}

	results[0].Name = "mutated"
	if rep.Results[0].Name != "nmap" {
		t.Error("report should not share the caller's slice")
	}
}

func TestBuild_Empty(t *testing.T) {
	rep := Build("web", "example.com", nil, time.Now())
	if rep.Summary.Total != 0 || len(rep.Results) != 0 {
		t.Errorf("unexpected summary %+v", rep.Summary)
	}
}

func TestReportJSONShape(t *testing.T) {
	rep := Build("network", "127.0.0.1", sampleResults(), time.Now())
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	results := decoded["results"].([]any)
	first := results[0].(map[string]any)
	for _, key := range []string{"name", "command", "success", "output", "elapsed_seconds"} {
		if _, ok := first[key]; !ok {
			t.Errorf("result missing %q: %v", key, first)
		}
	}
	if decoded["summary"].(map[string]any)["success_count"].(float64) != 1 {
		t.Errorf("summary = %v", decoded["summary"])
	}
}

func TestFileSink_Record(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(filepath.Join(dir, "logs"), testLogger())
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	rep := Build("network", "127.0.0.1", sampleResults(), now)

	path, err := sink.Record(context.Background(), rep)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if filepath.Base(path) != "network_20260304_050607.json" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if decoded.Summary.SuccessCount != 1 || len(decoded.Results) != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Results[1].Error != sandbox.TimeoutError {
		t.Errorf("embedded result not round-tripped: %+v", decoded.Results[1])
	}
}

func TestFileSink_SameSecondDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, testLogger())
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	seen := make(map[string]bool)
	for range 3 {
		path, err := sink.Record(context.Background(), Build("web", "example.com", nil, now))
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if seen[path] {
			t.Fatalf("duplicate path %s", path)
		}
		seen[path] = true
	}
	for _, name := range []string{"web_20260304_050607.json", "web_20260304_050607_1.json", "web_20260304_050607_2.json"} {
		if !seen[filepath.Join(dir, name)] {
			t.Errorf("missing %s in %v", name, seen)
		}
	}
}

type memReports struct {
	saved []*storage.Report
	err   error
}

func (m *memReports) Save(_ context.Context, r *storage.Report) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, r)
	return nil
}

func (m *memReports) Get(_ context.Context, id uuid.UUID) (*storage.Report, error) {
	for _, r := range m.saved {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memReports) List(context.Context, storage.ListFilter) ([]*storage.Report, error) {
	return m.saved, nil
}

func TestStoreSink_Record(t *testing.T) {
	mem := &memReports{}
	rep := Build("network", "127.0.0.1", sampleResults(), time.Now())

	handle, err := NewStoreSink(mem).Record(context.Background(), rep)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if handle != rep.ID.String() {
		t.Errorf("handle = %s, want %s", handle, rep.ID)
	}
	if len(mem.saved) != 1 {
		t.Fatalf("saved = %d", len(mem.saved))
	}
	saved := mem.saved[0]
	if saved.Total != 2 || saved.Results[1].Position != 1 || !saved.Results[1].TimedOut {
		t.Errorf("saved = %+v", saved)
	}

	back := FromStorage(saved)
	if back.Results[0].Name != "nmap" || !back.Results[0].Success || back.Summary != rep.Summary {
		t.Errorf("FromStorage = %+v", back)
	}
}

type staticSink struct {
	name   string
	handle string
	err    error
	calls  int
}

func (s *staticSink) Name() string { return s.name }

func (s *staticSink) Record(context.Context, *Report) (string, error) {
	s.calls++
	return s.handle, s.err
}

func TestRecorder_FirstHandleWins(t *testing.T) {
	a := &staticSink{name: "a", handle: "logs/a.json"}
	b := &staticSink{name: "b", handle: "1234"}
	rec := NewRecorder(testLogger(), a, b)

	handle, err := rec.Record(context.Background(), Build("web", "example.com", nil, time.Now()))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if handle != "logs/a.json" {
		t.Errorf("handle = %s", handle)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want every sink called once", a.calls, b.calls)
	}
}

func TestRecorder_SecondarySinkFailureIsTolerated(t *testing.T) {
	a := &staticSink{name: "a", err: errors.New("disk full")}
	b := &staticSink{name: "b", handle: "1234"}

	handle, err := NewRecorder(testLogger(), a, b).Record(context.Background(), Build("web", "example.com", nil, time.Now()))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if handle != "1234" {
		t.Errorf("handle = %s", handle)
	}
}

func TestRecorder_AllFail(t *testing.T) {
	a := &staticSink{name: "a", err: errors.New("disk full")}
	b := &staticSink{name: "b", err: errors.New("db down")}

	_, err := NewRecorder(testLogger(), a, b).Record(context.Background(), Build("web", "example.com", nil, time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), "db down") {
		t.Errorf("error should name both failures: %v", err)
	}
}

func TestRecorder_NoSinks(t *testing.T) {
	if _, err := NewRecorder(testLogger()).Record(context.Background(), Build("web", "x", nil, time.Now())); err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderSummary(t *testing.T) {
	rep := Build("network", "127.0.0.1", sampleResults(), time.Now())
	out := RenderSummary(rep)

	for _, want := range []string{"Tool", "Status", "Isolation", "Elapsed", "nmap", "rustscan", "success", "timeout", "docker-sdk", "1.25s", "1/2 tools succeeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		r    ToolResult
		want string
	}{
		{ToolResult{ExecutionResult: sandbox.ExecutionResult{Success: true}}, "success"},
		{ToolResult{ExecutionResult: sandbox.ExecutionResult{TimedOut: true, Error: "Timeout"}}, "timeout"},
		{ToolResult{ExecutionResult: sandbox.ExecutionResult{Error: "exit code 2"}}, "failed"},
	}
	for _, c := range cases {
		if got := Status(c.r); got != c.want {
			t.Errorf("Status(%+v) = %s, want %s", c.r, got, c.want)
		}
	}
}
