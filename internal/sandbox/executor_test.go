package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStrategy struct {
	name    string
	out     *Outcome
	err     error
	delay   time.Duration
	panics  bool
	calls   int
	lastReq ExecutionRequest
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Run(ctx context.Context, req ExecutionRequest) (*Outcome, error) {
	f.calls++
	f.lastReq = req
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return f.out, ctx.Err()
		}
	}
	return f.out, f.err
}

type probingStrategy struct {
	fakeStrategy
	probeErr error
}

func (p *probingStrategy) Probe(context.Context) error { return p.probeErr }

func unavailable(name string) *fakeStrategy {
	return &fakeStrategy{name: name, err: fmt.Errorf("%w: connection refused", ErrUnavailable)}
}

func TestExecutor_FirstAvailableStrategyWins(t *testing.T) {
	sdk := unavailable(StrategySDK)
	cli := &fakeStrategy{name: StrategyCLI, out: &Outcome{Stdout: "open ports: 22"}}
	local := &fakeStrategy{name: StrategyLocal, out: &Outcome{}}
	exec := NewExecutor(ExecutorConfig{Timeout: time.Second}, testLogger(), sdk, cli, local)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap 127.0.0.1", Target: "127.0.0.1"})

	if !res.Success || res.Error != "" {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Isolation != StrategyCLI {
		t.Errorf("isolation = %q, want %q", res.Isolation, StrategyCLI)
	}
	if res.Output != "open ports: 22" {
		t.Errorf("output = %q", res.Output)
	}
	if sdk.calls != 1 || cli.calls != 1 || local.calls != 0 {
		t.Errorf("calls sdk=%d cli=%d local=%d, want 1 1 0", sdk.calls, cli.calls, local.calls)
	}
}

func TestExecutor_AllUnavailableCombinesReasons(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{Timeout: time.Second}, testLogger(),
		unavailable(StrategySDK), unavailable(StrategyCLI))

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap 127.0.0.1"})

	if res.Success {
		t.Fatal("expected failure")
	}
	for _, want := range []string{"docker-sdk: backend unavailable", "docker-cli: backend unavailable", "; "} {
		if !strings.Contains(res.Error, want) {
			t.Errorf("error %q missing %q", res.Error, want)
		}
	}
	if res.Isolation != "" {
		t.Errorf("isolation = %q, want empty", res.Isolation)
	}
	if res.ElapsedSeconds < 0 {
		t.Errorf("elapsed = %f, want >= 0", res.ElapsedSeconds)
	}
}

func TestExecutor_LaunchedFailureIsFinal(t *testing.T) {
	first := &fakeStrategy{name: StrategySDK, err: errors.New("starting container: bad network")}
	second := &fakeStrategy{name: StrategyLocal, out: &Outcome{}}
	exec := NewExecutor(ExecutorConfig{Timeout: time.Second}, testLogger(), first, second)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap 127.0.0.1"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "starting container: bad network" {
		t.Errorf("error = %q", res.Error)
	}
	if second.calls != 0 {
		t.Errorf("fallback ran %d times after a launched failure", second.calls)
	}
}

func TestExecutor_NonZeroExit(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, out: &Outcome{Stdout: "partial", Stderr: "boom", ExitCode: 2}}
	exec := NewExecutor(ExecutorConfig{Timeout: time.Second}, testLogger(), s)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "gobuster dir"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "exit code 2" {
		t.Errorf("error = %q, want %q", res.Error, "exit code 2")
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}
	if res.Output != "partial\nboom" {
		t.Errorf("output = %q, want %q", res.Output, "partial\nboom")
	}
}

func TestExecutor_Timeout(t *testing.T) {
	timeout := 50 * time.Millisecond
	s := &fakeStrategy{name: StrategySDK, delay: time.Minute, out: &Outcome{Stdout: "Starting Nmap"}}
	exec := NewExecutor(ExecutorConfig{Timeout: timeout}, testLogger(), s)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap -p- 127.0.0.1"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != TimeoutError {
		t.Errorf("error = %q, want %q", res.Error, TimeoutError)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if res.ElapsedSeconds != timeout.Seconds() {
		t.Errorf("elapsed = %f, want %f", res.ElapsedSeconds, timeout.Seconds())
	}
	if res.Output != "Starting Nmap" {
		t.Errorf("output = %q, want captured partial output", res.Output)
	}
}

func TestExecutor_TimeoutDoesNotFallBack(t *testing.T) {
	slow := &fakeStrategy{name: StrategySDK, delay: time.Minute}
	local := &fakeStrategy{name: StrategyLocal, out: &Outcome{}}
	exec := NewExecutor(ExecutorConfig{Timeout: 20 * time.Millisecond}, testLogger(), slow, local)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "sleep 60"})

	if res.Error != TimeoutError {
		t.Errorf("error = %q, want %q", res.Error, TimeoutError)
	}
	if local.calls != 0 {
		t.Error("local strategy ran after a timeout")
	}
}

func TestExecutor_CallerCancellation(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, delay: time.Minute}
	exec := NewExecutor(ExecutorConfig{Timeout: time.Minute}, testLogger(), s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, ExecutionRequest{Command: "sleep 60"})

	if res.Success || res.TimedOut {
		t.Fatalf("result = %+v, want non-timeout failure", res)
	}
	if !strings.Contains(res.Error, "context canceled") {
		t.Errorf("error = %q, want cancellation", res.Error)
	}
}

func TestExecutor_EmptyCommand(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, out: &Outcome{}}
	exec := NewExecutor(ExecutorConfig{}, testLogger(), s)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "   "})
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v, want failure", res)
	}
	if s.calls != 0 {
		t.Error("strategy invoked for an empty command")
	}
}

func TestExecutor_NoStrategies(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{}, testLogger())
	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap"})
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v, want failure", res)
	}
}

func TestExecutor_RecoversPanics(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{}, testLogger(), &fakeStrategy{name: StrategyLocal, panics: true})

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "nmap"})
	if res == nil || res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecutor_MergesEnvironment(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, out: &Outcome{}}
	exec := NewExecutor(ExecutorConfig{Env: map[string]string{"A": "base", "B": "base"}}, testLogger(), s)

	exec.Execute(context.Background(), ExecutionRequest{Command: "env", Env: map[string]string{"B": "req", "C": "req"}})

	want := map[string]string{"A": "base", "B": "req", "C": "req"}
	if !reflect.DeepEqual(s.lastReq.Env, want) {
		t.Errorf("env = %v, want %v", s.lastReq.Env, want)
	}
}

func TestExecutor_IndependentResults(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, out: &Outcome{Stdout: "ok"}}
	exec := NewExecutor(ExecutorConfig{}, testLogger(), s)
	req := ExecutionRequest{Command: "echo ok"}

	a := exec.Execute(context.Background(), req)
	b := exec.Execute(context.Background(), req)
	if a == b {
		t.Fatal("results share a pointer")
	}
	a.Output = "mutated"
	if b.Output != "ok" {
		t.Errorf("second result changed to %q", b.Output)
	}
}

func TestExecutor_Probe(t *testing.T) {
	down := &probingStrategy{fakeStrategy: fakeStrategy{name: StrategySDK}, probeErr: ErrUnavailable}
	up := &probingStrategy{fakeStrategy: fakeStrategy{name: StrategyCLI}}

	if err := NewExecutor(ExecutorConfig{}, testLogger(), down, up).Probe(context.Background()); err != nil {
		t.Errorf("probe = %v, want nil", err)
	}
	err := NewExecutor(ExecutorConfig{}, testLogger(), down).Probe(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("probe = %v, want ErrUnavailable", err)
	}
	if err := NewExecutor(ExecutorConfig{}, testLogger(), down, &fakeStrategy{name: StrategyLocal}).Probe(context.Background()); err != nil {
		t.Errorf("probe with local fallback = %v, want nil", err)
	}
}

func TestCombineOutput(t *testing.T) {
	tests := []struct {
		stdout, stderr, want string
	}{
		{"out", "", "out"},
		{"", "err", "\nerr"},
		{"out", "err", "out\nerr"},
		{"open\xff\x00port", "", "openport"},
		{"22/tcp\x00", "warn\xc3", "22/tcp\nwarn"},
		{"héllo", "", "héllo"},
	}
	for _, tt := range tests {
		got := combineOutput(tt.stdout, tt.stderr)
		if got != tt.want {
			t.Errorf("combineOutput(%q, %q) = %q, want %q", tt.stdout, tt.stderr, got, tt.want)
		}
		if !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
			t.Errorf("combineOutput(%q, %q) = %q, want valid UTF-8 without NUL", tt.stdout, tt.stderr, got)
		}
	}
}

func TestExecutor_SanitizesOutput(t *testing.T) {
	s := &fakeStrategy{name: StrategyLocal, out: &Outcome{Stdout: "banner\x00\xfe\xffSSH-2.0"}}
	res := NewExecutor(ExecutorConfig{Timeout: time.Second}, testLogger(), s).
		Execute(context.Background(), ExecutionRequest{Command: "nc 127.0.0.1 22"})

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Output != "bannerSSH-2.0" {
		t.Errorf("output = %q, want %q", res.Output, "bannerSSH-2.0")
	}
}

// stalledConnect reports the runtime unreachable only once the run deadline
// has passed, as a hung daemon dial does.
type stalledConnect struct{ name string }

func (s *stalledConnect) Name() string { return s.name }

func (s *stalledConnect) Run(ctx context.Context, _ ExecutionRequest) (*Outcome, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, ctx.Err())
}

func TestExecutor_UnavailableAfterDeadlineFallsThrough(t *testing.T) {
	cli := &fakeStrategy{name: StrategyCLI, out: &Outcome{Stdout: "done"}}
	exec := NewExecutor(ExecutorConfig{Timeout: 20 * time.Millisecond}, testLogger(),
		&stalledConnect{name: StrategySDK}, cli)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "id"})

	if !res.Success || res.TimedOut {
		t.Fatalf("result = %+v, want success from the next strategy", res)
	}
	if res.Isolation != StrategyCLI || res.Output != "done" {
		t.Errorf("result = %+v, want cli output", res)
	}
	if cli.calls != 1 {
		t.Errorf("cli calls = %d, want 1", cli.calls)
	}
}

func TestBuildChain(t *testing.T) {
	tests := []struct {
		name string
		cfg  ChainConfig
		want []string
	}{
		{"isolation disabled", ChainConfig{UseSDK: true, UseCLI: true}, []string{StrategyLocal}},
		{"full chain", ChainConfig{Isolation: true, UseSDK: true, UseCLI: true}, []string{StrategySDK, StrategyCLI, StrategyLocal}},
		{"required isolation", ChainConfig{Isolation: true, RequireIsolation: true, UseSDK: true, UseCLI: true}, []string{StrategySDK, StrategyCLI}},
		{"cli only", ChainConfig{Isolation: true, UseCLI: true}, []string{StrategyCLI, StrategyLocal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExecutor(ExecutorConfig{}, testLogger(), BuildChain(tt.cfg, testLogger())...)
			if got := exec.Strategies(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("strategies = %v, want %v", got, tt.want)
			}
		})
	}
}
