package sandbox

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// fakeRuntime plays a container that prints stdout/stderr and exits.
type fakeRuntime struct {
	pingErr   error
	createErr error // returned by the first Create only
	startErr  error
	stdout    string
	stderr    string
	exitCode  int64
	hang      bool  // never exits on its own
	waitErr   error // wait fails while the container keeps running

	spec    containerSpec
	creates int
	pulled  bool
	killed  bool
	removed bool
	closed  bool

	pw    *io.PipeWriter
	waitC chan exitStatus
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func (f *fakeRuntime) Create(_ context.Context, spec containerSpec) (string, error) {
	f.creates++
	if f.creates == 1 && f.createErr != nil {
		return "", f.createErr
	}
	f.spec = spec
	return "c0ffee", nil
}

func (f *fakeRuntime) Pull(context.Context, string) error {
	f.pulled = true
	return nil
}

func (f *fakeRuntime) Attach(context.Context, string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	f.pw = pw
	return pr, nil
}

func (f *fakeRuntime) Wait(context.Context, string) <-chan exitStatus {
	f.waitC = make(chan exitStatus, 1)
	return f.waitC
}

func (f *fakeRuntime) Start(context.Context, string) error {
	if f.startErr != nil {
		return f.startErr
	}
	pw, waitC := f.pw, f.waitC
	stdout, stderr, code, hang, waitErr := f.stdout, f.stderr, f.exitCode, f.hang, f.waitErr
	go func() {
		if stdout != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte(stdout))
		}
		if stderr != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte(stderr))
		}
		if hang {
			return
		}
		if waitErr != nil {
			waitC <- exitStatus{err: waitErr}
			return
		}
		_ = pw.Close()
		waitC <- exitStatus{code: code}
	}()
	return nil
}

func (f *fakeRuntime) Kill(context.Context, string) error {
	f.killed = true
	return f.pw.Close()
}

func (f *fakeRuntime) Remove(context.Context, string) error {
	f.removed = true
	return nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

// fakeDialer hands out runtimes per host and records the dial order.
type fakeDialer struct {
	runtimes map[string]*fakeRuntime
	dialed   []string
}

func (d *fakeDialer) dial(host string) (containerRuntime, error) {
	d.dialed = append(d.dialed, host)
	rt, ok := d.runtimes[host]
	if !ok {
		return nil, errors.New("no such endpoint")
	}
	return rt, nil
}

func newFakeEngine(d *fakeDialer, fallback string) *EngineStrategy {
	return newEngineStrategy(EngineConfig{FallbackHost: fallback}, d.dial, testLogger())
}

func TestEngine_Success(t *testing.T) {
	rt := &fakeRuntime{stdout: "22/tcp open ssh\n", stderr: "warning\n"}
	d := &fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}
	s := newFakeEngine(d, "")

	out, err := s.Run(context.Background(), ExecutionRequest{
		Command: "nmap 127.0.0.1",
		Env:     map[string]string{"Z": "1", "A": "2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Stdout != "22/tcp open ssh\n" || out.Stderr != "warning\n" || out.ExitCode != 0 {
		t.Errorf("outcome = %+v", out)
	}

	wantCmd := []string{"/bin/bash", "-lc", "nmap 127.0.0.1"}
	if !reflect.DeepEqual(rt.spec.Cmd, wantCmd) {
		t.Errorf("cmd = %q, want %q", rt.spec.Cmd, wantCmd)
	}
	if rt.spec.Image != "kalitools:latest" || rt.spec.NetworkMode != "host" {
		t.Errorf("spec = %+v", rt.spec)
	}
	if rt.spec.MemoryBytes != 512*1024*1024 {
		t.Errorf("memory = %d, want 512 MiB", rt.spec.MemoryBytes)
	}
	if !reflect.DeepEqual(rt.spec.Env, []string{"A=2", "Z=1"}) {
		t.Errorf("env = %q", rt.spec.Env)
	}
	if !rt.closed {
		t.Error("connection not closed")
	}
}

func TestEngine_NonZeroExit(t *testing.T) {
	rt := &fakeRuntime{stderr: "bash: nmap: command not found\n", exitCode: 127}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")

	out, err := s.Run(context.Background(), ExecutionRequest{Command: "nmap 127.0.0.1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 127 {
		t.Errorf("exit code = %d, want 127", out.ExitCode)
	}
}

func TestEngine_FallbackHost(t *testing.T) {
	primary := &fakeRuntime{pingErr: errors.New("dial tcp: connection refused")}
	fallback := &fakeRuntime{stdout: "ok"}
	d := &fakeDialer{runtimes: map[string]*fakeRuntime{"": primary, "unix:///var/run/docker.sock": fallback}}
	s := newFakeEngine(d, "unix:///var/run/docker.sock")

	out, err := s.Run(context.Background(), ExecutionRequest{Command: "id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Stdout != "ok" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if !reflect.DeepEqual(d.dialed, []string{"", "unix:///var/run/docker.sock"}) {
		t.Errorf("dialed = %q", d.dialed)
	}
	if !primary.closed {
		t.Error("failed primary connection not closed")
	}
}

func TestEngine_Unreachable(t *testing.T) {
	d := &fakeDialer{runtimes: map[string]*fakeRuntime{
		"": {pingErr: errors.New("permission denied")},
	}}
	s := newFakeEngine(d, "tcp://10.0.0.2:2375")

	_, err := s.Run(context.Background(), ExecutionRequest{Command: "id"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	for _, want := range []string{"environment: permission denied", "tcp://10.0.0.2:2375: no such endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if err := s.Probe(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("probe = %v, want ErrUnavailable", err)
	}
}

func TestEngine_TimeoutKeepsPartialOutput(t *testing.T) {
	rt := &fakeRuntime{stdout: "Starting Nmap 7.94\n", hang: true}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := s.Run(ctx, ExecutionRequest{Command: "nmap -p- 127.0.0.1"})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !rt.killed {
		t.Error("container not killed on timeout")
	}
	if out == nil || out.Stdout != "Starting Nmap 7.94\n" {
		t.Errorf("outcome = %+v, want partial stdout", out)
	}
}

func TestEngine_TimeoutThroughExecutor(t *testing.T) {
	rt := &fakeRuntime{stdout: "partial", hang: true}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")
	exec := NewExecutor(ExecutorConfig{Timeout: 100 * time.Millisecond}, testLogger(), s)

	res := exec.Execute(context.Background(), ExecutionRequest{Command: "sleep 60"})

	if res.Error != TimeoutError || res.Success {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if res.ElapsedSeconds != 0.1 {
		t.Errorf("elapsed = %f, want 0.1", res.ElapsedSeconds)
	}
	if res.Output != "partial" || res.Isolation != StrategySDK {
		t.Errorf("result = %+v", res)
	}
}

func TestEngine_PullsMissingImage(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.Join(errImageNotFound, errors.New("No such image: kalitools:latest")), stdout: "ok"}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")

	if _, err := s.Run(context.Background(), ExecutionRequest{Command: "id"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rt.pulled || rt.creates != 2 {
		t.Errorf("pulled=%v creates=%d, want pull and a second create", rt.pulled, rt.creates)
	}
}

func TestEngine_StartFailureRemovesContainer(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("network mode not supported")}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")

	_, err := s.Run(context.Background(), ExecutionRequest{Command: "id"})
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want a launch failure", err)
	}
	if !rt.removed {
		t.Error("container not removed after failed start")
	}
}

func TestEngine_WaitFailureCleansUpContainer(t *testing.T) {
	rt := &fakeRuntime{stdout: "Nmap scan report\n", waitErr: errors.New("wait stream dropped")}
	s := newFakeEngine(&fakeDialer{runtimes: map[string]*fakeRuntime{"": rt}}, "")

	out, err := s.Run(context.Background(), ExecutionRequest{Command: "nmap 127.0.0.1"})

	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want a wait failure", err)
	}
	if !strings.Contains(err.Error(), "wait stream dropped") {
		t.Errorf("err = %v, want the wait error wrapped", err)
	}
	if !rt.killed || !rt.removed {
		t.Errorf("killed=%v removed=%v, want container killed and removed", rt.killed, rt.removed)
	}
	if out == nil || out.Stdout != "Nmap scan report\n" || out.ExitCode != -1 {
		t.Errorf("outcome = %+v, want partial stdout and exit code -1", out)
	}
}

func TestLockedBuffer_Caps(t *testing.T) {
	b := &lockedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.String() != "abcd" {
		t.Errorf("buffer = %q", b.String())
	}
}
