package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

const (
	connectTimeout = 5 * time.Second
	cleanupTimeout = 5 * time.Second
	drainTimeout   = 2 * time.Second
)

// EngineConfig configures the Engine API strategy.
type EngineConfig struct {
	ContainerConfig
	Host         string // Primary endpoint. Empty = DOCKER_HOST and friends.
	FallbackHost string // Tried once when the primary endpoint fails.
}

// containerSpec is what the strategy asks the runtime to create.
type containerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	NetworkMode string
	MemoryBytes int64
}

type exitStatus struct {
	code int64
	err  error
}

// containerRuntime is the slice of the Engine API the strategy needs.
type containerRuntime interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec containerSpec) (string, error)
	Pull(ctx context.Context, image string) error
	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	Wait(ctx context.Context, id string) <-chan exitStatus
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// errImageNotFound is returned by runtimes when Create fails for a missing image.
var errImageNotFound = errors.New("image not found")

// dialFunc opens a runtime for an endpoint. An empty host means environment defaults.
type dialFunc func(host string) (containerRuntime, error)

// EngineStrategy runs commands in ephemeral containers through the Engine API.
//
// A fresh connection is opened per run. Output is attached before the
// container starts so it survives auto-removal, and on timeout the container
// is killed and whatever it printed so far is returned.
type EngineStrategy struct {
	config EngineConfig
	dial   dialFunc
	logger *slog.Logger
}

// NewEngineStrategy creates the Engine API strategy backed by the Docker SDK.
func NewEngineStrategy(cfg EngineConfig, logger *slog.Logger) *EngineStrategy {
	return newEngineStrategy(cfg, dialDocker, logger)
}

func newEngineStrategy(cfg EngineConfig, dial dialFunc, logger *slog.Logger) *EngineStrategy {
	cfg.ContainerConfig = cfg.ContainerConfig.withDefaults()
	return &EngineStrategy{config: cfg, dial: dial, logger: logger}
}

// Name implements Strategy.
func (s *EngineStrategy) Name() string { return StrategySDK }

// Probe checks that one of the configured endpoints answers a ping.
func (s *EngineStrategy) Probe(ctx context.Context) error {
	rt, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return rt.Close()
}

// connect tries the primary endpoint, then the fallback one.
func (s *EngineStrategy) connect(ctx context.Context) (containerRuntime, error) {
	hosts := []string{s.config.Host}
	if s.config.FallbackHost != "" && s.config.FallbackHost != s.config.Host {
		hosts = append(hosts, s.config.FallbackHost)
	}

	var reasons []string
	for _, host := range hosts {
		rt, err := s.dialAndPing(ctx, host)
		if err == nil {
			return rt, nil
		}
		label := host
		if label == "" {
			label = "environment"
		}
		reasons = append(reasons, label+": "+err.Error())
		s.logger.Debug("docker endpoint unreachable",
			slog.String("host", label),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(reasons, "; "))
}

func (s *EngineStrategy) dialAndPing(ctx context.Context, host string) (containerRuntime, error) {
	rt, err := s.dial(host)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// Run implements Strategy.
func (s *EngineStrategy) Run(ctx context.Context, req ExecutionRequest) (*Outcome, error) {
	rt, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	spec := containerSpec{
		Name:        name,
		Image:       s.config.Image,
		Cmd:         append(append([]string{}, s.config.Shell...), req.Command),
		Env:         sortedEnv(req.Env),
		NetworkMode: s.config.NetworkMode,
		MemoryBytes: int64(s.config.MemoryMB) * 1024 * 1024,
	}

	id, err := s.create(ctx, rt, spec)
	if err != nil {
		return nil, err
	}

	stream, err := rt.Attach(ctx, id)
	if err != nil {
		s.remove(rt, id)
		return nil, fmt.Errorf("attaching to container: %w", err)
	}
	defer stream.Close()

	waitC := rt.Wait(ctx, id)

	stdout := &lockedBuffer{limit: maxOutputBytes}
	stderr := &lockedBuffer{limit: maxOutputBytes}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(stdout, stderr, stream)
	}()

	s.logger.Info("docker sdk run starting",
		slog.String("container", name),
		slog.String("image", spec.Image),
		slog.String("network", spec.NetworkMode),
		slog.Int("memory_mb", s.config.MemoryMB),
	)

	if err := rt.Start(ctx, id); err != nil {
		s.remove(rt, id)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	select {
	case st := <-waitC:
		if st.err == nil {
			drain(copied)
			return &Outcome{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: int(st.code),
			}, nil
		}
		if ctx.Err() == nil {
			// The container may still be running; never leave it behind.
			s.kill(rt, id)
			s.remove(rt, id)
			_ = stream.Close()
			drain(copied)
			return &Outcome{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: -1,
			}, fmt.Errorf("waiting for container: %w", st.err)
		}
	case <-ctx.Done():
	}

	s.kill(rt, id)
	_ = stream.Close()
	drain(copied)
	return &Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}, fmt.Errorf("docker sdk run interrupted: %w", ctx.Err())
}

// create creates the container, pulling the image once if it is missing.
func (s *EngineStrategy) create(ctx context.Context, rt containerRuntime, spec containerSpec) (string, error) {
	id, err := rt.Create(ctx, spec)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errImageNotFound) {
		return "", fmt.Errorf("creating container: %w", err)
	}

	s.logger.Info("pulling sandbox image", slog.String("image", spec.Image))
	if err := rt.Pull(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("pulling image %s: %w", spec.Image, err)
	}
	id, err = rt.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return id, nil
}

// kill terminates a timed-out container. Auto-removal cleans it up afterwards.
// A failed kill may leak the container; it is logged and not retried.
func (s *EngineStrategy) kill(rt containerRuntime, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := rt.Kill(ctx, id); err != nil {
		s.logger.Warn("docker kill failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *EngineStrategy) remove(rt containerRuntime, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := rt.Remove(ctx, id); err != nil {
		s.logger.Warn("docker remove failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

func drain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}
}

// lockedBuffer is a capped buffer safe for one writer and concurrent readers.
type lockedBuffer struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
