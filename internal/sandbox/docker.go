package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultImage    = "kalitools:latest"
	defaultMemoryMB = 512
	defaultNetwork  = "host"

	// dockerRunFailure is the exit status of `docker run` when the daemon,
	// not the containerized command, failed.
	dockerRunFailure = 125
)

var defaultShell = []string{"/bin/bash", "-lc"}

// ContainerConfig holds the container settings shared by both isolated strategies.
type ContainerConfig struct {
	Image       string   // Container image. Default: kalitools:latest
	Shell       []string // Shell prefix the command string is handed to. Default: /bin/bash -lc
	NetworkMode string   // Docker network mode. Default: host
	MemoryMB    int      // Hard memory limit. Default: 512
}

func (c ContainerConfig) withDefaults() ContainerConfig {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if len(c.Shell) == 0 {
		c.Shell = defaultShell
	}
	if c.NetworkMode == "" {
		c.NetworkMode = defaultNetwork
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	return c
}

// CLIConfig configures the docker CLI strategy.
type CLIConfig struct {
	ContainerConfig
	Binary string // docker binary name or path. Default: docker
}

// CLIStrategy runs commands in ephemeral containers through the docker binary.
// Used when the Engine API cannot be reached but the CLI can, e.g. when the
// CLI is configured with a context or a remote host the SDK does not see.
type CLIStrategy struct {
	config CLIConfig
	logger *slog.Logger
}

// NewCLIStrategy creates the docker CLI strategy.
func NewCLIStrategy(cfg CLIConfig, logger *slog.Logger) *CLIStrategy {
	cfg.ContainerConfig = cfg.ContainerConfig.withDefaults()
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &CLIStrategy{config: cfg, logger: logger}
}

// Name implements Strategy.
func (s *CLIStrategy) Name() string { return StrategyCLI }

// Probe checks that the binary exists and the daemon answers.
func (s *CLIStrategy) Probe(ctx context.Context) error {
	bin, err := exec.LookPath(s.config.Binary)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out, err := exec.CommandContext(ctx, bin, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: docker version: %s", ErrUnavailable, strings.TrimSpace(string(out)))
	}
	return nil
}

// Run implements Strategy.
func (s *CLIStrategy) Run(ctx context.Context, req ExecutionRequest) (*Outcome, error) {
	bin, err := exec.LookPath(s.config.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := s.buildDockerArgs(containerName, req)
	cmd := exec.CommandContext(ctx, bin, args...)

	// Killing the client does not stop the container; forceRemoveContainer does.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("docker cli run starting",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.String("network", s.config.NetworkMode),
		slog.Int("memory_mb", s.config.MemoryMB),
	)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		// Safety net: the container keeps running after the client is killed.
		s.forceRemoveContainer(containerName)
		return &Outcome{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: -1,
		}, fmt.Errorf("docker cli run interrupted: %w", ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %v", ErrUnavailable, bin, runErr)
		}
		exitCode = exitErr.ExitCode()
		if exitCode == dockerRunFailure && isDaemonUnreachable(stderrBuf.String()) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderrBuf.String()))
		}
	}

	return &Outcome{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

// buildDockerArgs constructs the full docker run argument list, command included.
func (s *CLIStrategy) buildDockerArgs(name string, req ExecutionRequest) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", s.config.NetworkMode,
		"--memory", strconv.Itoa(s.config.MemoryMB) + "m",
	}
	for _, kv := range sortedEnv(req.Env) {
		args = append(args, "-e", kv)
	}

	// Image (must come after all flags, before command).
	args = append(args, s.config.Image)
	args = append(args, s.config.Shell...)
	return append(args, req.Command)
}

// forceRemoveContainer attempts to remove a container by name.
// Errors are logged but not returned (best-effort cleanup).
func (s *CLIStrategy) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

func isDaemonUnreachable(stderr string) bool {
	for _, marker := range []string{
		"Cannot connect to the Docker daemon",
		"error during connect",
		"Is the docker daemon running",
		"permission denied while trying to connect",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// generateContainerName returns a unique container name: umbravault-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "umbravault-" + hex.EncodeToString(b), nil
}
