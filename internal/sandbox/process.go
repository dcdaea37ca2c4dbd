package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// LocalConfig configures the local process strategy.
type LocalConfig struct {
	// WorkingDir is the directory commands run in. Empty = a fresh temp dir per run.
	WorkingDir string
}

// LocalStrategy runs commands directly on the host as bounded processes.
//
// The command string is split into argv with shell quoting rules and never
// handed to a shell. Each run gets its own process group which is killed as a
// whole when the context expires, and the parent environment is not inherited
// apart from PATH.
type LocalStrategy struct {
	workingDir string
	logger     *slog.Logger
}

// NewLocalStrategy creates the local process strategy.
func NewLocalStrategy(cfg LocalConfig, logger *slog.Logger) *LocalStrategy {
	return &LocalStrategy{workingDir: cfg.WorkingDir, logger: logger}
}

// Name implements Strategy.
func (s *LocalStrategy) Name() string { return StrategyLocal }

// Run implements Strategy. On context expiry no output is returned.
func (s *LocalStrategy) Run(ctx context.Context, req ExecutionRequest) (*Outcome, error) {
	argv, err := splitCommand(req.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	dir := s.workingDir
	home := s.workingDir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", "umbravault-run-*")
		if err != nil {
			return nil, fmt.Errorf("creating run temp dir: %w", err)
		}
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				s.logger.Warn("failed to remove run temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
		dir, home = tmpDir, tmpDir
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	// The child runs in its own process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Kill the entire process group on context cancellation so tools that
	// fork helpers do not outlive the run.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	cmd.Env = buildLocalEnv(home, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("local run starting",
		slog.Any("argv", argv),
		slog.String("dir", cmd.Dir),
	)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("local run interrupted: %w", ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", argv[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Outcome{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

// buildLocalEnv constructs a minimal environment. Only PATH is taken from the
// parent so that installed scanners resolve; nothing else is inherited.
func buildLocalEnv(home string, extra map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	return append(env, sortedEnv(extra)...)
}

// sortedEnv renders a map as KEY=VALUE entries in key order.
func sortedEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded without error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		return total, nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}

// shellMeta are the characters go-shellwords stops at or expands outside
// quotes. They are escaped first so they reach the program as literal text.
const shellMeta = ";&|<>`$()"

// splitCommand splits cmd into argv with POSIX quoting rules. Shell operators
// are never interpreted: "a ; b" yields three arguments.
func splitCommand(cmd string) ([]string, error) {
	var b strings.Builder
	b.Grow(len(cmd) + 8)
	var escaped, singleQuoted, doubleQuoted bool
	for _, r := range cmd {
		switch {
		case escaped:
			escaped = false
		case singleQuoted:
			singleQuoted = r != '\''
		case r == '\\':
			escaped = true
		case doubleQuoted:
			doubleQuoted = r != '"'
		case r == '\'':
			singleQuoted = true
		case r == '"':
			doubleQuoted = true
		case strings.ContainsRune(shellMeta, r):
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	argv, err := p.Parse(b.String())
	if err != nil {
		return nil, err
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("unexpected shell operator at offset %d", p.Position)
	}
	return argv, nil
}
