package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
)

const defaultTimeout = 300 * time.Second

// Executor walks its strategy chain until one of them launches the command.
// It holds no per-run state and is safe for concurrent use.
type Executor struct {
	strategies []Strategy
	timeout    time.Duration
	env        map[string]string
	logger     *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Timeout time.Duration     // Wall-clock budget per strategy attempt. Zero = 300s.
	Env     map[string]string // Base environment, overridden by request Env.
}

// NewExecutor creates an executor over the given strategies, tried in order.
func NewExecutor(cfg ExecutorConfig, logger *slog.Logger, strategies ...Strategy) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		strategies: strategies,
		timeout:    timeout,
		env:        cfg.Env,
		logger:     logger,
	}
}

// Timeout returns the per-run wall-clock budget.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Strategies returns the names of the configured strategies in order.
func (e *Executor) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Execute runs req and normalizes the outcome. It never returns nil and never panics.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (result *ExecutionResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox run panicked",
				slog.String("command", req.Command),
				slog.Any("panic", r),
			)
			result = &ExecutionResult{
				Error:          fmt.Sprintf("internal error: %v", r),
				ElapsedSeconds: elapsedSince(start),
				ExitCode:       -1,
			}
		}
	}()

	if strings.TrimSpace(req.Command) == "" {
		return &ExecutionResult{Error: "empty command", ExitCode: -1, ElapsedSeconds: elapsedSince(start)}
	}
	if len(e.strategies) == 0 {
		return &ExecutionResult{Error: "no execution strategy configured", ExitCode: -1, ElapsedSeconds: elapsedSince(start)}
	}

	req.Env = e.mergeEnv(req.Env)

	var reasons []string
	for _, s := range e.strategies {
		res, unavailable := e.attempt(ctx, s, req, start)
		if res != nil {
			if len(reasons) > 0 {
				e.logger.Warn("sandbox degraded to fallback strategy",
					slog.String("strategy", s.Name()),
					slog.String("skipped", strings.Join(reasons, "; ")),
				)
			}
			return res
		}
		reasons = append(reasons, s.Name()+": "+unavailable.Error())
		e.logger.Warn("sandbox strategy unavailable",
			slog.String("strategy", s.Name()),
			slog.String("error", unavailable.Error()),
		)
	}

	return &ExecutionResult{
		Error:          strings.Join(reasons, "; "),
		ElapsedSeconds: elapsedSince(start),
		ExitCode:       -1,
	}
}

// attempt runs one strategy. It returns either a final result, or the
// unavailability error when the strategy never launched the command.
func (e *Executor) attempt(ctx context.Context, s Strategy, req ExecutionRequest, start time.Time) (*ExecutionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Debug("sandbox attempting strategy",
		slog.String("strategy", s.Name()),
		slog.String("command", req.Command),
		slog.Duration("timeout", e.timeout),
	)

	out, err := s.Run(runCtx, req)

	// Nothing was launched; a deadline hit while connecting must not hide
	// the remaining strategies.
	if errors.Is(err, ErrUnavailable) && ctx.Err() == nil {
		return nil, err
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("sandbox run timed out",
			slog.String("strategy", s.Name()),
			slog.Duration("timeout", e.timeout),
		)
		res := &ExecutionResult{
			Error:          TimeoutError,
			ElapsedSeconds: e.timeout.Seconds(),
			Isolation:      s.Name(),
			ExitCode:       -1,
			TimedOut:       true,
		}
		if out != nil {
			res.Output = combineOutput(out.Stdout, out.Stderr)
		}
		return res, nil
	}

	if err != nil {
		res := &ExecutionResult{
			Error:          err.Error(),
			ElapsedSeconds: elapsedSince(start),
			Isolation:      s.Name(),
			ExitCode:       -1,
		}
		if out != nil {
			res.Output = combineOutput(out.Stdout, out.Stderr)
		}
		return res, nil
	}
	if out == nil {
		out = &Outcome{}
	}

	res := &ExecutionResult{
		Output:         combineOutput(out.Stdout, out.Stderr),
		ElapsedSeconds: elapsedSince(start),
		Isolation:      s.Name(),
		ExitCode:       out.ExitCode,
	}
	if out.ExitCode == 0 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("exit code %d", out.ExitCode)
	}

	e.logger.Info("sandbox run completed",
		slog.String("strategy", s.Name()),
		slog.Int("exit_code", out.ExitCode),
		slog.Float64("elapsed_seconds", res.ElapsedSeconds),
		slog.Int("output_bytes", len(res.Output)),
	)
	return res, nil
}

// Probe reports whether at least one strategy can currently run commands.
// Strategies without a probe are assumed ready.
func (e *Executor) Probe(ctx context.Context) error {
	var errs []error
	for _, s := range e.strategies {
		p, ok := s.(Prober)
		if !ok {
			return nil
		}
		err := p.Probe(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("no execution strategy configured")
	}
	return errors.Join(errs...)
}

func (e *Executor) mergeEnv(reqEnv map[string]string) map[string]string {
	if len(e.env) == 0 {
		return reqEnv
	}
	env := maps.Clone(e.env)
	maps.Copy(env, reqEnv)
	return env
}

// combineOutput joins the two streams: stdout, then stderr on its own line.
func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		out += "\n" + stderr
	}
	return sanitizeOutput(out)
}

// sanitizeOutput drops invalid UTF-8 sequences and NUL bytes so the output
// is safe to store in text columns and encode as JSON.
func sanitizeOutput(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}
