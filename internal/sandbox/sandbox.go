// Package sandbox runs resolved scan commands in a bounded environment.
// Each run goes through an ordered chain of strategies (isolated container
// through the Engine API, isolated container through the docker CLI, local
// process) and always yields a normalized ExecutionResult.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Strategy names reported in ExecutionResult.Isolation.
const (
	StrategySDK   = "docker-sdk"
	StrategyCLI   = "docker-cli"
	StrategyLocal = "local"
)

// TimeoutError is the error text of a run that exceeded its wall-clock budget.
const TimeoutError = "Timeout"

// ErrUnavailable marks a strategy that could not reach its backend.
// The executor moves on to the next strategy when it sees it.
var ErrUnavailable = errors.New("backend unavailable")

// ExecutionRequest is a resolved command ready to run.
// Target has already passed validation and is not checked again.
type ExecutionRequest struct {
	Command string
	Target  string
	Env     map[string]string
}

// ExecutionResult is the normalized outcome of one run.
// Success and a non-empty Error are mutually exclusive.
type ExecutionResult struct {
	Success        bool    `json:"success"`
	Output         string  `json:"output"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
	Isolation      string  `json:"isolation,omitempty"`
	ExitCode       int     `json:"exit_code"`
	TimedOut       bool    `json:"timed_out,omitempty"`
}

// Outcome is the raw product of a strategy that launched the command.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Strategy is one way of running a command.
//
// Run returns an error wrapping ErrUnavailable when the backend could not be
// reached and the command was never launched. Once the command was launched
// the strategy owns the result: a non-zero exit is reported in the Outcome,
// not as an error. On context expiry a strategy may return whatever output it
// captured together with the context error.
type Strategy interface {
	Name() string
	Run(ctx context.Context, req ExecutionRequest) (*Outcome, error)
}

// Prober is implemented by strategies that can check their backend without
// running anything.
type Prober interface {
	Probe(ctx context.Context) error
}

// Runner executes a request and always returns a result.
type Runner interface {
	Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult
}

func elapsedSince(start time.Time) float64 {
	return time.Since(start).Seconds()
}
