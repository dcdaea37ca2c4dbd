// Package report records the outcome of a batch of tool runs.
// A Report is built once per batch and never changed after it is recorded.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/umbravault/internal/sandbox"
)

// ToolResult is one tool's execution result tagged with the tool name.
type ToolResult struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	sandbox.ExecutionResult
}

// Summary counts results by outcome.
type Summary struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
	Total        int `json:"total"`
}

// Report is the snapshot written by every sink.
type Report struct {
	ID        uuid.UUID    `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	TaskType  string       `json:"task_type"`
	Target    string       `json:"target"`
	Results   []ToolResult `json:"results"`
	Summary   Summary      `json:"summary"`
}

// Build assembles a report from results in run order.
func Build(taskType, target string, results []ToolResult, now time.Time) *Report {
	rep := &Report{
		ID:        uuid.New(),
		Timestamp: now.UTC(),
		TaskType:  taskType,
		Target:    target,
		Results:   make([]ToolResult, len(results)),
	}
	copy(rep.Results, results)
	rep.Summary = Summarize(rep.Results)
	return rep
}

// Summarize counts successes and failures.
func Summarize(results []ToolResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.SuccessCount++
		}
	}
	s.FailureCount = s.Total - s.SuccessCount
	return s
}
