// Package storage defines the report persistence interface.
// Two backends are provided: SQLite (zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("not found")

// Driver names.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the persistence interface shared by both backends.
type Store interface {
	Reports() ReportStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ReportStore persists run reports. Reports are immutable once saved.
type ReportStore interface {
	Save(ctx context.Context, r *Report) error
	Get(ctx context.Context, id uuid.UUID) (*Report, error)
	List(ctx context.Context, filter ListFilter) ([]*Report, error)
}

// ListFilter narrows List. Zero values mean no restriction.
type ListFilter struct {
	TaskType string
	Since    time.Time
	Limit    int // Default: 50
}

// Report is a stored run report. Results are kept in run order.
type Report struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	TaskType     string
	Target       string
	SuccessCount int
	FailureCount int
	Total        int
	Results      []Result
}

// Result is one tool run inside a report.
type Result struct {
	Position       int
	Name           string
	Command        string
	Success        bool
	Output         string
	ElapsedSeconds float64
	Error          string
	Isolation      string
	ExitCode       int
	TimedOut       bool
}
