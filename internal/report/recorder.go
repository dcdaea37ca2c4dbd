package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sink persists a report and returns a handle that addresses it.
type Sink interface {
	Name() string
	Record(ctx context.Context, rep *Report) (string, error)
}

// Recorder fans a report out to every configured sink.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. The first sink is the primary one.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, logger: logger}
}

// Record writes rep to all sinks and returns the handle from the first sink
// that succeeded. It fails only when no sink accepted the report.
func (r *Recorder) Record(ctx context.Context, rep *Report) (string, error) {
	if len(r.sinks) == 0 {
		return "", errors.New("no report sinks configured")
	}

	var (
		handle string
		errs   []error
	)
	for _, sink := range r.sinks {
		h, err := sink.Record(ctx, rep)
		if err != nil {
			r.logger.Warn("report sink failed",
				slog.String("sink", sink.Name()),
				slog.String("report_id", rep.ID.String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		if handle == "" {
			handle = h
		}
	}
	if handle == "" {
		return "", errors.Join(errs...)
	}
	return handle, nil
}
