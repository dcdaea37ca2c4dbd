package report

import (
	"context"

	"github.com/jkaninda/umbravault/internal/storage"
)

// StoreSink persists reports through a storage.ReportStore.
type StoreSink struct {
	reports storage.ReportStore
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(reports storage.ReportStore) *StoreSink {
	return &StoreSink{reports: reports}
}

func (s *StoreSink) Name() string { return "store" }

// Record saves the report and returns its ID.
func (s *StoreSink) Record(ctx context.Context, rep *Report) (string, error) {
	rec := ToStorage(rep)
	if err := s.reports.Save(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID.String(), nil
}

// ToStorage converts a report to its persisted form.
func ToStorage(rep *Report) *storage.Report {
	rec := &storage.Report{
		ID:           rep.ID,
		CreatedAt:    rep.Timestamp,
		TaskType:     rep.TaskType,
		Target:       rep.Target,
		SuccessCount: rep.Summary.SuccessCount,
		FailureCount: rep.Summary.FailureCount,
		Total:        rep.Summary.Total,
		Results:      make([]storage.Result, len(rep.Results)),
	}
	for i, r := range rep.Results {
		rec.Results[i] = storage.Result{
			Position:       i,
			Name:           r.Name,
			Command:        r.Command,
			Success:        r.Success,
			Output:         r.Output,
			ElapsedSeconds: r.ElapsedSeconds,
			Error:          r.Error,
			Isolation:      r.Isolation,
			ExitCode:       r.ExitCode,
			TimedOut:       r.TimedOut,
		}
	}
	return rec
}

// FromStorage converts a persisted report back. Results are empty for
// headers returned by List.
func FromStorage(rec *storage.Report) *Report {
	rep := &Report{
		ID:        rec.ID,
		Timestamp: rec.CreatedAt,
		TaskType:  rec.TaskType,
		Target:    rec.Target,
		Summary: Summary{
			SuccessCount: rec.SuccessCount,
			FailureCount: rec.FailureCount,
			Total:        rec.Total,
		},
	}
	for _, r := range rec.Results {
		tr := ToolResult{Name: r.Name, Command: r.Command}
		tr.Success = r.Success
		tr.Output = r.Output
		tr.ElapsedSeconds = r.ElapsedSeconds
		tr.Error = r.Error
		tr.Isolation = r.Isolation
		tr.ExitCode = r.ExitCode
		tr.TimedOut = r.TimedOut
		rep.Results = append(rep.Results, tr)
	}
	return rep
}
