package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/umbravault/internal/storage"
)

func toReportModel(r *storage.Report) ReportModel {
	m := ReportModel{
		ID:           r.ID,
		TaskType:     r.TaskType,
		Target:       r.Target,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		Total:        r.Total,
		CreatedAt:    r.CreatedAt,
		Results:      make([]ResultModel, len(r.Results)),
	}
	for i, res := range r.Results {
		m.Results[i] = ResultModel{
			ID:             uuid.New(),
			ReportID:       r.ID,
			Position:       i,
			Name:           res.Name,
			Command:        res.Command,
			Success:        res.Success,
			Output:         res.Output,
			ElapsedSeconds: res.ElapsedSeconds,
			Error:          res.Error,
			Isolation:      res.Isolation,
			ExitCode:       res.ExitCode,
			TimedOut:       res.TimedOut,
		}
	}
	return m
}

func toReportDomain(m *ReportModel) *storage.Report {
	r := &storage.Report{
		ID:           m.ID,
		CreatedAt:    m.CreatedAt.UTC(),
		TaskType:     m.TaskType,
		Target:       m.Target,
		SuccessCount: m.SuccessCount,
		FailureCount: m.FailureCount,
		Total:        m.Total,
	}
	if len(m.Results) > 0 {
		r.Results = make([]storage.Result, len(m.Results))
		for i, res := range m.Results {
			r.Results[i] = storage.Result{
				Position:       res.Position,
				Name:           res.Name,
				Command:        res.Command,
				Success:        res.Success,
				Output:         res.Output,
				ElapsedSeconds: res.ElapsedSeconds,
				Error:          res.Error,
				Isolation:      res.Isolation,
				ExitCode:       res.ExitCode,
				TimedOut:       res.TimedOut,
			}
		}
	}
	return r
}
