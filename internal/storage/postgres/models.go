package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ReportModel maps to the "scan_reports" table.
type ReportModel struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TaskType     string        `gorm:"not null;index:idx_reports_task_created,priority:1"`
	Target       string        `gorm:"not null"`
	SuccessCount int           `gorm:"not null;default:0"`
	FailureCount int           `gorm:"not null;default:0"`
	Total        int           `gorm:"not null;default:0"`
	Results      []ResultModel `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time     `gorm:"index:idx_reports_task_created,priority:2"`
}

func (ReportModel) TableName() string { return "scan_reports" }

// ResultModel maps to the "scan_results" table.
type ResultModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReportID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Position       int       `gorm:"not null"`
	Name           string    `gorm:"not null"`
	Command        string    `gorm:"type:text;not null"`
	Success        bool      `gorm:"not null;default:false"`
	Output         string    `gorm:"type:text"`
	ElapsedSeconds float64   `gorm:"not null;default:0"`
	Error          string    `gorm:"type:text"`
	Isolation      string
	ExitCode       int
	TimedOut       bool `gorm:"not null;default:false"`
}

func (ResultModel) TableName() string { return "scan_results" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{&ReportModel{}, &ResultModel{}}
}
