package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/umbravault/internal/storage"
)

const defaultListLimit = 50

// ReportRepository implements storage.ReportStore with GORM.
// It is dialect-neutral and also backs the SQLite store.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Save persists a report and its results in one transaction.
func (r *ReportRepository) Save(ctx context.Context, rep *storage.Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	model := toReportModel(rep)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("saving report %s: %w", rep.ID, err)
	}
	return nil
}

// Get retrieves a report with its results in run order.
func (r *ReportRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Report, error) {
	var model ReportModel
	err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}
	return toReportDomain(&model), nil
}

// List returns report headers, newest first. Results are not loaded.
func (r *ReportRepository) List(ctx context.Context, filter storage.ListFilter) ([]*storage.Report, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var models []ReportModel
	err := r.db.WithContext(ctx).
		Scopes(TaskTypeScope(filter.TaskType), SinceScope(filter.Since)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	reports := make([]*storage.Report, len(models))
	for i := range models {
		reports[i] = toReportDomain(&models[i])
	}
	return reports, nil
}

// compile-time interface check
var _ storage.ReportStore = (*ReportRepository)(nil)
