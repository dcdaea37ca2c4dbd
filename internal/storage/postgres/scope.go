package postgres

import (
	"time"

	"gorm.io/gorm"
)

// TaskTypeScope filters reports by task type. An empty task type matches all.
func TaskTypeScope(taskType string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if taskType == "" {
			return db
		}
		return db.Where("task_type = ?", taskType)
	}
}

// SinceScope keeps reports created at or after since. A zero time matches all.
func SinceScope(since time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if since.IsZero() {
			return db
		}
		return db.Where("created_at >= ?", since.UTC())
	}
}
