package postgres

import (
	"context"

	"github.com/jkaninda/umbravault/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB    *DB
	reports *ReportRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:    pgDB,
		reports: NewReportRepository(pgDB.GormDB()),
	}
}

func (s *Store) Reports() storage.ReportStore { return s.reports }

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
