package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ksred/trading-engine/internal/database/migrations"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError is required: the idempotency ledger detects reservation
// races by matching gorm.ErrDuplicatedKey, which sqlite only surfaces when
// driver errors are translated.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Ledger writes come from concurrent symbol groups; sqlite needs a single
	// writer connection to avoid SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddIdempotencyLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewTestDatabase opens an isolated in-memory database with the full schema.
func NewTestDatabase() (*gorm.DB, error) {
	return NewDatabase("file::memory:?cache=private")
}
