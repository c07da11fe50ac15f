package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/channels"
	"github.com/adboard/adboard-api/internal/database/migrations"
	"github.com/adboard/adboard-api/internal/ledger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddEscrowTransactions(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddAdPostScheduleIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&ledger.User{},
		&ledger.AccountEntry{},
		&ledger.IdempotencyRecord{},
		&channels.Channel{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
