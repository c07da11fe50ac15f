package migrations

import (
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/escrow"
)

// AddEscrowTransactions creates the escrow transactions table and its
// status index
func AddEscrowTransactions(db *gorm.DB) error {
	if err := db.AutoMigrate(&escrow.Transaction{}); err != nil {
		return err
	}

	// Index for the held-funds sweep and per-buyer held totals
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_status
		 ON escrow_transactions(status)`,

		`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_buyer_status
		 ON escrow_transactions(buyer_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
