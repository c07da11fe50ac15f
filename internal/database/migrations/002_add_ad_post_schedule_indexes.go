package migrations

import (
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/orders"
)

// AddAdPostScheduleIndexes creates the ad posts table and the indexes the
// scheduler sweeps depend on
func AddAdPostScheduleIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&orders.AdPost{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Conflict checks scan a seller's orders around a scheduled time
		`CREATE INDEX IF NOT EXISTS idx_ad_posts_seller_status_scheduled
		 ON ad_posts(seller_id, status, scheduled_time)`,

		// Scheduler sweeps filter on status plus one of the time columns
		`CREATE INDEX IF NOT EXISTS idx_ad_posts_status_scheduled
		 ON ad_posts(status, scheduled_time)`,

		`CREATE INDEX IF NOT EXISTS idx_ad_posts_status_delete_time
		 ON ad_posts(status, delete_time)`,

		// Buyer order listings
		`CREATE INDEX IF NOT EXISTS idx_ad_posts_buyer_id
		 ON ad_posts(buyer_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
