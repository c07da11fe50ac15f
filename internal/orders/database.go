package orders

import (
	"time"

	"gorm.io/gorm"
)

// conflictWindow is the buffer a seller needs between placements. The window
// is inclusive on both ends, matching BETWEEN semantics: a post at exactly
// +/-60 minutes still occupies the slot.
const conflictWindow = time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateAdPost(tx *gorm.DB, post *AdPost) error {
	return tx.Create(post).Error
}

func (d *Database) GetAdPost(tx *gorm.DB, id uint) (*AdPost, error) {
	var post AdPost
	if err := tx.First(&post, id).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

// UpdateStatus moves the order to newStatus, guarded by the expected current
// status so concurrent actors cannot double-apply a transition. Returns
// false when the guard matched no row.
func (d *Database) UpdateStatus(tx *gorm.DB, id uint, from, to Status) (bool, error) {
	result := tx.Model(&AdPost{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// HasConflict reports whether the seller already has a pending or approved
// order scheduled inside [t-1h, t+1h], both bounds inclusive.
func (d *Database) HasConflict(tx *gorm.DB, sellerID int64, t time.Time) (bool, error) {
	var count int64
	err := tx.Model(&AdPost{}).
		Where("seller_id = ? AND status IN ? AND scheduled_time >= ? AND scheduled_time <= ?",
			sellerID,
			[]Status{StatusPending, StatusApproved},
			t.Add(-conflictWindow),
			t.Add(conflictWindow),
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkPublished records the external message handles and the publish
// timestamp. Guarded on the handles still being empty so a duplicate
// scheduler tick cannot overwrite a publish.
func (d *Database) MarkPublished(tx *gorm.DB, id uint, messageIDs string) (bool, error) {
	now := time.Now()
	result := tx.Model(&AdPost{}).
		Where("id = ? AND status = ? AND (telegram_message_ids IS NULL OR telegram_message_ids = '')",
			id, StatusApproved).
		Updates(map[string]interface{}{
			"telegram_message_ids": messageIDs,
			"posted_at":            now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted clears the message handles and finalizes the order.
func (d *Database) MarkCompleted(tx *gorm.DB, id uint) (bool, error) {
	now := time.Now()
	result := tx.Model(&AdPost{}).
		Where("id = ? AND status = ?", id, StatusApproved).
		Updates(map[string]interface{}{
			"telegram_message_ids": "",
			"status":               StatusCompleted,
			"deleted_at":           now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DuePendingPosts finds pending orders whose publish instant has passed:
// the seller never acted, so they are auto-cancel candidates.
func (d *Database) DuePendingPosts(now time.Time) ([]AdPost, error) {
	var posts []AdPost
	if err := d.db.
		Where("status = ? AND scheduled_time <= ?", StatusPending, now).
		Order("id").
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// DuePublishPosts finds approved, not yet published orders whose publish
// instant has passed.
func (d *Database) DuePublishPosts(now time.Time) ([]AdPost, error) {
	var posts []AdPost
	if err := d.db.
		Where("status = ? AND scheduled_time <= ? AND (telegram_message_ids IS NULL OR telegram_message_ids = '') AND posted_at IS NULL",
			StatusApproved, now).
		Order("id").
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// DueDeletePosts finds published orders whose removal instant has passed.
func (d *Database) DueDeletePosts(now time.Time) ([]AdPost, error) {
	var posts []AdPost
	if err := d.db.
		Where("status = ? AND delete_time <= ? AND telegram_message_ids IS NOT NULL AND telegram_message_ids != ''",
			StatusApproved, now).
		Order("id").
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// PendingForSeller lists the seller's moderation queue.
func (d *Database) PendingForSeller(sellerID int64) ([]AdPost, error) {
	var posts []AdPost
	if err := d.db.
		Where("seller_id = ? AND status = ?", sellerID, StatusPending).
		Order("scheduled_time ASC").
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// ListForBuyer lists the buyer's order history, newest first.
func (d *Database) ListForBuyer(buyerID int64, limit int) ([]AdPost, error) {
	var posts []AdPost
	if err := d.db.
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}
