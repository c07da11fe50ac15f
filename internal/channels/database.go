package channels

import "gorm.io/gorm"

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(channel *Channel) error {
	return d.db.Create(channel).Error
}

func (d *Database) GetByID(id uint) (*Channel, error) {
	var channel Channel
	if err := d.db.First(&channel, id).Error; err != nil {
		return nil, err
	}
	return &channel, nil
}

// FirstForSeller returns the seller's oldest registered channel; used as the
// publish target for legacy orders created without a channel reference.
func (d *Database) FirstForSeller(sellerID int64) (*Channel, error) {
	var channel Channel
	if err := d.db.Where("seller_id = ?", sellerID).
		Order("created_at ASC").
		First(&channel).Error; err != nil {
		return nil, err
	}
	return &channel, nil
}

func (d *Database) ListForSeller(sellerID int64) ([]Channel, error) {
	var list []Channel
	if err := d.db.Where("seller_id = ?", sellerID).
		Order("created_at ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
