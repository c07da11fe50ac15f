package escrow

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTransaction(tx *gorm.DB, transaction *Transaction) error {
	return tx.Create(transaction).Error
}

// GetByOrderID fetches the escrow row for an order.
func (d *Database) GetByOrderID(tx *gorm.DB, orderID uint) (*Transaction, error) {
	var transaction Transaction
	if err := tx.Where("order_id = ?", orderID).First(&transaction).Error; err != nil {
		return nil, err
	}
	return &transaction, nil
}

// ResolveFromHeld moves the escrow row out of the held state. The WHERE
// clause on the current status makes the transition at-most-once: a second
// call matches zero rows.
func (d *Database) ResolveFromHeld(tx *gorm.DB, orderID uint, newStatus string) (bool, error) {
	now := time.Now()
	result := tx.Model(&Transaction{}).
		Where("order_id = ? AND status = ?", orderID, StatusHeld).
		Updates(map[string]interface{}{
			"status":      newStatus,
			"released_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// HeldTotalForBuyer sums the funds a buyer currently has locked in escrow.
func (d *Database) HeldTotalForBuyer(userID int64) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := d.db.Model(&Transaction{}).
		Select("SUM(amount)").
		Where("buyer_id = ? AND status = ?", userID, StatusHeld).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// GetHeldTransactions lists open escrow rows, newest first.
func (d *Database) GetHeldTransactions(limit int) ([]Transaction, error) {
	var transactions []Transaction
	if err := d.db.Where("status = ?", StatusHeld).
		Order("created_at DESC").
		Limit(limit).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}
