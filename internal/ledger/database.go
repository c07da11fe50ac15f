package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Op selects how AdjustBalance mutates the stored balance.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
	OpSet      Op = "set"
)

var ErrUnknownOp = errors.New("unknown balance operation")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for transaction composition by callers.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// GetUser fetches a user row by its external user id.
func (d *Database) GetUser(tx *gorm.DB, userID int64) (*User, error) {
	var user User
	if err := tx.Where("user_id = ?", userID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrCreateUser fetches the user row, inserting a zero-balance row on
// first contact.
func (d *Database) GetOrCreateUser(tx *gorm.DB, userID int64) (*User, error) {
	user, err := d.GetUser(tx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	user = &User{UserID: userID, Balance: decimal.Zero}
	if err := tx.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user %d: %w", userID, err)
	}
	return user, nil
}

// AdjustBalance applies an add/subtract/set mutation to the user balance.
// No sign validation happens here; callers pre-check coverage before a
// subtract. Must run inside the same transaction as the mutation that
// motivates it.
func (d *Database) AdjustBalance(tx *gorm.DB, userID int64, amount decimal.Decimal, op Op) error {
	user, err := d.GetOrCreateUser(tx, userID)
	if err != nil {
		return err
	}

	switch op {
	case OpAdd:
		user.Balance = user.Balance.Add(amount)
	case OpSubtract:
		user.Balance = user.Balance.Sub(amount)
	case OpSet:
		user.Balance = amount
	default:
		return ErrUnknownOp
	}

	return tx.Model(&User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    user.Balance,
			"updated_at": time.Now(),
		}).Error
}

// IncrementStats bumps the buyer-side order count and lifetime spend.
func (d *Database) IncrementStats(tx *gorm.DB, userID int64, orders int, spent decimal.Decimal) error {
	user, err := d.GetOrCreateUser(tx, userID)
	if err != nil {
		return err
	}
	return tx.Model(&User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"total_orders": user.TotalOrders + orders,
			"total_spent":  user.TotalSpent.Add(spent),
			"updated_at":   time.Now(),
		}).Error
}

// AddReferralReceived credits the referrer's running commission total.
func (d *Database) AddReferralReceived(tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	user, err := d.GetUser(tx, userID)
	if err != nil {
		return err
	}
	return tx.Model(&User{}).
		Where("user_id = ?", userID).
		Update("referral_commission_received", user.ReferralCommissionReceived.Add(amount)).Error
}

// AddReferralGenerated bumps the referred user's generated-commission total.
func (d *Database) AddReferralGenerated(tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	user, err := d.GetUser(tx, userID)
	if err != nil {
		return err
	}
	return tx.Model(&User{}).
		Where("user_id = ?", userID).
		Update("referral_commission_generated", user.ReferralCommissionGenerated.Add(amount)).Error
}

// CreateAccountEntry appends an audit entry.
func (d *Database) CreateAccountEntry(tx *gorm.DB, entry *AccountEntry) error {
	return tx.Create(entry).Error
}

// GetAccountEntries lists recent audit entries for a user.
func (d *Database) GetAccountEntries(userID int64, limit int) ([]AccountEntry, error) {
	var entries []AccountEntry
	if err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// GetIdempotencyRecord looks up a prior request by its idempotency key.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateIdempotencyRecord registers a handled request key.
func (d *Database) CreateIdempotencyRecord(tx *gorm.DB, key, resourceID, resourceType string) error {
	return tx.Create(&IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}).Error
}
