package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// User carries the authoritative balance plus the running statistics the
// marketplace maintains per account. Profile fields live outside this core.
type User struct {
	ID          uint            `gorm:"primarykey" json:"-"`
	UserID      int64           `gorm:"uniqueIndex" json:"user_id"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance"`
	TotalOrders int             `json:"total_orders"`
	TotalSpent  decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_spent"`

	// Referral bookkeeping. ReferrerID is set once at first contact and
	// never rewritten.
	ReferrerID                  *int64          `json:"referrer_id,omitempty"`
	ReferralCommissionReceived  decimal.Decimal `gorm:"type:decimal(20,2)" json:"referral_commission_received"`
	ReferralCommissionGenerated decimal.Decimal `gorm:"type:decimal(20,2)" json:"referral_commission_generated"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountEntry is an audit row describing a money-relevant event for one
// user. Entries are append-only and never drive balance computation.
type AccountEntry struct {
	ID          uint            `gorm:"primarykey" json:"id"`
	UserID      int64           `gorm:"index" json:"user_id"`
	EntryType   string          `json:"entry_type"` // ad_post, seller_earning, top_up
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	EntryTypeAdPost        = "ad_post"
	EntryTypeSellerEarning = "seller_earning"
	EntryTypeTopUp         = "top_up"
)

// IdempotencyRecord prevents duplicate application of client-retried
// requests, keyed by the Idempotency-Key header.
type IdempotencyRecord struct {
	ID             uint      `gorm:"primarykey"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
