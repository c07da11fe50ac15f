package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusHeld             = "held"
	StatusReleasedToSeller = "released_to_seller"
	StatusRefundedToBuyer  = "refunded_to_buyer"
)

// Transaction is the held-funds record for one order. Exactly one exists per
// order; it leaves the held state at most once.
type Transaction struct {
	ID             uint            `gorm:"primarykey" json:"id"`
	OrderID        uint            `gorm:"uniqueIndex" json:"order_id"`
	BuyerID        int64           `gorm:"index" json:"buyer_id"`
	SellerID       int64           `gorm:"index" json:"seller_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	CommissionRate decimal.Decimal `gorm:"type:decimal(6,4)" json:"commission_rate"`
	Status         string          `gorm:"index;default:held" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
}

// ReleaseResult reports the split applied when escrow is released.
type ReleaseResult struct {
	SellerID         int64           `json:"seller_id"`
	SellerAmount     decimal.Decimal `json:"seller_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
}

// RefundResult reports the amount returned to the buyer.
type RefundResult struct {
	BuyerID      int64           `json:"buyer_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}
