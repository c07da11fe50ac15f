// Package notify delivers fire-and-forget notifications to buyers and
// sellers on order transitions. Failures are logged and never block the
// transition that produced them.
package notify

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notifier receives one call per user-visible order event. Implementations
// must be non-blocking from the caller's perspective and must not return
// errors; delivery is best effort.
type Notifier interface {
	OrderPaid(buyerID, sellerID int64, orderID uint, price decimal.Decimal, scheduledTime time.Time)
	OrderApproved(buyerID, sellerID int64, orderID uint, price decimal.Decimal, scheduledTime time.Time)
	OrderRejected(buyerID, sellerID int64, orderID uint, price decimal.Decimal)
	OrderCancelled(buyerID, sellerID int64, orderID uint, price decimal.Decimal)
	OrderAutoCancelled(buyerID, sellerID int64, orderID uint, price decimal.Decimal)
	OrderPublished(buyerID, sellerID int64, orderID uint)
	OrderDeleted(buyerID, sellerID int64, orderID uint)
	ReviewRequested(buyerID, sellerID int64, orderID uint)
}

// Noop drops all notifications; used in tests and when no bot is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) OrderPaid(int64, int64, uint, decimal.Decimal, time.Time)     {}
func (Noop) OrderApproved(int64, int64, uint, decimal.Decimal, time.Time) {}
func (Noop) OrderRejected(int64, int64, uint, decimal.Decimal)            {}
func (Noop) OrderCancelled(int64, int64, uint, decimal.Decimal)           {}
func (Noop) OrderAutoCancelled(int64, int64, uint, decimal.Decimal)       {}
func (Noop) OrderPublished(int64, int64, uint)                            {}
func (Noop) OrderDeleted(int64, int64, uint)                              {}
func (Noop) ReviewRequested(int64, int64, uint)                           {}
