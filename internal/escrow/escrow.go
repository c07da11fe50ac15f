// Package escrow owns the held-funds record decoupling buyer payment from
// seller settlement. Every order holds its full price here at creation and
// resolves exactly once: released to the seller minus commission, or
// refunded to the buyer in full.
package escrow

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/ledger"
)

var ErrAlreadyHeld = errors.New("escrow already exists for order")

// Service handles escrow hold, release and refund. All mutating methods take
// the caller's transaction handle so the escrow movement commits atomically
// with the order transition that motivates it.
type Service struct {
	db     *Database
	ledger *ledger.Database
}

func NewService(gormDB *gorm.DB, ledgerDB *ledger.Database) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: ledgerDB,
	}
}

// Hold creates a new held record for the order. Fails if one already exists.
func (s *Service) Hold(tx *gorm.DB, orderID uint, buyerID, sellerID int64, amount, commissionRate decimal.Decimal) (*Transaction, error) {
	if _, err := s.db.GetByOrderID(tx, orderID); err == nil {
		return nil, ErrAlreadyHeld
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	transaction := &Transaction{
		OrderID:        orderID,
		BuyerID:        buyerID,
		SellerID:       sellerID,
		Amount:         amount,
		CommissionRate: commissionRate,
		Status:         StatusHeld,
	}
	if err := s.db.CreateTransaction(tx, transaction); err != nil {
		return nil, fmt.Errorf("failed to create escrow transaction: %w", err)
	}

	log.Info().
		Str("service", "escrow").
		Uint("order_id", orderID).
		Int64("buyer_id", buyerID).
		Int64("seller_id", sellerID).
		Str("amount", amount.String()).
		Msg("funds held in escrow")

	return transaction, nil
}

// ReleaseToSeller settles a held escrow to the seller: the commission stays
// with the platform, the remainder is credited to the seller balance.
// Returns (nil, nil) when the escrow is missing or already resolved; callers
// treat that as an idempotent no-op.
func (s *Service) ReleaseToSeller(tx *gorm.DB, orderID uint) (*ReleaseResult, error) {
	escrowTx, err := s.db.GetByOrderID(tx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn().
			Str("service", "escrow").
			Uint("order_id", orderID).
			Msg("release requested but no escrow transaction found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resolved, err := s.db.ResolveFromHeld(tx, orderID, StatusReleasedToSeller)
	if err != nil {
		return nil, err
	}
	if !resolved {
		log.Warn().
			Str("service", "escrow").
			Uint("order_id", orderID).
			Str("status", escrowTx.Status).
			Msg("escrow already resolved, release skipped")
		return nil, nil
	}

	commissionAmount := escrowTx.Amount.Mul(escrowTx.CommissionRate).Round(2)
	sellerAmount := escrowTx.Amount.Sub(commissionAmount)

	if err := s.ledger.AdjustBalance(tx, escrowTx.SellerID, sellerAmount, ledger.OpAdd); err != nil {
		return nil, fmt.Errorf("failed to credit seller balance: %w", err)
	}

	log.Info().
		Str("service", "escrow").
		Uint("order_id", orderID).
		Int64("seller_id", escrowTx.SellerID).
		Str("seller_amount", sellerAmount.String()).
		Str("commission_amount", commissionAmount.String()).
		Msg("escrow released to seller")

	return &ReleaseResult{
		SellerID:         escrowTx.SellerID,
		SellerAmount:     sellerAmount,
		CommissionAmount: commissionAmount,
		TotalAmount:      escrowTx.Amount,
	}, nil
}

// RefundToBuyer returns the full held amount to the buyer. Same idempotency
// contract as ReleaseToSeller.
func (s *Service) RefundToBuyer(tx *gorm.DB, orderID uint) (*RefundResult, error) {
	escrowTx, err := s.db.GetByOrderID(tx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn().
			Str("service", "escrow").
			Uint("order_id", orderID).
			Msg("refund requested but no escrow transaction found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resolved, err := s.db.ResolveFromHeld(tx, orderID, StatusRefundedToBuyer)
	if err != nil {
		return nil, err
	}
	if !resolved {
		log.Warn().
			Str("service", "escrow").
			Uint("order_id", orderID).
			Str("status", escrowTx.Status).
			Msg("escrow already resolved, refund skipped")
		return nil, nil
	}

	if err := s.ledger.AdjustBalance(tx, escrowTx.BuyerID, escrowTx.Amount, ledger.OpAdd); err != nil {
		return nil, fmt.Errorf("failed to credit buyer balance: %w", err)
	}

	log.Info().
		Str("service", "escrow").
		Uint("order_id", orderID).
		Int64("buyer_id", escrowTx.BuyerID).
		Str("amount", escrowTx.Amount.String()).
		Msg("escrow refunded to buyer")

	return &RefundResult{
		BuyerID:      escrowTx.BuyerID,
		RefundAmount: escrowTx.Amount,
	}, nil
}

// Exists reports whether any escrow row exists for the order, regardless of
// its state. Used by callers to tell "missing row" apart from "already
// resolved" before falling back to a direct credit.
func (s *Service) Exists(tx *gorm.DB, orderID uint) (bool, error) {
	_, err := s.db.GetByOrderID(tx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HeldTotalForBuyer implements ledger.EscrowBalances.
func (s *Service) HeldTotalForBuyer(userID int64) (decimal.Decimal, error) {
	return s.db.HeldTotalForBuyer(userID)
}

// GetByOrderID exposes the escrow row for inspection.
func (s *Service) GetByOrderID(orderID uint) (*Transaction, error) {
	return s.db.GetByOrderID(s.db.db, orderID)
}
