// Package referral pays the two-sided affiliate cut when an order settles:
// a fixed share of the platform commission goes to the buyer's referrer and,
// independently, to the seller's referrer.
package referral

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/ledger"
)

// Service computes and credits referral commissions. Payouts are
// best-effort: a failure on one side is logged and never blocks the escrow
// release that triggered it, nor the other side's payout.
type Service struct {
	ledger    *ledger.Database
	shareRate decimal.Decimal
}

func NewService(ledgerDB *ledger.Database, shareRate decimal.Decimal) *Service {
	return &Service{
		ledger:    ledgerDB,
		shareRate: shareRate,
	}
}

// ProcessCommissions pays each side's referrer shareRate * commissionAmount.
// Runs inside the caller's transaction so a committed release carries its
// payouts; individual side failures are swallowed by design.
func (s *Service) ProcessCommissions(tx *gorm.DB, orderID uint, buyerID, sellerID int64, commissionAmount decimal.Decimal) {
	reward := commissionAmount.Mul(s.shareRate).Round(2)
	if !reward.IsPositive() {
		return
	}

	s.paySide(tx, orderID, buyerID, reward, "buyer")
	s.paySide(tx, orderID, sellerID, reward, "seller")
}

func (s *Service) paySide(tx *gorm.DB, orderID uint, userID int64, reward decimal.Decimal, side string) {
	logger := log.With().
		Str("service", "referral").
		Uint("order_id", orderID).
		Str("side", side).
		Int64("user_id", userID).
		Logger()

	user, err := s.ledger.GetUser(tx, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error().Err(err).Msg("failed to load user for referral payout")
		}
		return
	}
	if user.ReferrerID == nil {
		return
	}

	referrerID := *user.ReferrerID
	if err := s.ledger.AdjustBalance(tx, referrerID, reward, ledger.OpAdd); err != nil {
		logger.Error().Err(err).Int64("referrer_id", referrerID).Msg("failed to credit referrer")
		return
	}
	if err := s.ledger.AddReferralReceived(tx, referrerID, reward); err != nil {
		logger.Error().Err(err).Int64("referrer_id", referrerID).Msg("failed to update referrer totals")
	}
	if err := s.ledger.AddReferralGenerated(tx, userID, reward); err != nil {
		logger.Error().Err(err).Msg("failed to update generated totals")
	}

	logger.Info().
		Int64("referrer_id", referrerID).
		Str("reward", reward.String()).
		Msg("referral commission paid")
}
