package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/pkg/middleware"
	"github.com/adboard/adboard-api/pkg/response"
)

var ErrInvalidAmount = errors.New("top-up amount must be positive")

// EscrowBalances reports funds currently held against a buyer; implemented
// by the escrow service and injected to avoid a package cycle.
type EscrowBalances interface {
	HeldTotalForBuyer(userID int64) (decimal.Decimal, error)
}

// Service is the Money Ledger: the only mutation path for user balances.
type Service struct {
	db     *Database
	escrow EscrowBalances
}

func NewService(gormDB *gorm.DB, escrow EscrowBalances) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		escrow: escrow,
	}
}

// GetDB exposes the ledger database layer for composition by other services.
func (s *Service) GetDB() *Database {
	return s.db
}

// BalanceResponse is the user-facing balance projection.
type BalanceResponse struct {
	UserID       int64           `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	HeldInEscrow decimal.Decimal `json:"held_in_escrow"`
}

// GetBalance returns the spendable balance plus the escrow-held total.
func (s *Service) GetBalance(userID int64) (*BalanceResponse, error) {
	var user *User
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var txErr error
		user, txErr = s.db.GetOrCreateUser(tx, userID)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	held := decimal.Zero
	if s.escrow != nil {
		if held, err = s.escrow.HeldTotalForBuyer(userID); err != nil {
			return nil, fmt.Errorf("failed to fetch escrow total: %w", err)
		}
	}

	return &BalanceResponse{
		UserID:       userID,
		Balance:      user.Balance,
		HeldInEscrow: held,
	}, nil
}

// SetReferrer records who referred the user. The first referrer wins; later
// calls are no-ops.
func (s *Service) SetReferrer(userID, referrerID int64) error {
	if userID == referrerID {
		return nil
	}
	return s.db.DB().Transaction(func(tx *gorm.DB) error {
		user, err := s.db.GetOrCreateUser(tx, userID)
		if err != nil {
			return err
		}
		if user.ReferrerID != nil {
			return nil
		}
		return tx.Model(&User{}).
			Where("user_id = ?", userID).
			Update("referrer_id", referrerID).Error
	})
}

// TopUp credits the user balance outside of any order flow (manual balance
// top-up per the external payment path). Duplicate submissions carrying the
// same idempotency key are applied once.
func (s *Service) TopUp(userID int64, amount decimal.Decimal, idempotencyKey string) (*BalanceResponse, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record.ExpiresAt.After(time.Now()) {
		log.Warn().
			Str("service", "ledger").
			Int64("user_id", userID).
			Str("idempotency_key", idempotencyKey).
			Msg("duplicate top-up request ignored")
		return s.GetBalance(userID)
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.db.AdjustBalance(tx, userID, amount, OpAdd); err != nil {
			return err
		}
		if err := s.db.CreateAccountEntry(tx, &AccountEntry{
			UserID:    userID,
			EntryType: EntryTypeTopUp,
			Title:     "Balance top-up",
			Amount:    amount,
		}); err != nil {
			return err
		}
		return s.db.CreateIdempotencyRecord(tx, idempotencyKey, uuid.New().String(), "top_up")
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "ledger").
		Int64("user_id", userID).
		Str("amount", amount.String()).
		Msg("balance topped up")

	return s.GetBalance(userID)
}

// GinHandlers contains HTTP handlers for balance endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetBalanceHandler handles GET requests for the authenticated user balance.
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		balance, err := h.service.GetBalance(userID)
		response.Handle(c, balance, err)
	}
}

// TopUpHandler handles POST requests crediting the authenticated user.
// Requires an Idempotency-Key header.
func (h *GinHandlers) TopUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var request struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		balance, err := h.service.TopUp(userID, request.Amount, idempotencyKey)
		if errors.Is(err, ErrInvalidAmount) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, balance, err)
	}
}

// GetAccountEntriesHandler lists the authenticated user's audit entries.
func (h *GinHandlers) GetAccountEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		entries, err := h.service.db.GetAccountEntries(userID, 50)
		response.Handle(c, entries, err)
	}
}
