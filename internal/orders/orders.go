// Package orders owns the ad-post aggregate and its state machine. Every
// transition that moves money runs as one transaction across the order row,
// the escrow record and the ledger balance: either all commit or none do.
package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/escrow"
	"github.com/adboard/adboard-api/internal/ledger"
	"github.com/adboard/adboard-api/internal/notify"
	"github.com/adboard/adboard-api/internal/referral"
	"github.com/adboard/adboard-api/pkg/middleware"
	"github.com/adboard/adboard-api/pkg/response"
)

var (
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidDuration     = errors.New("duration must be positive or -1 for permanent")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSlotOccupied        = errors.New("time slot is occupied")
	ErrForbidden           = errors.New("actor is not permitted to perform this transition")
	ErrInvalidTransition   = errors.New("order status does not allow this transition")
)

// permanentLifetime approximates "never delete" for duration -1.
const permanentLifetime = 24 * time.Hour * 36500

// Service implements the order state machine.
type Service struct {
	db             *Database
	escrow         *escrow.Service
	ledger         *ledger.Database
	referral       *referral.Service
	commissionRate decimal.Decimal
}

func NewService(gormDB *gorm.DB, escrowService *escrow.Service, ledgerDB *ledger.Database, referralService *referral.Service, commissionRate decimal.Decimal) *Service {
	return &Service{
		db:             NewDatabase(gormDB),
		escrow:         escrowService,
		ledger:         ledgerDB,
		referral:       referralService,
		commissionRate: commissionRate,
	}
}

// GetDB exposes the orders database layer (used by the scheduler).
func (s *Service) GetDB() *Database {
	return s.db
}

// Create validates the purchase, then atomically inserts the pending order,
// debits the buyer and holds the full price in escrow. The conflict check
// runs inside the same transaction so two concurrent purchases cannot both
// claim the same slot.
func (s *Service) Create(buyerID int64, req *CreateOrderRequest) (*AdPost, error) {
	if !req.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if req.DurationHours <= 0 && req.DurationHours != PermanentDuration {
		return nil, ErrInvalidDuration
	}

	deleteTime := req.ScheduledTime.Add(time.Duration(req.DurationHours) * time.Hour)
	if req.DurationHours == PermanentDuration {
		deleteTime = req.ScheduledTime.Add(permanentLifetime)
	}

	post := &AdPost{
		BuyerID:        buyerID,
		SellerID:       req.SellerID,
		ChannelID:      req.ChannelID,
		PostText:       req.PostText,
		Price:          req.Price,
		CommissionRate: s.commissionRate,
		ScheduledTime:  req.ScheduledTime,
		DeleteTime:     deleteTime,
		Status:         StatusPending,
	}
	post.SetImages(req.PostImages)

	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		conflict, err := s.db.HasConflict(tx, req.SellerID, req.ScheduledTime)
		if err != nil {
			return fmt.Errorf("failed to check time slot: %w", err)
		}
		if conflict {
			return ErrSlotOccupied
		}

		buyer, err := s.ledger.GetOrCreateUser(tx, buyerID)
		if err != nil {
			return err
		}
		if buyer.Balance.LessThan(req.Price) {
			return ErrInsufficientBalance
		}

		if err := s.db.CreateAdPost(tx, post); err != nil {
			return fmt.Errorf("failed to create ad post: %w", err)
		}
		if err := s.ledger.AdjustBalance(tx, buyerID, req.Price, ledger.OpSubtract); err != nil {
			return fmt.Errorf("failed to debit buyer: %w", err)
		}
		if _, err := s.escrow.Hold(tx, post.ID, buyerID, req.SellerID, req.Price, s.commissionRate); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Uint("order_id", post.ID).
		Int64("buyer_id", buyerID).
		Int64("seller_id", req.SellerID).
		Str("price", req.Price.String()).
		Time("scheduled_time", post.ScheduledTime).
		Time("delete_time", post.DeleteTime).
		Msg("ad post created, funds held in escrow")

	return post, nil
}

// Get fetches one order.
func (s *Service) Get(id uint) (*AdPost, error) {
	return s.db.GetAdPost(s.db.DB(), id)
}

// Approve moves a pending order to approved. Only the order's seller may
// approve. Funds stay in escrow: release happens at deletion, after the full
// display window is served. The buyer's order statistics and an audit entry
// are written here, once the seller has committed to publish.
func (s *Service) Approve(id uint, actorID int64) (*AdPost, error) {
	var post *AdPost
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		post, err = s.db.GetAdPost(tx, id)
		if err != nil {
			return err
		}
		if post.SellerID != actorID {
			return ErrForbidden
		}
		if !post.Status.CanTransition(StatusApproved) {
			return ErrInvalidTransition
		}

		moved, err := s.db.UpdateStatus(tx, id, StatusPending, StatusApproved)
		if err != nil {
			return err
		}
		if !moved {
			return ErrInvalidTransition
		}

		if err := s.ledger.IncrementStats(tx, post.BuyerID, 1, post.Price); err != nil {
			return fmt.Errorf("failed to update buyer stats: %w", err)
		}
		return s.ledger.CreateAccountEntry(tx, &ledger.AccountEntry{
			UserID:      post.BuyerID,
			EntryType:   ledger.EntryTypeAdPost,
			Title:       fmt.Sprintf("Ad placement with seller %d", post.SellerID),
			Description: truncate(post.PostText, 100),
			Amount:      post.Price,
		})
	})
	if err != nil {
		return nil, err
	}

	post.Status = StatusApproved
	log.Info().
		Str("service", "orders").
		Uint("order_id", id).
		Int64("seller_id", actorID).
		Str("price", post.Price.String()).
		Msg("ad post approved, funds remain in escrow until deletion")

	return post, nil
}

// Reject moves a pending order to rejected and refunds the buyer in full.
// Only the order's seller may reject.
func (s *Service) Reject(id uint, actorID int64) (*AdPost, error) {
	return s.declineOrder(id, StatusRejected, func(post *AdPost) error {
		if post.SellerID != actorID {
			return ErrForbidden
		}
		return nil
	})
}

// Cancel moves a pending order to cancelled and refunds the buyer in full.
// Only the buyer may cancel, and only before approval.
func (s *Service) Cancel(id uint, actorID int64) (*AdPost, error) {
	return s.declineOrder(id, StatusCancelled, func(post *AdPost) error {
		if post.BuyerID != actorID {
			return ErrForbidden
		}
		return nil
	})
}

// AutoCancel is the scheduler-driven variant of reject: the publish instant
// arrived while the order was still pending, so the seller failed to act.
// Returns false when there was nothing to do.
func (s *Service) AutoCancel(id uint, now time.Time) (bool, error) {
	cancelled := false
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		post, err := s.db.GetAdPost(tx, id)
		if err != nil {
			return err
		}
		if post.Status != StatusPending || post.ScheduledTime.After(now) {
			return nil
		}

		moved, err := s.db.UpdateStatus(tx, id, StatusPending, StatusCancelled)
		if err != nil || !moved {
			return err
		}
		if err := s.refundWithFallback(tx, post); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		log.Info().
			Str("service", "orders").
			Uint("order_id", id).
			Msg("ad post auto-cancelled, seller did not act in time")
	}
	return cancelled, nil
}

// MarkPublished persists the external message handles after a successful
// publish call. Returns false when a concurrent tick already recorded them.
func (s *Service) MarkPublished(id uint, messageIDs []int) (bool, error) {
	post := &AdPost{}
	raw := encodeMessageIDs(messageIDs)

	marked := false
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		if post, err = s.db.GetAdPost(tx, id); err != nil {
			return err
		}
		marked, err = s.db.MarkPublished(tx, id, raw)
		return err
	})
	if err != nil {
		return false, err
	}
	if !marked {
		log.Warn().
			Str("service", "orders").
			Uint("order_id", id).
			Str("status", string(post.Status)).
			Msg("publish result not recorded, order already published or not approved")
	}
	return marked, nil
}

// Complete finalizes a published order: clears the message handles, marks it
// completed and releases the escrow to the seller. The seller-earning audit
// entry and the referral payouts ride the same transaction. Returns the
// release split, or (nil, nil) when there was nothing to do.
func (s *Service) Complete(id uint) (*escrow.ReleaseResult, error) {
	var release *escrow.ReleaseResult
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		post, err := s.db.GetAdPost(tx, id)
		if err != nil {
			return err
		}

		moved, err := s.db.MarkCompleted(tx, id)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}

		release, err = s.escrow.ReleaseToSeller(tx, id)
		if err != nil {
			return err
		}
		if release == nil {
			// Missing escrow row means legacy data or corruption: degrade to
			// a direct balance credit. An already-resolved escrow is left
			// alone, that is the at-most-once guarantee at work.
			exists, err := s.escrow.Exists(tx, id)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			commission := post.Price.Mul(post.CommissionRate).Round(2)
			sellerAmount := post.Price.Sub(commission)
			if err := s.ledger.AdjustBalance(tx, post.SellerID, sellerAmount, ledger.OpAdd); err != nil {
				return err
			}
			log.Warn().
				Str("service", "orders").
				Uint("order_id", id).
				Str("seller_amount", sellerAmount.String()).
				Msg("no escrow transaction found, credited seller directly")
			release = &escrow.ReleaseResult{
				SellerID:         post.SellerID,
				SellerAmount:     sellerAmount,
				CommissionAmount: commission,
				TotalAmount:      post.Price,
			}
		}

		if err := s.ledger.CreateAccountEntry(tx, &ledger.AccountEntry{
			UserID:      post.SellerID,
			EntryType:   ledger.EntryTypeSellerEarning,
			Title:       fmt.Sprintf("Earning from ad post #%d", id),
			Description: fmt.Sprintf("Paid placement for buyer %d", post.BuyerID),
			Amount:      release.SellerAmount,
		}); err != nil {
			return err
		}

		s.referral.ProcessCommissions(tx, id, post.BuyerID, post.SellerID, release.CommissionAmount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if release != nil {
		log.Info().
			Str("service", "orders").
			Uint("order_id", id).
			Str("seller_amount", release.SellerAmount.String()).
			Str("commission_amount", release.CommissionAmount.String()).
			Msg("ad post completed, escrow released")
	}
	return release, nil
}

// CheckSlot is the advisory pre-check for the conflict window. The
// authoritative check runs inside Create's transaction.
func (s *Service) CheckSlot(sellerID int64, t time.Time) (*SlotCheckResponse, error) {
	conflict, err := s.db.HasConflict(s.db.DB(), sellerID, t)
	if err != nil {
		return nil, err
	}
	if conflict {
		return &SlotCheckResponse{Available: false, Message: "This time slot is occupied, pick another time"}, nil
	}
	return &SlotCheckResponse{Available: true}, nil
}

// declineOrder is the shared pending -> {rejected,cancelled} path with a
// full refund.
func (s *Service) declineOrder(id uint, target Status, authorize func(*AdPost) error) (*AdPost, error) {
	var post *AdPost
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		post, err = s.db.GetAdPost(tx, id)
		if err != nil {
			return err
		}
		if err := authorize(post); err != nil {
			return err
		}
		if !post.Status.CanTransition(target) {
			return ErrInvalidTransition
		}

		moved, err := s.db.UpdateStatus(tx, id, StatusPending, target)
		if err != nil {
			return err
		}
		if !moved {
			return ErrInvalidTransition
		}
		return s.refundWithFallback(tx, post)
	})
	if err != nil {
		return nil, err
	}

	post.Status = target
	log.Info().
		Str("service", "orders").
		Uint("order_id", id).
		Str("status", string(target)).
		Str("refund", post.Price.String()).
		Msg("ad post declined, buyer refunded")

	return post, nil
}

// refundWithFallback refunds through escrow, degrading to a direct balance
// credit when the escrow row is missing entirely.
func (s *Service) refundWithFallback(tx *gorm.DB, post *AdPost) error {
	refund, err := s.escrow.RefundToBuyer(tx, post.ID)
	if err != nil {
		return err
	}
	if refund != nil {
		return nil
	}
	exists, err := s.escrow.Exists(tx, post.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.ledger.AdjustBalance(tx, post.BuyerID, post.Price, ledger.OpAdd); err != nil {
		return err
	}
	log.Warn().
		Str("service", "orders").
		Uint("order_id", post.ID).
		Str("amount", post.Price.String()).
		Msg("no escrow transaction found, refunded buyer directly")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func encodeMessageIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

// GinHandlers contains HTTP handlers for order endpoints. Transitions beyond
// approve/reject/cancel have no HTTP surface: publish, delete and
// auto-cancel belong to the scheduler alone.
type GinHandlers struct {
	service  *Service
	notifier notify.Notifier
}

func NewGinHandlers(service *Service, notifier notify.Notifier) *GinHandlers {
	return &GinHandlers{service: service, notifier: notifier}
}

// CreateOrderHandler handles POST requests creating a new ad post purchase.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		post, err := h.service.Create(buyerID, &req)
		switch {
		case errors.Is(err, ErrSlotOccupied):
			response.BadRequestCode(c, response.ErrCodeSlotOccupied, "This time slot is occupied, pick another time")
			return
		case errors.Is(err, ErrInsufficientBalance):
			response.BadRequestCode(c, response.ErrCodeInsufficientFunds, "Insufficient balance")
			return
		case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidDuration):
			response.BadRequest(c, err.Error())
			return
		}
		if err == nil {
			h.notifier.OrderPaid(post.BuyerID, post.SellerID, post.ID, post.Price, post.ScheduledTime)
		}
		response.Handle(c, post, err)
	}
}

// GetOrderHandler returns one order; only its buyer or seller may view it.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		id, err := parseOrderID(c)
		if err != nil {
			response.BadRequest(c, "Invalid order id")
			return
		}

		post, err := h.service.Get(id)
		if err != nil {
			response.NotFound(c, "Order not found")
			return
		}
		if post.BuyerID != userID && post.SellerID != userID {
			response.Forbidden(c, "Access denied")
			return
		}
		response.Success(c, post)
	}
}

// ListOrdersHandler returns the authenticated buyer's order history.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		posts, err := h.service.db.ListForBuyer(userID, 100)
		response.Handle(c, posts, err)
	}
}

// PendingOrdersHandler returns the authenticated seller's moderation queue.
func (h *GinHandlers) PendingOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		posts, err := h.service.db.PendingForSeller(userID)
		response.Handle(c, posts, err)
	}
}

// CheckSlotHandler is the advisory slot availability pre-check.
// Query parameters: seller_id, scheduled_time (RFC 3339).
func (h *GinHandlers) CheckSlotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID, err := strconv.ParseInt(c.Query("seller_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "seller_id is required")
			return
		}
		t, err := time.Parse(time.RFC3339, c.Query("scheduled_time"))
		if err != nil {
			response.BadRequest(c, "scheduled_time must be RFC 3339")
			return
		}

		result, err := h.service.CheckSlot(sellerID, t)
		response.Handle(c, result, err)
	}
}

// ApproveOrderHandler handles the seller approving a pending order.
func (h *GinHandlers) ApproveOrderHandler() gin.HandlerFunc {
	return h.transitionHandler(func(id uint, actorID int64) (*AdPost, error) {
		return h.service.Approve(id, actorID)
	}, func(post *AdPost) {
		h.notifier.OrderApproved(post.BuyerID, post.SellerID, post.ID, post.Price, post.ScheduledTime)
	})
}

// RejectOrderHandler handles the seller rejecting a pending order.
func (h *GinHandlers) RejectOrderHandler() gin.HandlerFunc {
	return h.transitionHandler(func(id uint, actorID int64) (*AdPost, error) {
		return h.service.Reject(id, actorID)
	}, func(post *AdPost) {
		h.notifier.OrderRejected(post.BuyerID, post.SellerID, post.ID, post.Price)
	})
}

// CancelOrderHandler handles the buyer cancelling a pending order.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return h.transitionHandler(func(id uint, actorID int64) (*AdPost, error) {
		return h.service.Cancel(id, actorID)
	}, func(post *AdPost) {
		h.notifier.OrderCancelled(post.BuyerID, post.SellerID, post.ID, post.Price)
	})
}

func (h *GinHandlers) transitionHandler(apply func(uint, int64) (*AdPost, error), notifyFn func(*AdPost)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		id, err := parseOrderID(c)
		if err != nil {
			response.BadRequest(c, "Invalid order id")
			return
		}

		post, err := apply(id, userID)
		switch {
		case errors.Is(err, ErrForbidden):
			response.Forbidden(c, "Access denied")
			return
		case errors.Is(err, ErrInvalidTransition):
			response.BadRequest(c, "This order has already been processed")
			return
		}
		if err == nil {
			notifyFn(post)
		}
		response.Handle(c, post, err)
	}
}

func parseOrderID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("order_id"), 10, 32)
	return uint(id), err
}
