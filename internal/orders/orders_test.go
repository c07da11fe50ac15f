package orders

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adboard/adboard-api/internal/escrow"
	"github.com/adboard/adboard-api/internal/ledger"
	"github.com/adboard/adboard-api/internal/referral"
)

const (
	buyerID  = int64(100)
	sellerID = int64(200)
)

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:orders_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(&AdPost{}, &escrow.Transaction{}, &ledger.User{}, &ledger.AccountEntry{})
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

type fixture struct {
	db       *gorm.DB
	service  *Service
	ledgerDB *ledger.Database
	escrow   *escrow.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	ledgerDB := ledger.NewDatabase(db)
	escrowService := escrow.NewService(db, ledgerDB)
	referralService := referral.NewService(ledgerDB, dec(t, "0.15"))
	service := NewService(db, escrowService, ledgerDB, referralService, dec(t, "0.10"))
	return &fixture{db: db, service: service, ledgerDB: ledgerDB, escrow: escrowService}
}

func (f *fixture) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	if err := f.ledgerDB.AdjustBalance(f.db, userID, dec(t, amount), ledger.OpSet); err != nil {
		t.Fatalf("failed to fund user %d: %v", userID, err)
	}
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	user, err := f.ledgerDB.GetUser(f.db, userID)
	if err != nil {
		t.Fatalf("failed to read balance for %d: %v", userID, err)
	}
	return user.Balance
}

func (f *fixture) createOrder(t *testing.T, price string, scheduled time.Time) *AdPost {
	t.Helper()
	post, err := f.service.Create(buyerID, &CreateOrderRequest{
		SellerID:      sellerID,
		PostText:      "Test ad placement",
		ScheduledTime: scheduled,
		DurationHours: 24,
		Price:         dec(t, price),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return post
}

func TestCreateHoldsFundsInEscrow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")

	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	if post.Status != StatusPending {
		t.Errorf("status = %s, want pending", post.Status)
	}
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "700")) {
		t.Errorf("buyer balance = %s, want 700", got)
	}

	escrowTx, err := f.escrow.GetByOrderID(post.ID)
	if err != nil {
		t.Fatalf("escrow row missing: %v", err)
	}
	if escrowTx.Status != escrow.StatusHeld {
		t.Errorf("escrow status = %s, want held", escrowTx.Status)
	}
	if !escrowTx.Amount.Equal(dec(t, "300")) {
		t.Errorf("escrow amount = %s, want 300", escrowTx.Amount)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	scheduled := time.Now().Add(48 * time.Hour)

	_, err := f.service.Create(buyerID, &CreateOrderRequest{
		SellerID: sellerID, ScheduledTime: scheduled, DurationHours: 24, Price: dec(t, "-5"),
	})
	if err != ErrInvalidPrice {
		t.Errorf("negative price: got %v, want ErrInvalidPrice", err)
	}

	_, err = f.service.Create(buyerID, &CreateOrderRequest{
		SellerID: sellerID, ScheduledTime: scheduled, DurationHours: 0, Price: dec(t, "10"),
	})
	if err != ErrInvalidDuration {
		t.Errorf("zero duration: got %v, want ErrInvalidDuration", err)
	}

	_, err = f.service.Create(buyerID, &CreateOrderRequest{
		SellerID: sellerID, ScheduledTime: scheduled, DurationHours: 24, Price: dec(t, "5000"),
	})
	if err != ErrInsufficientBalance {
		t.Errorf("over budget: got %v, want ErrInsufficientBalance", err)
	}

	// Nothing was debited by the failed attempts
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "1000")) {
		t.Errorf("buyer balance after failed creates = %s, want 1000", got)
	}
}

func TestPermanentDurationPushesDeleteTimeOut(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	scheduled := time.Now().Add(48 * time.Hour)

	post, err := f.service.Create(buyerID, &CreateOrderRequest{
		SellerID:      sellerID,
		ScheduledTime: scheduled,
		DurationHours: PermanentDuration,
		Price:         dec(t, "100"),
	})
	if err != nil {
		t.Fatalf("Create permanent: %v", err)
	}

	if post.DeleteTime.Before(scheduled.Add(24 * time.Hour * 365 * 50)) {
		t.Errorf("permanent delete time %s is not far enough in the future", post.DeleteTime)
	}
}

func TestConflictWindowBoundary(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "10000")
	base := time.Now().Add(72 * time.Hour).Truncate(time.Second)

	f.createOrder(t, "100", base)

	cases := []struct {
		name     string
		offset   time.Duration
		conflict bool
	}{
		{"same instant", 0, true},
		{"plus 30 minutes", 30 * time.Minute, true},
		{"exactly plus 60 minutes", 60 * time.Minute, true},
		{"exactly minus 60 minutes", -60 * time.Minute, true},
		{"plus 61 minutes", 61 * time.Minute, false},
		{"minus 61 minutes", -61 * time.Minute, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.service.CheckSlot(sellerID, base.Add(tc.offset))
			if err != nil {
				t.Fatalf("CheckSlot: %v", err)
			}
			if result.Available == tc.conflict {
				t.Errorf("available = %v, want %v", result.Available, !tc.conflict)
			}

			_, err = f.service.Create(buyerID, &CreateOrderRequest{
				SellerID:      sellerID,
				ScheduledTime: base.Add(tc.offset),
				DurationHours: 24,
				Price:         dec(t, "100"),
			})
			if tc.conflict && err != ErrSlotOccupied {
				t.Errorf("Create: got %v, want ErrSlotOccupied", err)
			}
			if !tc.conflict && err != nil {
				t.Errorf("Create: %v", err)
			}
		})
	}
}

func TestConflictIgnoresResolvedOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "10000")
	base := time.Now().Add(72 * time.Hour)

	post := f.createOrder(t, "100", base)
	if _, err := f.service.Cancel(post.ID, buyerID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Cancelled orders free the slot
	result, err := f.service.CheckSlot(sellerID, base)
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if !result.Available {
		t.Error("slot still occupied by a cancelled order")
	}
}

func TestApproveKeepsFundsInEscrow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	approved, err := f.service.Approve(post.ID, sellerID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}

	// Seller sees nothing yet; funds stay held until completion
	if got := f.balance(t, sellerID); !got.IsZero() {
		t.Errorf("seller balance after approve = %s, want 0", got)
	}
	escrowTx, err := f.escrow.GetByOrderID(post.ID)
	if err != nil {
		t.Fatalf("escrow row: %v", err)
	}
	if escrowTx.Status != escrow.StatusHeld {
		t.Errorf("escrow status after approve = %s, want held", escrowTx.Status)
	}

	// Buyer stats and audit entry are written at approval
	buyer, err := f.ledgerDB.GetUser(f.db, buyerID)
	if err != nil {
		t.Fatalf("GetUser buyer: %v", err)
	}
	if buyer.TotalOrders != 1 {
		t.Errorf("buyer total orders = %d, want 1", buyer.TotalOrders)
	}
	if !buyer.TotalSpent.Equal(dec(t, "300")) {
		t.Errorf("buyer total spent = %s, want 300", buyer.TotalSpent)
	}
}

func TestApproveAuthorization(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	if _, err := f.service.Approve(post.ID, buyerID); err != ErrForbidden {
		t.Errorf("buyer approving: got %v, want ErrForbidden", err)
	}
	if _, err := f.service.Reject(post.ID, buyerID); err != ErrForbidden {
		t.Errorf("buyer rejecting: got %v, want ErrForbidden", err)
	}
	if _, err := f.service.Cancel(post.ID, sellerID); err != ErrForbidden {
		t.Errorf("seller cancelling: got %v, want ErrForbidden", err)
	}
}

func TestRejectRefundsBuyerInFull(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	rejected, err := f.service.Reject(post.ID, sellerID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "1000")) {
		t.Errorf("buyer balance after reject = %s, want 1000", got)
	}
}

func TestCancelRefundsBuyerInFull(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	cancelled, err := f.service.Cancel(post.ID, buyerID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "1000")) {
		t.Errorf("buyer balance after cancel = %s, want 1000", got)
	}
}

func TestTerminalStatesAdmitNoTransitions(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	if _, err := f.service.Reject(post.ID, sellerID); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := f.service.Approve(post.ID, sellerID); err != ErrInvalidTransition {
		t.Errorf("approve after reject: got %v, want ErrInvalidTransition", err)
	}
	if _, err := f.service.Cancel(post.ID, buyerID); err != ErrInvalidTransition {
		t.Errorf("cancel after reject: got %v, want ErrInvalidTransition", err)
	}

	// The double-decline must not double-refund
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "1000")) {
		t.Errorf("buyer balance = %s, want 1000", got)
	}
}

func TestCancelAfterApproveIsRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	if _, err := f.service.Approve(post.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.service.Cancel(post.ID, buyerID); err != ErrInvalidTransition {
		t.Errorf("cancel after approve: got %v, want ErrInvalidTransition", err)
	}
}

func TestAutoCancelOverduePending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	scheduled := time.Now().Add(time.Minute)
	post := f.createOrder(t, "300", scheduled)

	// Not yet due
	cancelled, err := f.service.AutoCancel(post.ID, scheduled.Add(-time.Second))
	if err != nil {
		t.Fatalf("AutoCancel early: %v", err)
	}
	if cancelled {
		t.Error("auto-cancel fired before the scheduled time")
	}

	cancelled, err = f.service.AutoCancel(post.ID, scheduled.Add(time.Second))
	if err != nil {
		t.Fatalf("AutoCancel: %v", err)
	}
	if !cancelled {
		t.Fatal("auto-cancel did not fire after the scheduled time")
	}
	if got := f.balance(t, buyerID); !got.Equal(dec(t, "1000")) {
		t.Errorf("buyer balance after auto-cancel = %s, want 1000", got)
	}

	// Second pass is a no-op
	cancelled, err = f.service.AutoCancel(post.ID, scheduled.Add(time.Hour))
	if err != nil {
		t.Fatalf("AutoCancel repeat: %v", err)
	}
	if cancelled {
		t.Error("auto-cancel fired twice")
	}
}

func TestCompleteSettlesEscrowOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	if _, err := f.service.Approve(post.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.service.MarkPublished(post.ID, []int{11, 12}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	release, err := f.service.Complete(post.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if release == nil {
		t.Fatal("Complete returned nil on a published order")
	}
	if !release.SellerAmount.Equal(dec(t, "270")) {
		t.Errorf("seller amount = %s, want 270", release.SellerAmount)
	}
	if !release.CommissionAmount.Equal(dec(t, "30")) {
		t.Errorf("commission = %s, want 30", release.CommissionAmount)
	}
	if got := f.balance(t, sellerID); !got.Equal(dec(t, "270")) {
		t.Errorf("seller balance = %s, want 270", got)
	}

	completed, err := f.service.Get(post.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}
	if completed.TelegramMessageIDs != "" {
		t.Errorf("message ids not cleared: %q", completed.TelegramMessageIDs)
	}

	// Completing again neither errors nor pays twice
	again, err := f.service.Complete(post.ID)
	if err != nil {
		t.Fatalf("Complete repeat: %v", err)
	}
	if again != nil {
		t.Error("second completion produced a release")
	}
	if got := f.balance(t, sellerID); !got.Equal(dec(t, "270")) {
		t.Errorf("seller balance after double complete = %s, want 270", got)
	}
}

func TestMarkPublishedGuards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))

	// Pending orders cannot be published
	marked, err := f.service.MarkPublished(post.ID, []int{1})
	if err != nil {
		t.Fatalf("MarkPublished pending: %v", err)
	}
	if marked {
		t.Error("published a pending order")
	}

	if _, err := f.service.Approve(post.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	marked, err = f.service.MarkPublished(post.ID, []int{1})
	if err != nil || !marked {
		t.Fatalf("MarkPublished: (%v, %v), want (true, nil)", marked, err)
	}

	// A duplicate tick cannot overwrite the recorded handles
	marked, err = f.service.MarkPublished(post.ID, []int{2})
	if err != nil {
		t.Fatalf("MarkPublished duplicate: %v", err)
	}
	if marked {
		t.Error("duplicate publish overwrote message ids")
	}

	current, err := f.service.Get(post.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ids := current.MessageIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("message ids = %v, want [1]", ids)
	}
}

func TestReferralCommissionsOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")

	buyerRef := int64(300)
	sellerRef := int64(301)
	for userID, ref := range map[int64]int64{buyerID: buyerRef, sellerID: sellerRef} {
		if _, err := f.ledgerDB.GetOrCreateUser(f.db, userID); err != nil {
			t.Fatalf("GetOrCreateUser: %v", err)
		}
		if err := f.db.Model(&ledger.User{}).Where("user_id = ?", userID).
			Update("referrer_id", ref).Error; err != nil {
			t.Fatalf("failed to set referrer: %v", err)
		}
	}

	post := f.createOrder(t, "300", time.Now().Add(48*time.Hour))
	if _, err := f.service.Approve(post.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.service.MarkPublished(post.ID, []int{1}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if _, err := f.service.Complete(post.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Commission 30, referral share 15% of it to each side's referrer
	for _, ref := range []int64{buyerRef, sellerRef} {
		if got := f.balance(t, ref); !got.Equal(dec(t, "4.5")) {
			t.Errorf("referrer %d balance = %s, want 4.5", ref, got)
		}
	}
	referrer, err := f.ledgerDB.GetUser(f.db, buyerRef)
	if err != nil {
		t.Fatalf("GetUser referrer: %v", err)
	}
	if !referrer.ReferralCommissionReceived.Equal(dec(t, "4.5")) {
		t.Errorf("referral received = %s, want 4.5", referrer.ReferralCommissionReceived)
	}
}

// TestFundConservation walks every lifecycle path and checks that no money
// appears or disappears: balances plus held escrow always sum to the funded
// total minus the platform commission actually earned.
func TestFundConservation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyerID, "1000")
	base := time.Now().Add(240 * time.Hour)

	// Path 1: create + cancel
	p1 := f.createOrder(t, "100", base)
	if _, err := f.service.Cancel(p1.ID, buyerID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Path 2: create + reject
	p2 := f.createOrder(t, "150", base.Add(3*time.Hour))
	if _, err := f.service.Reject(p2.ID, sellerID); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// Path 3: create + auto-cancel
	p3 := f.createOrder(t, "200", base.Add(6*time.Hour))
	if _, err := f.service.AutoCancel(p3.ID, base.Add(7*time.Hour)); err != nil {
		t.Fatalf("AutoCancel: %v", err)
	}

	// Path 4: full lifecycle to completion, commission 10% of 300
	p4 := f.createOrder(t, "300", base.Add(9*time.Hour))
	if _, err := f.service.Approve(p4.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.service.MarkPublished(p4.ID, []int{1}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if _, err := f.service.Complete(p4.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Path 5: approved and still held
	p5 := f.createOrder(t, "120", base.Add(12*time.Hour))
	if _, err := f.service.Approve(p5.ID, sellerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	buyerBalance := f.balance(t, buyerID)
	sellerBalance := f.balance(t, sellerID)
	held, err := f.escrow.HeldTotalForBuyer(buyerID)
	if err != nil {
		t.Fatalf("HeldTotalForBuyer: %v", err)
	}

	if !buyerBalance.Equal(dec(t, "580")) {
		t.Errorf("buyer balance = %s, want 580", buyerBalance)
	}
	if !sellerBalance.Equal(dec(t, "270")) {
		t.Errorf("seller balance = %s, want 270", sellerBalance)
	}
	if !held.Equal(dec(t, "120")) {
		t.Errorf("held = %s, want 120", held)
	}

	// 1000 funded = 580 buyer + 270 seller + 120 held + 30 commission
	total := buyerBalance.Add(sellerBalance).Add(held).Add(dec(t, "30"))
	if !total.Equal(dec(t, "1000")) {
		t.Errorf("funds not conserved: total = %s, want 1000", total)
	}
}
