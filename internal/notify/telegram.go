package notify

import (
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const sendTimeout = 5 * time.Second

// Telegram sends direct messages to both parties of an order. Each send is
// best effort with its own short timeout.
type Telegram struct {
	bot *telego.Bot
}

func NewTelegram(bot *telego.Bot) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) send(userID int64, text string) {
	_, err := t.bot.SendMessage(&telego.SendMessageParams{
		ChatID: telego.ChatID{ID: userID},
		Text:   text,
	})
	if err != nil {
		log.Warn().
			Str("component", "telegram_notifier").
			Int64("user_id", userID).
			Err(err).
			Msg("failed to deliver notification")
	}
}

func (t *Telegram) OrderPaid(buyerID, sellerID int64, orderID uint, price decimal.Decimal, scheduledTime time.Time) {
	t.send(buyerID, fmt.Sprintf("Order #%d paid: %s held in escrow until the placement completes.", orderID, price))
	t.send(sellerID, fmt.Sprintf("New ad order #%d for %s, scheduled at %s. Approve or reject it before the publish time.",
		orderID, price, scheduledTime.Format("2006-01-02 15:04")))
}

func (t *Telegram) OrderApproved(buyerID, sellerID int64, orderID uint, price decimal.Decimal, scheduledTime time.Time) {
	t.send(buyerID, fmt.Sprintf("Order #%d approved. The post will be published at %s.",
		orderID, scheduledTime.Format("2006-01-02 15:04")))
	t.send(sellerID, fmt.Sprintf("You approved order #%d. %s stays in escrow until the post is removed.", orderID, price))
}

func (t *Telegram) OrderRejected(buyerID, sellerID int64, orderID uint, price decimal.Decimal) {
	t.send(buyerID, fmt.Sprintf("Order #%d was rejected. %s refunded to your balance.", orderID, price))
	t.send(sellerID, fmt.Sprintf("You rejected order #%d.", orderID))
}

func (t *Telegram) OrderCancelled(buyerID, sellerID int64, orderID uint, price decimal.Decimal) {
	t.send(buyerID, fmt.Sprintf("Order #%d cancelled. %s refunded to your balance.", orderID, price))
	t.send(sellerID, fmt.Sprintf("Order #%d was cancelled by the buyer.", orderID))
}

func (t *Telegram) OrderAutoCancelled(buyerID, sellerID int64, orderID uint, price decimal.Decimal) {
	t.send(buyerID, fmt.Sprintf("Order #%d was cancelled automatically: the seller did not respond in time. %s refunded.", orderID, price))
	t.send(sellerID, fmt.Sprintf("Order #%d was cancelled automatically because it was not approved before the publish time.", orderID))
}

func (t *Telegram) OrderPublished(buyerID, sellerID int64, orderID uint) {
	t.send(buyerID, fmt.Sprintf("Your ad post #%d is now published.", orderID))
	t.send(sellerID, fmt.Sprintf("Ad post #%d was published in your channel.", orderID))
}

func (t *Telegram) OrderDeleted(buyerID, sellerID int64, orderID uint) {
	t.send(buyerID, fmt.Sprintf("Ad post #%d finished its placement and was removed from the channel.", orderID))
	t.send(sellerID, fmt.Sprintf("Ad post #%d was removed from your channel. Your earnings have been credited.", orderID))
}

func (t *Telegram) ReviewRequested(buyerID, sellerID int64, orderID uint) {
	t.send(buyerID, fmt.Sprintf("How was your experience with order #%d? Leave a review for the channel owner.", orderID))
	t.send(sellerID, fmt.Sprintf("Order #%d is complete. Leave a review for the buyer.", orderID))
}
