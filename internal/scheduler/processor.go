// Package scheduler drives the time-based order transitions. It is the only
// actor permitted to auto-cancel, publish or delete: no HTTP endpoint can
// force a post into a channel early. A single processor instance is assumed;
// the status guards in the orders package soften, but do not eliminate, the
// damage of running two concurrently.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/adboard/adboard-api/internal/channels"
	"github.com/adboard/adboard-api/internal/notify"
	"github.com/adboard/adboard-api/internal/orders"
	"github.com/adboard/adboard-api/internal/publisher"
)

type Processor struct {
	orders         *orders.Service
	channels       *channels.Database
	publisher      publisher.ChannelPublisher
	notifier       notify.Notifier
	tickInterval   time.Duration
	publishTimeout time.Duration
}

func NewProcessor(ordersService *orders.Service, channelsDB *channels.Database, pub publisher.ChannelPublisher, notifier notify.Notifier, tickInterval, publishTimeout time.Duration) *Processor {
	return &Processor{
		orders:         ordersService,
		channels:       channelsDB,
		publisher:      pub,
		notifier:       notifier,
		tickInterval:   tickInterval,
		publishTimeout: publishTimeout,
	}
}

// Start begins the processing loop. Ticks run one at a time; a tick always
// runs to completion even when the context is cancelled mid-tick.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_scheduler").Logger()
	logger.Info().Dur("interval", p.tickInterval).Msg("starting order scheduler")

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order scheduler")
			return
		case <-ticker.C:
			p.Tick(time.Now())
		}
	}
}

// Tick runs one scheduler pass: auto-cancel overdue pending orders, publish
// due approved orders, delete expired published orders. Each order is
// processed in isolation; one failure never aborts its siblings.
func (p *Processor) Tick(now time.Time) {
	logger := log.With().Str("component", "order_scheduler").Logger()

	p.autoCancelDue(now, logger.With().Str("phase", "auto_cancel").Logger())
	p.publishDue(now, logger.With().Str("phase", "publish").Logger())
	p.deleteDue(now, logger.With().Str("phase", "delete").Logger())
}

func (p *Processor) autoCancelDue(now time.Time, logger zerolog.Logger) {
	posts, err := p.orders.GetDB().DuePendingPosts(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch overdue pending posts")
		return
	}
	if len(posts) > 0 {
		logger.Info().Int("count", len(posts)).Msg("auto-cancelling overdue pending posts")
	}

	for _, post := range posts {
		cancelled, err := p.orders.AutoCancel(post.ID, now)
		if err != nil {
			logger.Error().Err(err).Uint("order_id", post.ID).Msg("failed to auto-cancel post")
			continue
		}
		if cancelled {
			p.notifier.OrderAutoCancelled(post.BuyerID, post.SellerID, post.ID, post.Price)
		}
	}
}

func (p *Processor) publishDue(now time.Time, logger zerolog.Logger) {
	posts, err := p.orders.GetDB().DuePublishPosts(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch posts due for publication")
		return
	}
	if len(posts) > 0 {
		logger.Info().Int("count", len(posts)).Msg("publishing due posts")
	}

	for _, post := range posts {
		chatID, err := p.resolveChatID(&post)
		if err != nil {
			logger.Warn().Err(err).Uint("order_id", post.ID).Msg("cannot publish post, no channel resolved")
			continue
		}

		// The external call runs outside any database transaction: intent is
		// already persisted (status approved, no message ids), the result is
		// persisted after. A crash in between is retried next tick.
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		messageIDs, err := p.publisher.Publish(ctx, chatID, post.PostText, post.Images())
		cancel()
		if err != nil {
			logger.Error().Err(err).Uint("order_id", post.ID).Int64("chat_id", chatID).
				Msg("publish failed, will retry next tick")
			continue
		}

		marked, err := p.orders.MarkPublished(post.ID, messageIDs)
		if err != nil {
			logger.Error().Err(err).Uint("order_id", post.ID).Msg("failed to record publish result")
			continue
		}
		if marked {
			logger.Info().Uint("order_id", post.ID).Ints("message_ids", messageIDs).Msg("post published")
			p.notifier.OrderPublished(post.BuyerID, post.SellerID, post.ID)
		}
	}
}

func (p *Processor) deleteDue(now time.Time, logger zerolog.Logger) {
	posts, err := p.orders.GetDB().DueDeletePosts(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch posts due for deletion")
		return
	}
	if len(posts) > 0 {
		logger.Info().Int("count", len(posts)).Msg("deleting expired posts")
	}

	for _, post := range posts {
		chatID, err := p.resolveChatID(&post)
		if err != nil {
			logger.Warn().Err(err).Uint("order_id", post.ID).Msg("cannot delete post, no channel resolved")
			continue
		}

		// Best effort: an individual message that refuses to die is logged
		// and does not block the rest, nor the settlement.
		for _, messageID := range post.MessageIDs() {
			ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
			err := p.publisher.Delete(ctx, chatID, messageID)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Uint("order_id", post.ID).Int("message_id", messageID).
					Msg("failed to delete channel message")
			}
		}

		release, err := p.orders.Complete(post.ID)
		if err != nil {
			logger.Error().Err(err).Uint("order_id", post.ID).Msg("failed to complete post")
			continue
		}
		if release == nil {
			continue
		}

		logger.Info().Uint("order_id", post.ID).
			Str("seller_amount", release.SellerAmount.String()).
			Msg("post completed and settled")
		p.notifier.OrderDeleted(post.BuyerID, post.SellerID, post.ID)
		p.notifier.ReviewRequested(post.BuyerID, post.SellerID, post.ID)
	}
}

// resolveChatID maps an order to the external chat it publishes into: the
// referenced channel when set, otherwise the seller's first registered
// channel (legacy orders).
func (p *Processor) resolveChatID(post *orders.AdPost) (int64, error) {
	if post.ChannelID != nil {
		channel, err := p.channels.GetByID(*post.ChannelID)
		if err != nil {
			return 0, err
		}
		return channel.TelegramChatID, nil
	}

	channel, err := p.channels.FirstForSeller(post.SellerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errors.New("seller has no registered channel")
		}
		return 0, err
	}
	return channel.TelegramChatID, nil
}
