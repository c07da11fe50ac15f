// Package publisher is the external channel collaborator: it pushes ad
// content into a messaging channel and removes it again. Idempotency is the
// caller's responsibility; implementations here just perform the calls.
package publisher

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ChannelPublisher publishes and removes content in an external channel.
// Publish returns the opaque message handles the channel assigned, one per
// sent message.
type ChannelPublisher interface {
	Publish(ctx context.Context, chatID int64, text string, images []string) ([]int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Noop is a stand-in publisher for environments without a bot token. It
// fabricates message handles so the order lifecycle can run end to end in
// development.
type Noop struct {
	next atomic.Int64
}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Publish(_ context.Context, chatID int64, text string, images []string) ([]int, error) {
	count := len(images)
	if count == 0 {
		count = 1
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = int(n.next.Add(1))
	}
	log.Info().
		Str("component", "noop_publisher").
		Int64("chat_id", chatID).
		Int("messages", count).
		Msg("publish skipped, no bot configured")
	return ids, nil
}

func (n *Noop) Delete(_ context.Context, chatID int64, messageID int) error {
	log.Info().
		Str("component", "noop_publisher").
		Int64("chat_id", chatID).
		Int("message_id", messageID).
		Msg("delete skipped, no bot configured")
	return nil
}
