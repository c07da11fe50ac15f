package publisher

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog/log"
)

// Telegram publishes through the Telegram Bot API. A single image becomes a
// photo with the text as caption, multiple images become a media group, and
// no images means a plain text message.
type Telegram struct {
	bot *telego.Bot
}

func NewTelegram(bot *telego.Bot) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) Publish(ctx context.Context, chatID int64, text string, images []string) ([]int, error) {
	logger := log.With().
		Str("component", "telegram_publisher").
		Int64("chat_id", chatID).
		Logger()

	chat := telego.ChatID{ID: chatID}

	switch {
	case len(images) == 0:
		msg, err := t.bot.SendMessage(&telego.SendMessageParams{
			ChatID: chat,
			Text:   text,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to send message: %w", err)
		}
		logger.Info().Int("message_id", msg.MessageID).Msg("published text post")
		return []int{msg.MessageID}, nil

	case len(images) == 1:
		msg, err := t.bot.SendPhoto(&telego.SendPhotoParams{
			ChatID:  chat,
			Photo:   telego.InputFile{URL: images[0]},
			Caption: text,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to send photo: %w", err)
		}
		logger.Info().Int("message_id", msg.MessageID).Msg("published photo post")
		return []int{msg.MessageID}, nil

	default:
		media := make([]telego.InputMedia, 0, len(images))
		for i, image := range images {
			photo := &telego.InputMediaPhoto{
				Type:  telego.MediaTypePhoto,
				Media: telego.InputFile{URL: image},
			}
			if i == 0 {
				photo.Caption = text
			}
			media = append(media, photo)
		}
		messages, err := t.bot.SendMediaGroup(&telego.SendMediaGroupParams{
			ChatID: chat,
			Media:  media,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to send media group: %w", err)
		}
		ids := make([]int, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.MessageID)
		}
		logger.Info().Ints("message_ids", ids).Msg("published media group post")
		return ids, nil
	}
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	return t.bot.DeleteMessage(&telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: messageID,
	})
}
