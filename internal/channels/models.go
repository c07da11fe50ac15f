package channels

import "time"

// Channel maps an internal placement target to the external messaging
// channel it publishes into. Ownership verification and onboarding happen
// outside this core; rows here are assumed vetted.
type Channel struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	SellerID       int64     `gorm:"index" json:"seller_id"`
	TelegramChatID int64     `json:"telegram_chat_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
