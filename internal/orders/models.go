package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed set of order states. Transitions only happen through
// the Service methods, which consult the transition table below.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// transitions enumerates every legal edge of the state machine. Rejected,
// cancelled and completed are terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCompleted},
}

// CanTransition reports whether moving from s to target is a legal edge.
func (s Status) CanTransition(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// PermanentDuration is the sentinel duration value meaning the post is never
// removed; the delete time is pushed ~100 years out instead.
const PermanentDuration = -1

// AdPost is the order aggregate: one purchased advertising placement with a
// scheduled publish instant and a scheduled removal instant. Rows are never
// physically deleted; terminal orders stay for history.
type AdPost struct {
	ID       uint  `gorm:"primarykey" json:"id"`
	BuyerID  int64 `gorm:"index" json:"buyer_id"`
	SellerID int64 `gorm:"index" json:"seller_id"`
	// ChannelID is nullable: legacy orders may be unscoped to a channel.
	ChannelID *uint `json:"channel_id,omitempty"`

	PostText   string `json:"post_text"`
	PostImages string `json:"-"` // JSON array of image references

	Price          decimal.Decimal `gorm:"type:decimal(20,2)" json:"price"`
	CommissionRate decimal.Decimal `gorm:"type:decimal(6,4)" json:"commission_rate"`

	ScheduledTime time.Time `gorm:"index" json:"scheduled_time"`
	DeleteTime    time.Time `gorm:"index" json:"delete_time"`

	// TelegramMessageIDs holds the external message handles once published;
	// empty until then. JSON array, cleared again after removal.
	TelegramMessageIDs string `json:"-"`

	Status    Status     `gorm:"index;default:pending" json:"status"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Images decodes the stored image reference list.
func (p *AdPost) Images() []string {
	if p.PostImages == "" {
		return nil
	}
	var images []string
	if err := json.Unmarshal([]byte(p.PostImages), &images); err != nil {
		return nil
	}
	return images
}

// SetImages encodes the image reference list for storage.
func (p *AdPost) SetImages(images []string) {
	if len(images) == 0 {
		p.PostImages = ""
		return
	}
	raw, _ := json.Marshal(images)
	p.PostImages = string(raw)
}

// MessageIDs decodes the external message handles.
func (p *AdPost) MessageIDs() []int {
	if p.TelegramMessageIDs == "" {
		return nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(p.TelegramMessageIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// Published reports whether the post has external message handles recorded.
func (p *AdPost) Published() bool {
	return len(p.MessageIDs()) > 0
}

// CreateOrderRequest is the buyer-facing purchase payload.
type CreateOrderRequest struct {
	SellerID      int64           `json:"seller_id" binding:"required"`
	ChannelID     *uint           `json:"channel_id"`
	PostText      string          `json:"post_text"`
	PostImages    []string        `json:"post_images"`
	ScheduledTime time.Time       `json:"scheduled_time" binding:"required"`
	DurationHours int             `json:"duration_hours" binding:"required"`
	Price         decimal.Decimal `json:"price" binding:"required"`
}

// SlotCheckResponse is the advisory conflict pre-check result.
type SlotCheckResponse struct {
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}
