package models

import "time"

// NotificationKind classifies what triggered a notification
type NotificationKind string

// NotificationKind constants
const (
	NotificationBidPending   NotificationKind = "bid_pending"
	NotificationBidReview    NotificationKind = "bid_review"
	NotificationBidAccepted  NotificationKind = "bid_accepted"
	NotificationBidRejected  NotificationKind = "bid_rejected"
	NotificationNewBid       NotificationKind = "new_bid"
	NotificationAuctionEnded NotificationKind = "auction_ended"
	NotificationAuctionWon   NotificationKind = "auction_won"
	NotificationAuctionLost  NotificationKind = "auction_lost"
	NotificationChatMessage  NotificationKind = "chat_message"
)

// Notification is a persisted event addressed to one user. It is created
// together with the domain change that caused it and only ever mutated to
// flip IsRead.
type Notification struct {
	ID             string            `json:"id"`
	RecipientID    string            `json:"recipient_id"`
	Kind           NotificationKind  `json:"kind"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ProductID      string            `json:"product_id,omitempty"`
	BidID          string            `json:"bid_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	IsRead         bool              `json:"is_read"`
	CreatedAt      time.Time         `json:"created_at"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
}

// MarkReadRequest lists notifications to flip to read. An empty list means all.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}
