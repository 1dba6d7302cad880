package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a domain event on the history stream
type EventType string

// EventType constants
const (
	EventBidSubmitted    EventType = "bid_submitted"
	EventBidDecided      EventType = "bid_decided"
	EventAuctionClosed   EventType = "auction_closed"
	EventAuctionArchived EventType = "auction_archived"
)

// ClosePath records how an auction reached CLOSED
type ClosePath string

// ClosePath constants
const (
	ClosePathExpiry ClosePath = "expiry"
	ClosePathSeller ClosePath = "seller"
	ClosePathBuyNow ClosePath = "buy_now"
)

// AuctionEvent represents an event that gets published after a committed
// auction transition. It is sent to NATS JetStream and appended to the
// auction history ledger by the archival worker.
type AuctionEvent struct {
	EventID    string              `json:"event_id"`
	Type       EventType           `json:"type"`
	ProductID  string              `json:"product_id"`
	BidID      string              `json:"bid_id,omitempty"`
	ActorID    string              `json:"actor_id,omitempty"`
	Amount     decimal.NullDecimal `json:"amount"`
	Status     BidStatus           `json:"status,omitempty"`
	Path       ClosePath           `json:"path,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}
