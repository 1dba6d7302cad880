package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus is the moderation state of a bid
type BidStatus string

// BidStatus constants
const (
	BidStatusPending  BidStatus = "pending"
	BidStatusAccepted BidStatus = "accepted"
	BidStatusRejected BidStatus = "rejected"
)

// Live reports whether a bid in this status still competes for the product
func (s BidStatus) Live() bool {
	return s == BidStatusPending || s == BidStatusAccepted
}

// DecisionAction is an admin verdict on a pending bid
type DecisionAction string

// DecisionAction constants
const (
	DecisionAccept DecisionAction = "accept"
	DecisionReject DecisionAction = "reject"
)

// Valid reports whether the action is known
func (a DecisionAction) Valid() bool {
	return a == DecisionAccept || a == DecisionReject
}

// Bid represents a single bid on a product
type Bid struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    BidStatus       `json:"status"`
	Winner    bool            `json:"winner"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BidRequest represents the incoming bid request from API
type BidRequest struct {
	ProductID string          `json:"productId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
}

// DecisionRequest is the body of a bid decision
type DecisionRequest struct {
	Action DecisionAction `json:"action"`
}

// CloseRequest is the body of a seller-driven close
type CloseRequest struct {
	SelectedBidID string `json:"selectedBidId"`
}

// CloseResponse represents the API response after a close attempt
type CloseResponse struct {
	ProductID     string     `json:"product_id"`
	WinningBid    *Bid       `json:"winning_bid"`
	AlreadyClosed bool       `json:"already_closed"`
	ArchiveAt     *time.Time `json:"archive_at,omitempty"`
}
