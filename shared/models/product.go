package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleMode decides whether a product is bought directly or auctioned
type SaleMode string

// SaleMode constants
const (
	SaleModeFixed   SaleMode = "fixed"
	SaleModeAuction SaleMode = "auction"
)

// Product represents a catalog entry. Only the auction lifecycle fields are
// owned by this system; the rest is catalog metadata.
type Product struct {
	ID            string              `json:"id"`
	SellerID      string              `json:"seller_id"`
	Title         string              `json:"title"`
	SaleMode      SaleMode            `json:"sale_mode"`
	Price         decimal.Decimal     `json:"price"`
	StartingPrice decimal.Decimal     `json:"starting_price"`
	BuyNowPrice   decimal.NullDecimal `json:"buy_now_price"`
	Currency      string              `json:"currency"`
	Duration      time.Duration       `json:"duration"`
	Approved      bool                `json:"approved"`

	// Auction lifecycle
	BidEndTime *time.Time `json:"bid_end_time,omitempty"`
	Closed     bool       `json:"closed"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Sold       bool       `json:"sold"`
	Archived   bool       `json:"archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAuctionProduct builds an auction-mode product. The deadline is computed
// here, once, and never recomputed afterwards.
func NewAuctionProduct(id, sellerID, title string, startingPrice decimal.Decimal, currency string, duration time.Duration, createdAt time.Time) *Product {
	end := createdAt.Add(duration)
	return &Product{
		ID:            id,
		SellerID:      sellerID,
		Title:         title,
		SaleMode:      SaleModeAuction,
		StartingPrice: startingPrice,
		Currency:      currency,
		Duration:      duration,
		BidEndTime:    &end,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

// IsAuction reports whether the product routes through bidding
func (p *Product) IsAuction() bool {
	return p.SaleMode == SaleModeAuction
}

// AcceptingBids reports whether a new bid may be admitted at now
func (p *Product) AcceptingBids(now time.Time) bool {
	if !p.IsAuction() || !p.Approved || p.Closed {
		return false
	}
	if p.BidEndTime != nil && !now.Before(*p.BidEndTime) {
		return false
	}
	return true
}

// Expired reports whether the auction deadline has passed without a close
func (p *Product) Expired(now time.Time) bool {
	return p.IsAuction() && !p.Closed && p.BidEndTime != nil && !p.BidEndTime.After(now)
}

// ReachesBuyNow reports whether amount meets the configured buy-now price
func (p *Product) ReachesBuyNow(amount decimal.Decimal) bool {
	return p.BuyNowPrice.Valid && amount.GreaterThanOrEqual(p.BuyNowPrice.Decimal)
}
