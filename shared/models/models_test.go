package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuctionProductComputesDeadlineOnce(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewAuctionProduct("p1", "seller", "Lamp", decimal.NewFromInt(100), "USD", 48*time.Hour, created)

	require.NotNil(t, p.BidEndTime)
	assert.Equal(t, created.Add(48*time.Hour), *p.BidEndTime)
	assert.True(t, p.IsAuction())
	assert.False(t, p.Closed)
}

func TestProductAcceptingBids(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := func() *Product {
		p := NewAuctionProduct("p1", "seller", "Lamp", decimal.NewFromInt(100), "USD", time.Hour, now.Add(-30*time.Minute))
		p.Approved = true
		return p
	}

	tests := []struct {
		name   string
		mutate func(*Product)
		want   bool
	}{
		{"open", func(*Product) {}, true},
		{"unapproved", func(p *Product) { p.Approved = false }, false},
		{"fixed price", func(p *Product) { p.SaleMode = SaleModeFixed }, false},
		{"closed", func(p *Product) { p.Closed = true }, false},
		{"past deadline", func(p *Product) { end := now.Add(-time.Second); p.BidEndTime = &end }, false},
		{"at deadline", func(p *Product) { end := now; p.BidEndTime = &end }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			assert.Equal(t, tt.want, p.AcceptingBids(now))
		})
	}
}

func TestProductReachesBuyNow(t *testing.T) {
	p := &Product{}
	assert.False(t, p.ReachesBuyNow(decimal.NewFromInt(1000000)))

	p.BuyNowPrice = decimal.NewNullDecimal(decimal.NewFromInt(500))
	assert.True(t, p.ReachesBuyNow(decimal.NewFromInt(500)))
	assert.True(t, p.ReachesBuyNow(decimal.RequireFromString("500.01")))
	assert.False(t, p.ReachesBuyNow(decimal.RequireFromString("499.99")))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewBelowFloor(decimal.NewFromInt(150), "USD")
	wrapped := fmt.Errorf("submit: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBelowFloor))
	assert.False(t, errors.Is(wrapped, ErrSelfBid))
	assert.Contains(t, err.Message, "150.00 USD")
	assert.Equal(t, "amount", err.Field)
	assert.Equal(t, "BelowFloor", ErrBelowFloor.Code, "sentinel must not be mutated")
}

func TestConversationParticipants(t *testing.T) {
	c := &Conversation{SellerID: "s", BuyerID: "b"}
	assert.True(t, c.HasParticipant("s"))
	assert.True(t, c.HasParticipant("b"))
	assert.False(t, c.HasParticipant("x"))
	assert.False(t, c.HasParticipant(""))
	assert.Equal(t, "b", c.Counterpart("s"))
	assert.Equal(t, "s", c.Counterpart("b"))
}
