package events

import (
	"context"
	"testing"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "market.events.auction_closed", Subject(models.EventAuctionClosed))
	assert.Equal(t, "market.events.bid_submitted", Subject(models.EventBidSubmitted))
}

func TestNopSink(t *testing.T) {
	var sink Sink = Nop{}
	assert.NotPanics(t, func() { sink.Emit(context.Background(), &models.AuctionEvent{EventID: "e1"}) })
}
