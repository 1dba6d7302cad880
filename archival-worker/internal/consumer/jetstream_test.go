package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aaronwang/marketplace/archival-worker/internal/database"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	jetstream.Msg
	data  []byte
	acked int
	naked int
	termd int
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "market.events.test" }
func (m *fakeMsg) Ack() error      { m.acked++; return nil }
func (m *fakeMsg) Nak() error      { m.naked++; return nil }
func (m *fakeMsg) Term() error     { m.termd++; return nil }

type failingLedger struct{}

func (failingLedger) InsertEvent(context.Context, *models.AuctionEvent) (bool, error) {
	return false, errors.New("db down")
}

func encode(t *testing.T, e *models.AuctionEvent) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func TestHandleMessageRecordsOnce(t *testing.T) {
	ledger := database.NewMemoryLedger()
	c := New(nil, "MARKET_EVENTS", ledger, nil, zerolog.Nop())
	ctx := context.Background()

	e := &models.AuctionEvent{
		EventID:    "e1",
		Type:       models.EventAuctionClosed,
		ProductID:  "p1",
		Path:       models.ClosePathSeller,
		OccurredAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	first, second := encode(t, e), encode(t, e)
	c.handleMessage(ctx, first)
	c.handleMessage(ctx, second)

	assert.Equal(t, 1, first.acked)
	assert.Equal(t, 1, second.acked)

	history, err := ledger.History(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ClosePathSeller, history[0].Path)
}

func TestHandleMessageTerminatesMalformed(t *testing.T) {
	c := New(nil, "MARKET_EVENTS", database.NewMemoryLedger(), nil, zerolog.Nop())

	for _, data := range []string{"not json", `{"type":"bid_submitted"}`} {
		msg := &fakeMsg{data: []byte(data)}
		c.handleMessage(context.Background(), msg)
		assert.Equal(t, 1, msg.termd, data)
		assert.Zero(t, msg.acked, data)
	}
}

func TestHandleMessageNaksOnLedgerFailure(t *testing.T) {
	c := New(nil, "MARKET_EVENTS", failingLedger{}, nil, zerolog.Nop())
	msg := encode(t, &models.AuctionEvent{EventID: "e1", Type: models.EventBidSubmitted, ProductID: "p1"})

	c.handleMessage(context.Background(), msg)

	assert.Equal(t, 1, msg.naked)
	assert.Zero(t, msg.acked)
}
