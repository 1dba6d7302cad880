package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func seedAuction(t *testing.T, s Store, id string) *models.Product {
	t.Helper()
	p := models.NewAuctionProduct(id, "seller", "Camera", decimal.NewFromInt(100), "USD", time.Hour, t0)
	p.Approved = true
	require.NoError(t, s.CreateProduct(context.Background(), p))
	return p
}

func newBid(id, productID string, amount int64, status models.BidStatus, at time.Time) *models.Bid {
	return &models.Bid{
		ID: id, ProductID: productID, BidderID: "bidder-" + id, Amount: decimal.NewFromInt(amount),
		Currency: "USD", Status: status, CreatedAt: at, UpdatedAt: at,
	}
}

func TestMemoryWithProductLockCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")

	err := s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("b1", "p1", 150, models.BidStatusPending, t0)))
		return tx.InsertNotification(ctx, &models.Notification{ID: "n1", RecipientID: "bidder-b1", CreatedAt: t0})
	})
	require.NoError(t, err)

	b, err := s.GetBid(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusPending, b.Status)

	unread, err := s.ListUnreadNotifications(ctx, "bidder-b1")
	require.NoError(t, err)
	assert.Len(t, unread, 1)
}

func TestMemoryWithProductLockRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")
	boom := errors.New("boom")

	err := s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("b1", "p1", 150, models.BidStatusPending, t0)))
		require.NoError(t, tx.CloseAuction(ctx, Closure{ClosedAt: t0}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBid(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)
	p, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Closed)
}

func TestMemoryWithProductLockMissingProduct(t *testing.T) {
	err := NewMemory().WithProductLock(context.Background(), "nope", func(ProductTx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCloseAuctionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")

	require.NoError(t, s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("win", "p1", 300, models.BidStatusAccepted, t0)))
		require.NoError(t, tx.InsertBid(ctx, newBid("lose", "p1", 200, models.BidStatusPending, t0.Add(time.Second))))
		return nil
	}))

	closeOnce := func() error {
		return s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
			return tx.CloseAuction(ctx, Closure{ClosedAt: t0.Add(time.Hour), WinnerBidID: "win"})
		})
	}
	require.NoError(t, closeOnce())
	assert.ErrorIs(t, closeOnce(), ErrAlreadyClosed)

	p, _ := s.GetProduct(ctx, "p1")
	assert.True(t, p.Closed)
	assert.True(t, p.Sold)

	win, _ := s.GetBid(ctx, "win")
	lose, _ := s.GetBid(ctx, "lose")
	assert.True(t, win.Winner)
	assert.Equal(t, models.BidStatusAccepted, win.Status)
	assert.False(t, lose.Winner)
	assert.Equal(t, models.BidStatusRejected, lose.Status)
}

func TestMemoryUpdateBidStatusStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")

	err := s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("b1", "p1", 150, models.BidStatusRejected, t0)))
		return tx.UpdateBidStatus(ctx, "b1", models.BidStatusPending, models.BidStatusAccepted, t0)
	})
	assert.ErrorIs(t, err, ErrStaleBid)
}

func TestMemoryArchiveAuction(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")
	seedAuction(t, s, "open")

	require.NoError(t, s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		return tx.CloseAuction(ctx, Closure{ClosedAt: t0})
	}))

	ids, err := s.ListArchivable(ctx, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ListArchivable(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	ok, err := s.ArchiveAuction(ctx, "p1", t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ArchiveAuction(ctx, "p1", t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second archive is a no-op")

	ok, err = s.ArchiveAuction(ctx, "open", t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "open auctions are never archived")

	p, _ := s.GetProduct(ctx, "p1")
	assert.True(t, p.Archived)
	assert.True(t, p.Closed)
}

func TestMemoryListExpiredAuctions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "a")
	later := models.NewAuctionProduct("b", "seller", "Later", decimal.NewFromInt(1), "USD", 3*time.Hour, t0)
	require.NoError(t, s.CreateProduct(ctx, later))
	fixed := &models.Product{ID: "f", SaleMode: models.SaleModeFixed, CreatedAt: t0}
	require.NoError(t, s.CreateProduct(ctx, fixed))

	ids, err := s.ListExpiredAuctions(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = s.ListExpiredAuctions(ctx, t0.Add(5*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestMemoryListBidsRanked(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")
	require.NoError(t, s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("low", "p1", 120, models.BidStatusPending, t0)))
		require.NoError(t, tx.InsertBid(ctx, newBid("late", "p1", 200, models.BidStatusPending, t0.Add(2*time.Second))))
		return tx.InsertBid(ctx, newBid("early", "p1", 200, models.BidStatusPending, t0.Add(time.Second)))
	}))

	bids, err := s.ListBids(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, "early", bids[0].ID)
	assert.Equal(t, "late", bids[1].ID)
	assert.Equal(t, "low", bids[2].ID)
}

func TestMemoryNotificationsMarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.CreateNotification(ctx, &models.Notification{
			ID: id, RecipientID: "u1", Message: id, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := s.MarkNotificationsRead(ctx, "u1", []string{"n2"}, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.MarkNotificationsRead(ctx, "u1", []string{"n2"}, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	unread, err := s.ListUnreadNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "n1", unread[0].ID)
	assert.Equal(t, "n3", unread[1].ID)

	n, err = s.MarkNotificationsRead(ctx, "u1", nil, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryGetOrCreateConversationConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	created := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, isNew, err := s.GetOrCreateConversation(ctx, "seller", "buyer", "p1")
			if err == nil {
				ids <- c.ID
				created <- isNew
			}
		}()
	}
	wg.Wait()
	close(ids)
	close(created)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	newCount := 0
	for c := range created {
		if c {
			newCount++
		}
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, newCount)
}

func TestMemoryConversationCreatedDuringCloseIsShared(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")

	var inTx, outside *models.Conversation
	err := s.WithProductLock(ctx, "p1", func(tx ProductTx) error {
		var err error
		inTx, _, err = tx.GetOrCreateConversation(ctx, "seller", "buyer", "p1")
		require.NoError(t, err)

		// the buyer opens the chat before the close commits
		var created bool
		outside, created, err = s.GetOrCreateConversation(ctx, "seller", "buyer", "p1")
		require.NoError(t, err)
		assert.False(t, created)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, inTx.ID, outside.ID)
	got, err := s.GetConversation(ctx, inTx.ID)
	require.NoError(t, err)
	assert.Equal(t, "buyer", got.BuyerID)

	all, err := s.ListConversations(ctx, "buyer")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryMessagesSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAuction(t, s, "p1")
	c, _, err := s.GetOrCreateConversation(ctx, "seller", "buyer", "p1")
	require.NoError(t, err)

	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m1", ConversationID: c.ID, SenderID: "seller", Content: "hi", CreatedAt: t0}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m2", ConversationID: c.ID, SenderID: "buyer", Content: "hey", CreatedAt: t0}))

	n, err := s.MarkMessagesSeen(ctx, c.ID, "buyer")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msgs, err := s.ListMessages(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	assert.ErrorIs(t, s.CreateMessage(ctx, &models.Message{ID: "x", ConversationID: "missing"}), ErrNotFound)
}
