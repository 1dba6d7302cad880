// Package store is the persistent store behind the auction engine, the
// notification fanout and chat. Two drivers implement it: Postgres for
// deployments and an in-process memory driver for tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrContention is returned when a transaction lost a race (serialization
	// failure, deadlock or lock timeout) and may succeed if re-run
	ErrContention = errors.New("store: contention")
	// ErrAlreadyClosed is returned by a close whose conditional update found
	// the product already closed
	ErrAlreadyClosed = errors.New("store: product already closed")
	// ErrStaleBid is returned when a bid was not in the expected status
	ErrStaleBid = errors.New("store: bid status changed")
)

// Closure is a close transition applied under the product lock. An empty
// WinnerBidID closes the auction unsold.
type Closure struct {
	ClosedAt    time.Time
	WinnerBidID string
}

// ProductTx is a unit of work holding the product's row lock. Every write
// made through it commits or rolls back together.
type ProductTx interface {
	// Product is the locked row, re-read at lock time
	Product() *models.Product
	Bids(ctx context.Context) ([]*models.Bid, error)
	InsertBid(ctx context.Context, bid *models.Bid) error
	// UpdateBidStatus moves a bid from one status to another and fails with
	// ErrStaleBid if it is no longer in from
	UpdateBidStatus(ctx context.Context, bidID string, from, to models.BidStatus, at time.Time) error
	// CloseAuction marks the product closed only if it is still open, sets
	// the winner flag and rejects every other bid
	CloseAuction(ctx context.Context, c Closure) error
	InsertNotification(ctx context.Context, n *models.Notification) error
	GetOrCreateConversation(ctx context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error)
}

// AuctionStore holds products and bids
type AuctionStore interface {
	// WithProductLock runs fn while holding productID's row lock. Returns
	// ErrNotFound if the product does not exist.
	WithProductLock(ctx context.Context, productID string, fn func(tx ProductTx) error) error
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	// ListBids returns a product's bids ranked by amount desc, then created_at asc
	ListBids(ctx context.Context, productID string) ([]*models.Bid, error)
	// ListExpiredAuctions returns open auction ids whose deadline is at or before now
	ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListArchivable returns closed, unarchived product ids closed at or before cutoff
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ArchiveAuction flips archived only if the product is still closed,
	// unarchived and closed at or before cutoff. Reports whether it did.
	ArchiveAuction(ctx context.Context, productID string, cutoff time.Time) (bool, error)
}

// NotificationStore holds per-user notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	// ListUnreadNotifications returns the user's unread notifications, oldest first
	ListUnreadNotifications(ctx context.Context, userID string) ([]*models.Notification, error)
	// MarkNotificationsRead flips the listed (or, with no ids, all) unread
	// notifications of userID. Already-read rows are left alone.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int64, error)
}

// ChatStore holds conversations and messages
type ChatStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// GetOrCreateConversation is idempotent on (seller, buyer, product) and
	// reports whether it created the row
	GetOrCreateConversation(ctx context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns up to limit most recent messages, oldest first
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	// MarkMessagesSeen flags messages not sent by viewerID as seen
	MarkMessagesSeen(ctx context.Context, conversationID, viewerID string) (int64, error)
}

// UserStore reads the external user records
type UserStore interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	AdminIDs(ctx context.Context) ([]string, error)
}

// Store is the full persistent store
type Store interface {
	AuctionStore
	NotificationStore
	ChatStore
	UserStore
	Close() error
}
