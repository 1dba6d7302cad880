// Package auction implements the bid admission policy and the auction state
// machine. Every transition runs under the product's store lock and emits its
// notifications in the same unit of work; fanout happens after commit.
package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aaronwang/marketplace/shared/events"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultArchiveDelay is how long a closed auction stays out of history
const DefaultArchiveDelay = 24 * time.Hour

// Store is the slice of the persistent store the engine uses
type Store interface {
	store.AuctionStore
	store.UserStore
}

// Fanout delivers notifications that were persisted with a transition
type Fanout interface {
	Fanout(ctx context.Context, notifications ...*models.Notification)
}

// Engine runs bid admission, admin decisions and auction closes
type Engine struct {
	store        Store
	fanout       Fanout
	events       events.Sink
	metrics      *metrics.Collector
	log          zerolog.Logger
	now          func() time.Time
	archiveDelay time.Duration
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithArchiveDelay overrides how long after close an auction is archived
func WithArchiveDelay(d time.Duration) Option {
	return func(e *Engine) { e.archiveDelay = d }
}

// WithEvents sends committed transitions to sink
func WithEvents(sink events.Sink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithMetrics records engine metrics on m
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine
func NewEngine(st Store, fanout Fanout, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		fanout:       fanout,
		events:       events.Nop{},
		metrics:      metrics.NewNop(),
		log:          log.With().Str("component", "auction").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		archiveDelay: DefaultArchiveDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ArchiveDelay reports the configured close-to-archive delay
func (e *Engine) ArchiveDelay() time.Duration {
	return e.archiveDelay
}

// withRetry re-runs fn once when it lost a store race. fn must re-read all
// state it depends on.
func (e *Engine) withRetry(op string, fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrContention) {
		e.log.Debug().Err(err).Str("op", op).Msg("Retrying after store contention")
		e.metrics.ContentionRetry()
		err = fn()
	}
	return err
}

func persist(ctx context.Context, tx store.ProductTx, outbox []*models.Notification) error {
	for _, n := range outbox {
		if err := tx.InsertNotification(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev models.AuctionEvent) {
	ev.EventID = uuid.New().String()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	e.events.Emit(ctx, &ev)
}

func errorCode(err error) string {
	var domain *models.Error
	if errors.As(err, &domain) {
		return domain.Code
	}
	return "error"
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + currency
}

func bidNotification(recipient string, kind models.NotificationKind, msg string, p *models.Product, b *models.Bid, at time.Time) *models.Notification {
	n := notify.New(recipient, kind, msg, at)
	n.ProductID = p.ID
	n.Metadata = map[string]string{"product_id": p.ID, "product_title": p.Title}
	if b != nil {
		n.BidID = b.ID
		n.Metadata["bid_id"] = b.ID
		n.Metadata["amount"] = b.Amount.StringFixed(2)
		n.Metadata["currency"] = b.Currency
	}
	return n
}

// SubmitRequest is a bid submission
type SubmitRequest struct {
	ProductID string
	BidderID  string
	Amount    decimal.Decimal
	Currency  string
}

// Submit admits a bid as pending. The floor check and the insert run under
// the product lock, so concurrent submissions are validated one at a time.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Bid, error) {
	bid, outbox, err := e.submit(ctx, req)
	if err != nil {
		e.metrics.BidSubmitted(errorCode(err))
		return nil, err
	}
	e.metrics.BidSubmitted("admitted")

	e.fanout.Fanout(ctx, outbox...)
	e.emit(ctx, models.AuctionEvent{
		Type:       models.EventBidSubmitted,
		ProductID:  bid.ProductID,
		BidID:      bid.ID,
		ActorID:    bid.BidderID,
		Amount:     decimal.NewNullDecimal(bid.Amount),
		Status:     bid.Status,
		OccurredAt: bid.CreatedAt,
	})

	e.log.Info().
		Str("product_id", bid.ProductID).
		Str("bid_id", bid.ID).
		Str("bidder_id", bid.BidderID).
		Str("amount", bid.Amount.String()).
		Msg("Bid admitted for review")
	return bid, nil
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*models.Bid, []*models.Notification, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, models.ErrInvalidAmount
	}

	admins, err := e.store.AdminIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load admins: %w", err)
	}

	var (
		bid    *models.Bid
		outbox []*models.Notification
	)
	err = e.withRetry("submit", func() error {
		bid, outbox = nil, nil
		return e.store.WithProductLock(ctx, req.ProductID, func(tx store.ProductTx) error {
			p := tx.Product()
			now := e.now()

			if !p.AcceptingBids(now) {
				return models.ErrAuctionNotOpen
			}
			if p.SellerID == req.BidderID {
				return models.ErrSelfBid
			}
			if req.Currency != "" && !strings.EqualFold(req.Currency, p.Currency) {
				return models.ErrCurrencyMismatch.WithMessage("bids on this product must be in %s", p.Currency)
			}

			bids, err := tx.Bids(ctx)
			if err != nil {
				return err
			}
			if floor := Floor(p, bids); !req.Amount.GreaterThan(floor) {
				return models.NewBelowFloor(floor, p.Currency)
			}

			bid = &models.Bid{
				ID:        uuid.New().String(),
				ProductID: p.ID,
				BidderID:  req.BidderID,
				Amount:    req.Amount,
				Currency:  p.Currency,
				Status:    models.BidStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertBid(ctx, bid); err != nil {
				return err
			}

			amount := money(bid.Amount, bid.Currency)
			outbox = append(outbox, bidNotification(req.BidderID, models.NotificationBidPending,
				fmt.Sprintf("Your bid of %s on '%s' is under review.", amount, p.Title), p, bid, now))
			for _, admin := range admins {
				outbox = append(outbox, bidNotification(admin, models.NotificationBidReview,
					fmt.Sprintf("New bid of %s on '%s' is pending admin review.", amount, p.Title), p, bid, now))
			}
			return persist(ctx, tx, outbox)
		})
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, models.ErrAuctionNotOpen.WithMessage("product not found")
	}
	if err != nil {
		return nil, nil, err
	}
	return bid, outbox, nil
}

// DecideResult is the outcome of an admin decision. Close is set when an
// accepted bid reached the buy-now price and closed the auction.
type DecideResult struct {
	Bid   *models.Bid
	Close *CloseResult
}

// Decide accepts or rejects a pending bid
func (e *Engine) Decide(ctx context.Context, bidID string, action models.DecisionAction, adminID string) (*DecideResult, error) {
	if !action.Valid() {
		return nil, models.ErrInvalidAction
	}

	b, err := e.store.GetBid(ctx, bidID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bid: %w", err)
	}

	var (
		result *DecideResult
		outbox []*models.Notification
	)
	err = e.withRetry("decide", func() error {
		result, outbox = &DecideResult{}, nil
		return e.store.WithProductLock(ctx, b.ProductID, func(tx store.ProductTx) error {
			p := tx.Product()
			now := e.now()

			bids, err := tx.Bids(ctx)
			if err != nil {
				return err
			}
			cur := findBid(bids, bidID)
			if cur == nil {
				return models.ErrBidNotFound
			}
			if cur.Status != models.BidStatusPending {
				return models.ErrBidNotPending.WithMessage("bid is %s", cur.Status)
			}

			to := models.BidStatusRejected
			if action == models.DecisionAccept {
				to = models.BidStatusAccepted
			}
			if err := tx.UpdateBidStatus(ctx, cur.ID, models.BidStatusPending, to, now); err != nil {
				if errors.Is(err, store.ErrStaleBid) {
					return models.ErrBidNotPending
				}
				return err
			}
			cur.Status = to
			cur.UpdatedAt = now

			amount := money(cur.Amount, cur.Currency)
			if action == models.DecisionReject {
				outbox = append(outbox, bidNotification(cur.BidderID, models.NotificationBidRejected,
					fmt.Sprintf("Your bid of %s on '%s' was rejected.", amount, p.Title), p, cur, now))
			} else {
				outbox = append(outbox,
					bidNotification(p.SellerID, models.NotificationNewBid,
						fmt.Sprintf("A new bid of %s was placed on your product '%s'.", amount, p.Title), p, cur, now),
					bidNotification(cur.BidderID, models.NotificationBidAccepted,
						fmt.Sprintf("Your bid of %s on '%s' was accepted.", amount, p.Title), p, cur, now),
				)

				if !p.Closed && p.ReachesBuyNow(cur.Amount) {
					closed, notes, err := e.closeLocked(ctx, tx, models.ClosePathBuyNow, cur, bids, now)
					if err != nil {
						return err
					}
					result.Close = closed
					outbox = append(outbox, notes...)
					cur = closed.Winner
				}
			}

			result.Bid = cur
			return persist(ctx, tx, outbox)
		})
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}

	e.metrics.BidDecided(string(action))
	e.fanout.Fanout(ctx, outbox...)
	e.emit(ctx, models.AuctionEvent{
		Type:      models.EventBidDecided,
		ProductID: result.Bid.ProductID,
		BidID:     result.Bid.ID,
		ActorID:   adminID,
		Amount:    decimal.NewNullDecimal(result.Bid.Amount),
		Status:    result.Bid.Status,
	})
	if result.Close != nil {
		e.closed(ctx, result.Close, adminID)
	}

	e.log.Info().
		Str("bid_id", bidID).
		Str("action", string(action)).
		Str("admin_id", adminID).
		Bool("closed", result.Close != nil).
		Msg("Bid decided")
	return result, nil
}
