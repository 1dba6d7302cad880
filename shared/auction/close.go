package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/shopspring/decimal"
)

// ErrNotDue is returned when an expiry close finds the deadline still ahead
var ErrNotDue = errors.New("auction deadline not reached")

// CloseRequest asks for an auction to be closed
type CloseRequest struct {
	ProductID string
	Path      models.ClosePath
	// SelectedBidID is required on the seller path
	SelectedBidID string
	// ActorID is the seller on the seller path, empty for expiry
	ActorID string
}

// CloseResult describes a closed auction. AlreadyClosed is set when the
// auction was closed before this call; nothing was changed in that case.
type CloseResult struct {
	ProductID     string
	Path          models.ClosePath
	Winner        *models.Bid
	AlreadyClosed bool
	ClosedAt      time.Time
	ArchiveAt     time.Time
	Conversation  *models.Conversation
}

// Close closes an auction exactly once. Closing an already-closed auction is
// not an error; it reports the existing outcome.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	var (
		result *CloseResult
		outbox []*models.Notification
	)
	err := e.withRetry("close", func() error {
		result, outbox = nil, nil
		return e.store.WithProductLock(ctx, req.ProductID, func(tx store.ProductTx) error {
			p := tx.Product()
			now := e.now()

			// ownership first, so outsiders cannot tell which products exist
			if req.Path == models.ClosePathSeller && p.SellerID != req.ActorID {
				return models.ErrProductNotFound.WithMessage("product not found or you do not have permission")
			}
			if !p.IsAuction() {
				return models.ErrAuctionNotOpen.WithMessage("product is not an auction")
			}

			bids, err := tx.Bids(ctx)
			if err != nil {
				return err
			}
			if p.Closed {
				result = e.alreadyClosed(p, bids)
				return nil
			}

			var winner *models.Bid
			switch req.Path {
			case models.ClosePathExpiry:
				if !p.Expired(now) {
					return ErrNotDue
				}
				winner = SelectWinner(bids)
			default:
				winner = findBid(bids, req.SelectedBidID)
				if winner == nil || winner.Status != models.BidStatusAccepted {
					return models.ErrBidNotEligible
				}
			}

			closed, notes, err := e.closeLocked(ctx, tx, req.Path, winner, bids, now)
			if errors.Is(err, store.ErrAlreadyClosed) {
				result = e.alreadyClosed(p, bids)
				return nil
			}
			if err != nil {
				return err
			}
			result, outbox = closed, notes
			return persist(ctx, tx, outbox)
		})
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}

	if result.AlreadyClosed {
		e.log.Debug().Str("product_id", req.ProductID).Str("path", string(req.Path)).Msg("Auction already closed")
		return result, nil
	}

	e.fanout.Fanout(ctx, outbox...)
	e.closed(ctx, result, req.ActorID)
	return result, nil
}

func (e *Engine) alreadyClosed(p *models.Product, bids []*models.Bid) *CloseResult {
	r := &CloseResult{
		ProductID:     p.ID,
		Winner:        currentWinner(bids),
		AlreadyClosed: true,
	}
	if p.ClosedAt != nil {
		r.ClosedAt = *p.ClosedAt
		r.ArchiveAt = p.ClosedAt.Add(e.archiveDelay)
	}
	return r
}

// closeLocked performs the close inside tx and returns the notifications the
// caller must persist with it. winner may be nil.
func (e *Engine) closeLocked(ctx context.Context, tx store.ProductTx, path models.ClosePath, winner *models.Bid, bids []*models.Bid, now time.Time) (*CloseResult, []*models.Notification, error) {
	p := tx.Product()

	winnerID, winnerBidder := "", ""
	if winner != nil {
		winnerID, winnerBidder = winner.ID, winner.BidderID
	}

	// one loss notice per bidder still in contention
	var losers []*models.Bid
	seen := map[string]bool{winnerBidder: winner != nil}
	for _, b := range bids {
		if b.ID == winnerID || !b.Status.Live() || seen[b.BidderID] {
			continue
		}
		seen[b.BidderID] = true
		losers = append(losers, b)
	}

	if err := tx.CloseAuction(ctx, store.Closure{ClosedAt: now, WinnerBidID: winnerID}); err != nil {
		return nil, nil, err
	}

	result := &CloseResult{
		ProductID: p.ID,
		Path:      path,
		ClosedAt:  now,
		ArchiveAt: now.Add(e.archiveDelay),
	}

	var outbox []*models.Notification
	if winner != nil {
		w := *winner
		w.Winner = true
		w.UpdatedAt = now
		result.Winner = &w

		conv, _, err := tx.GetOrCreateConversation(ctx, p.SellerID, w.BidderID, p.ID)
		if err != nil {
			return nil, nil, err
		}
		result.Conversation = conv

		amount := money(w.Amount, w.Currency)
		seller := bidNotification(p.SellerID, models.NotificationAuctionEnded,
			fmt.Sprintf("Bidding ended for '%s'. Winner is %s with %s.", p.Title, e.displayName(ctx, w.BidderID), amount),
			p, &w, now)
		won := bidNotification(w.BidderID, models.NotificationAuctionWon,
			fmt.Sprintf("Congratulations! You won '%s' with %s.", p.Title, amount),
			p, &w, now)
		for _, n := range []*models.Notification{seller, won} {
			n.ConversationID = conv.ID
			n.Metadata["conversation_id"] = conv.ID
			n.Metadata["close_path"] = string(path)
		}
		outbox = append(outbox, seller, won)
	} else {
		n := bidNotification(p.SellerID, models.NotificationAuctionEnded,
			fmt.Sprintf("Bidding ended for '%s' without an accepted bid.", p.Title), p, nil, now)
		n.Metadata["close_path"] = string(path)
		outbox = append(outbox, n)
	}

	for _, b := range losers {
		outbox = append(outbox, bidNotification(b.BidderID, models.NotificationAuctionLost,
			fmt.Sprintf("Bidding for '%s' has ended; your bid was not selected.", p.Title),
			p, b, now))
	}
	return result, outbox, nil
}

// closed records a committed close
func (e *Engine) closed(ctx context.Context, r *CloseResult, actorID string) {
	e.metrics.AuctionClosed(string(r.Path), r.Winner != nil)

	ev := models.AuctionEvent{
		Type:       models.EventAuctionClosed,
		ProductID:  r.ProductID,
		ActorID:    actorID,
		Path:       r.Path,
		OccurredAt: r.ClosedAt,
	}
	logEvent := e.log.Info().
		Str("product_id", r.ProductID).
		Str("path", string(r.Path)).
		Time("archive_at", r.ArchiveAt)
	if r.Winner != nil {
		ev.BidID = r.Winner.ID
		ev.Amount = decimal.NewNullDecimal(r.Winner.Amount)
		ev.Status = r.Winner.Status
		logEvent = logEvent.Str("winner_bid_id", r.Winner.ID).Str("amount", r.Winner.Amount.String())
	}
	e.emit(ctx, ev)
	logEvent.Msg("Auction closed")
}

func (e *Engine) displayName(ctx context.Context, userID string) string {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return u.DisplayName()
}

// Archive moves a closed auction into history once the archive delay has
// elapsed. Reports whether this call did the archiving.
func (e *Engine) Archive(ctx context.Context, productID string) (bool, error) {
	now := e.now()
	ok, err := e.store.ArchiveAuction(ctx, productID, now.Add(-e.archiveDelay))
	if err != nil {
		return false, fmt.Errorf("failed to archive %s: %w", productID, err)
	}
	if !ok {
		return false, nil
	}

	e.metrics.AuctionArchived()
	e.emit(ctx, models.AuctionEvent{
		Type:       models.EventAuctionArchived,
		ProductID:  productID,
		OccurredAt: now,
	})
	e.log.Info().Str("product_id", productID).Msg("Auction archived")
	return true, nil
}
