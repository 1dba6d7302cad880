package auction

import (
	"sort"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/shopspring/decimal"
)

// Floor is the amount a new bid must strictly exceed: the starting price or
// the highest bid still competing (pending or accepted), whichever is larger.
// Pending bids count so that admissions are validated serially against
// everything admitted before them, not only against what review has cleared.
func Floor(p *models.Product, bids []*models.Bid) decimal.Decimal {
	floor := p.StartingPrice
	for _, b := range bids {
		if b.Status.Live() && b.Amount.GreaterThan(floor) {
			floor = b.Amount
		}
	}
	return floor
}

// SelectWinner picks the accepted bid with the highest amount, breaking ties
// by earliest creation and then by id. Returns nil when nothing was accepted.
func SelectWinner(bids []*models.Bid) *models.Bid {
	var best *models.Bid
	for _, b := range bids {
		if b.Status != models.BidStatusAccepted {
			continue
		}
		if best == nil || outranks(b, best) {
			best = b
		}
	}
	return best
}

// Rank orders bids for display, best first
func Rank(bids []*models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool { return outranks(bids[i], bids[j]) })
}

func outranks(a, b *models.Bid) bool {
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func findBid(bids []*models.Bid, id string) *models.Bid {
	for _, b := range bids {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func currentWinner(bids []*models.Bid) *models.Bid {
	for _, b := range bids {
		if b.Winner {
			return b
		}
	}
	return nil
}
