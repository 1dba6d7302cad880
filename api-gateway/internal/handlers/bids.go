package handlers

import (
	"errors"
	"net/http"

	"github.com/aaronwang/marketplace/api-gateway/internal/redis"
	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/mux"
)

type decisionResponse struct {
	Bid     *models.Bid           `json:"bid"`
	Auction *models.CloseResponse `json:"auction,omitempty"`
}

func closeResponse(r *auction.CloseResult) *models.CloseResponse {
	resp := &models.CloseResponse{
		ProductID:     r.ProductID,
		WinningBid:    r.Winner,
		AlreadyClosed: r.AlreadyClosed,
	}
	if !r.ArchiveAt.IsZero() {
		archiveAt := r.ArchiveAt
		resp.ArchiveAt = &archiveAt
	}
	return resp
}

// PlaceBid admits a bid for admin review
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req models.BidRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.ProductID == "" {
		h.respondError(w, r, models.ErrInvalidRequest.WithMessage("productId is required"))
		return
	}

	if h.limiter != nil {
		ok, err := h.limiter.Allow(r.Context(), redis.BidKey(id.UserID, req.ProductID))
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", id.UserID).Msg("Bid throttle unavailable, allowing")
		} else if !ok {
			h.respondError(w, r, models.ErrRateLimited)
			return
		}
	}

	bid, err := h.engine.Submit(r.Context(), auction.SubmitRequest{
		ProductID: req.ProductID,
		BidderID:  id.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, bid)
}

// DecideBid lets an admin accept or reject a pending bid
func (h *Handler) DecideBid(w http.ResponseWriter, r *http.Request) {
	var req models.DecisionRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.engine.Decide(r.Context(), mux.Vars(r)["id"], req.Action, identity(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := decisionResponse{Bid: result.Bid}
	if result.Close != nil {
		resp.Auction = closeResponse(result.Close)
	}
	respondJSON(w, http.StatusOK, resp)
}

// CloseAuction lets the seller end an auction by picking an accepted bid
func (h *Handler) CloseAuction(w http.ResponseWriter, r *http.Request) {
	var req models.CloseRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.SelectedBidID == "" {
		h.respondError(w, r, models.ErrBidNotEligible.WithMessage("selectedBidId is required"))
		return
	}

	result, err := h.engine.Close(r.Context(), auction.CloseRequest{
		ProductID:     mux.Vars(r)["productId"],
		Path:          models.ClosePathSeller,
		SelectedBidID: req.SelectedBidID,
		ActorID:       identity(r).UserID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, closeResponse(result))
}

// ListBids returns a product's bids, best first, to its seller or an admin
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	productID := mux.Vars(r)["id"]

	p, err := h.store.GetProduct(r.Context(), productID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.SellerID != id.UserID && !id.IsAdmin()) {
		h.respondError(w, r, models.ErrProductNotFound)
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	bids, err := h.store.ListBids(r.Context(), productID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	auction.Rank(bids)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"product_id": productID,
		"floor":      auction.Floor(p, bids),
		"bids":       bids,
	})
}
