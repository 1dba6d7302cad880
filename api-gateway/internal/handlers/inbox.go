package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/mux"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// ListNotifications returns the caller's unread notifications, oldest first
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	unread, err := h.store.ListUnreadNotifications(r.Context(), identity(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if unread == nil {
		unread = []*models.Notification{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": unread})
}

// MarkNotificationsRead marks the given notifications read; no ids marks all
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req models.MarkReadRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	n, err := h.store.MarkNotificationsRead(r.Context(), identity(r).UserID, req.IDs, h.now())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// StartConversation opens (or returns) the caller's chat with a product's seller
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req models.StartConversationRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	p, err := h.store.GetProduct(r.Context(), req.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(w, r, models.ErrProductNotFound)
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if p.SellerID == id.UserID {
		h.respondError(w, r, models.ErrInvalidRequest.WithMessage("cannot start a conversation about your own product"))
		return
	}

	conv, created, err := h.store.GetOrCreateConversation(r.Context(), p.SellerID, id.UserID, p.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, conv)
}

// ListConversations returns conversations the caller takes part in
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context(), identity(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// ListMessages returns a conversation's latest messages to a participant
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, r, models.ErrInvalidRequest.WithMessage("limit must be a positive integer"))
			return
		}
		limit = min(n, maxMessageLimit)
	}

	msgs, err := h.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// MarkSeen marks the other participant's messages as seen
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	n, err := h.store.MarkMessagesSeen(r.Context(), conv.ID, identity(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"seen": n})
}

func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	conv, err := h.store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(w, r, models.ErrConversationNotFound)
		return nil, false
	}
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}
	if !conv.HasParticipant(identity(r).UserID) {
		h.respondError(w, r, models.ErrNotParticipant)
		return nil, false
	}
	return conv, true
}
