package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// HandleConversation joins a participant to a conversation's live channel
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, models.ErrConversationNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load conversation")
		respondError(w, err)
		return
	}
	if !conv.HasParticipant(id.UserID) {
		respondError(w, models.ErrNotParticipant)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(conn, notify.ConversationTopic(conv.ID), id.UserID, h.opts.SendBuffer)
	h.manager.Subscribe(client)
	h.presence.Join(conv.ID, id.UserID)

	leave := func() {
		h.presence.Leave(conv.ID, id.UserID)
		h.manager.Unsubscribe(client)
	}

	if err := h.greet(client); err != nil {
		leave()
		conn.Close()
		return
	}

	go client.writePump(h.opts, h.metrics.Delivered)
	go client.readPump(h.opts, h.log,
		func(raw []byte) { h.handleChatAction(client, conv, raw) },
		leave,
	)

	h.log.Info().
		Str("client_id", client.ID).
		Str("conversation_id", conv.ID).
		Str("user_id", id.UserID).
		Msg("Conversation joined")
}

func (h *Handler) handleChatAction(client *Client, conv *models.Conversation, raw []byte) {
	var in models.InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		client.sendError(models.ErrInvalidRequest.Code, "malformed frame")
		return
	}

	switch in.Action {
	case models.ActionSendMessage:
		h.sendMessage(client, conv, in)
	case models.ActionMarkAsSeen:
		if _, err := h.store.MarkMessagesSeen(client.ctx, conv.ID, client.UserID); err != nil {
			h.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to mark messages seen")
			client.sendError("internal", "failed to mark messages seen")
		}
	default:
		client.sendError(models.ErrInvalidAction.Code, "unsupported action")
	}
}

func (h *Handler) sendMessage(client *Client, conv *models.Conversation, in models.InboundMessage) {
	content := strings.TrimSpace(h.policy.Sanitize(in.Content))
	attachment := strings.TrimSpace(in.Attachment)
	if attachment != "" && !validAttachment(attachment) {
		client.sendError(models.ErrInvalidRequest.Code, "attachment must be an http(s) URL")
		return
	}
	if content == "" && attachment == "" {
		client.sendError(models.ErrEmptyMessage.Code, models.ErrEmptyMessage.Message)
		return
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       client.UserID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      h.now(),
	}
	if err := h.store.CreateMessage(client.ctx, msg); err != nil {
		h.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to store message")
		client.sendError("internal", "failed to send message")
		return
	}
	h.publisher.PublishMessage(client.ctx, msg)

	recipient := conv.Counterpart(client.UserID)
	if recipient == "" || h.presence.IsPresent(conv.ID, recipient) {
		return
	}

	sender := client.UserID
	if u, err := h.store.GetUser(client.ctx, client.UserID); err == nil {
		sender = u.DisplayName()
	}
	n := notify.New(recipient, models.NotificationChatMessage, fmt.Sprintf("New message from %s", sender), msg.CreatedAt)
	n.ConversationID = conv.ID
	n.MessageID = msg.ID
	n.ProductID = conv.ProductID
	n.Metadata = map[string]string{"conversation_id": conv.ID, "sender_id": client.UserID}
	if err := h.publisher.Notify(client.ctx, n); err != nil {
		h.log.Error().Err(err).Str("recipient_id", recipient).Msg("Failed to notify offline participant")
	}
}

func validAttachment(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
