package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aaronwang/marketplace/broadcast-service/internal/presence"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens authenticate the socket; origins are not restricted
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Store is what the hub reads and writes
type Store interface {
	store.NotificationStore
	store.ChatStore
	store.UserStore
}

// Handler handles WebSocket connections
type Handler struct {
	manager   *Manager
	store     Store
	publisher *notify.Publisher
	presence  *presence.Tracker
	tokens    *auth.Tokens
	policy    *bluemonday.Policy
	metrics   *metrics.Collector
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, st Store, publisher *notify.Publisher, tracker *presence.Tracker, tokens *auth.Tokens, m *metrics.Collector, opts Options, log zerolog.Logger) *Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Handler{
		manager:   manager,
		store:     st,
		publisher: publisher,
		presence:  tracker,
		tokens:    tokens,
		policy:    bluemonday.StrictPolicy(),
		metrics:   m,
		opts:      opts,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetupRoutes configures WebSocket routes. metricsHandler may be nil.
func (h *Handler) SetupRoutes(metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws/notifications", h.HandleNotifications)
	router.HandleFunc("/ws/conversations/{id}", h.HandleConversation)

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/stats/topics/{topic}", h.GetStats).Methods("GET")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	return router
}

// HandleNotifications streams a user's notifications. Unread notifications
// are replayed first; live ones already covered by the replay are skipped.
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(conn, notify.UserTopic(id.UserID), id.UserID, h.opts.SendBuffer)

	// Subscribe before reading the inbox so nothing published in between is lost
	h.manager.Subscribe(client)

	unread, err := h.store.ListUnreadNotifications(client.ctx, id.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to load unread notifications")
		h.refuse(client, "replay_unavailable", "notifications are unavailable, reconnect later")
		return
	}
	if unread == nil {
		unread = []*models.Notification{}
	}

	if err := h.greet(client); err != nil {
		h.manager.Unsubscribe(client)
		conn.Close()
		return
	}
	replay, err := models.NewEnvelope(models.OutboundUnreadNotifications, "", unread)
	if err == nil {
		err = client.writeDirect(replay, h.opts.WriteTimeout)
	}
	if err != nil {
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to replay notifications")
		h.manager.Unsubscribe(client)
		conn.Close()
		return
	}
	for _, n := range unread {
		client.markReplayed(n.ID)
	}

	go client.writePump(h.opts, h.metrics.Delivered)
	go client.readPump(h.opts, h.log,
		func(raw []byte) { h.handleNotificationAction(client, raw) },
		func() { h.manager.Unsubscribe(client) },
	)

	h.log.Info().
		Str("client_id", client.ID).
		Str("user_id", id.UserID).
		Int("replayed", len(unread)).
		Msg("Notification stream opened")
}

func (h *Handler) handleNotificationAction(client *Client, raw []byte) {
	var in models.InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		client.sendError(models.ErrInvalidRequest.Code, "malformed frame")
		return
	}

	switch in.Action {
	case models.ActionMarkAsRead:
		n, err := h.store.MarkNotificationsRead(client.ctx, client.UserID, in.NotificationIDs, h.now())
		if err != nil {
			h.log.Error().Err(err).Str("user_id", client.UserID).Msg("Failed to mark notifications read")
			client.sendError("internal", "failed to mark notifications read")
			return
		}
		h.log.Debug().Str("user_id", client.UserID).Int64("marked", n).Msg("Notifications marked read")
	default:
		client.sendError(models.ErrInvalidAction.Code, "unsupported action")
	}
}

// refuse reports why the stream cannot start and closes it. Live frames are
// never sent without the replay in front of them; the client reconnects for
// a complete one.
func (h *Handler) refuse(client *Client, code, message string) {
	if env, err := models.NewEnvelope(models.OutboundError, "", &models.Error{Code: code, Message: message}); err == nil {
		client.writeDirect(env, h.opts.WriteTimeout)
	}
	client.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code),
		time.Now().Add(h.opts.WriteTimeout))
	h.manager.Unsubscribe(client)
	client.Conn.Close()
}

func (h *Handler) greet(client *Client) error {
	env, err := models.NewEnvelope(models.OutboundConnected, "", map[string]string{
		"clientId": client.ID,
		"topic":    client.Topic,
	})
	if err != nil {
		return err
	}
	return client.writeDirect(env, h.opts.WriteTimeout)
}

// authenticate answers 401 itself when the token is missing or invalid
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := h.tokens.FromRequest(r)
	if err != nil {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected unauthenticated socket")
		respondError(w, models.ErrUnauthorized)
		return auth.Identity{}, false
	}
	return id, true
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "broadcast-service",
		"topics":  h.manager.TopicCount(),
	})
}

// GetStats returns statistics for a topic
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"topic":       topic,
		"subscribers": h.manager.GetSubscriberCount(topic),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	var domain *models.Error
	if !errors.As(err, &domain) {
		domain = &models.Error{Code: "internal", Message: "internal error", Status: http.StatusInternalServerError}
	}
	respondJSON(w, domain.Status, map[string]*models.Error{"error": domain})
}
