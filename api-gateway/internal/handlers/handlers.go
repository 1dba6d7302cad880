package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aaronwang/marketplace/api-gateway/internal/middleware"
	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Limiter throttles repeated actions by key
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler contains HTTP request handlers
type Handler struct {
	engine  *auction.Engine
	store   store.Store
	tokens  *auth.Tokens
	limiter Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// NewHandler creates a new HTTP handler. limiter may be nil.
func NewHandler(engine *auction.Engine, st store.Store, tokens *auth.Tokens, limiter Limiter, log zerolog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		store:   st,
		tokens:  tokens,
		limiter: limiter,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetupRoutes configures all HTTP routes. metricsHandler may be nil.
func (h *Handler) SetupRoutes(metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(h.tokens))

	api.HandleFunc("/bid", h.PlaceBid).Methods("POST")
	api.Handle("/bid/{id}/decide", middleware.RequireAdmin(http.HandlerFunc(h.DecideBid))).Methods("POST")
	api.HandleFunc("/auction/{productId}/close", h.CloseAuction).Methods("POST")
	api.HandleFunc("/products/{id}/bids", h.ListBids).Methods("GET")

	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/read", h.MarkNotificationsRead).Methods("POST")

	api.HandleFunc("/conversations", h.StartConversation).Methods("POST")
	api.HandleFunc("/conversations", h.ListConversations).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", h.ListMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/seen", h.MarkSeen).Methods("POST")

	router.Use(middleware.Logging(h.log))
	router.Use(middleware.CORS)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "api-gateway",
		"time":    h.now().Format(time.RFC3339),
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.ErrInvalidRequest
	}
	return nil
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError maps domain errors to their status; anything else is a 500
// whose cause is logged, not returned
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var domain *models.Error
	if !errors.As(err, &domain) {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		domain = &models.Error{Code: "Internal", Message: "internal server error", Status: http.StatusInternalServerError}
	}
	respondJSON(w, domain.Status, map[string]*models.Error{"error": domain})
}
