package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type testAPI struct {
	store  *store.Memory
	tokens *auth.Tokens
	router *mux.Router
}

func newTestAPI(t *testing.T, limiter Limiter) *testAPI {
	t.Helper()
	st := store.NewMemory()
	publisher := notify.NewPublisher(st, pubsub.NewLoopback(), nil, zerolog.Nop())
	engine := auction.NewEngine(st, publisher, zerolog.Nop())
	tokens := auth.NewTokens("test-secret", "marketplace")

	ctx := context.Background()
	require.NoError(t, st.UpsertUser(ctx, &models.User{ID: "admin", Name: "Ada", IsAdmin: true}))
	require.NoError(t, st.UpsertUser(ctx, &models.User{ID: "alice", Name: "Alice"}))

	p := models.NewAuctionProduct("p1", "seller", "Camera", decimal.NewFromInt(100), "USD", time.Hour, time.Now().UTC())
	p.Approved = true
	p.BuyNowPrice = decimal.NewNullDecimal(decimal.NewFromInt(500))
	require.NoError(t, st.CreateProduct(ctx, p))

	h := NewHandler(engine, st, tokens, limiter, zerolog.Nop())
	return &testAPI{store: st, tokens: tokens, router: h.SetupRoutes(nil)}
}

func (a *testAPI) do(t *testing.T, method, path, userID, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		tok, err := a.tokens.Issue(userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) bid(t *testing.T, userID string, amount int64) *models.Bid {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/bid", userID, auth.RoleUser, map[string]interface{}{
		"productId": "p1", "amount": amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b models.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return &b
}

func (a *testAPI) decide(t *testing.T, bidID, action string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/v1/bid/"+bidID+"/decide", "admin", auth.RoleAdmin, map[string]string{"action": action})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error models.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api-gateway")
}

func TestPlaceBid(t *testing.T) {
	api := newTestAPI(t, nil)

	b := api.bid(t, "alice", 150)
	assert.Equal(t, models.BidStatusPending, b.Status)
	assert.Equal(t, "alice", b.BidderID)

	rec := api.do(t, http.MethodPost, "/api/v1/bid", "bob", auth.RoleUser, map[string]interface{}{"productId": "p1", "amount": 120})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BelowFloor", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/api/v1/bid", "seller", auth.RoleUser, map[string]interface{}{"productId": "p1", "amount": 900})
	assert.Equal(t, "SelfBid", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/api/v1/bid", "bob", auth.RoleUser, map[string]interface{}{"amount": 900})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/bid", "", "", map[string]interface{}{"productId": "p1", "amount": 900})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceBidThrottled(t *testing.T) {
	api := newTestAPI(t, denyAll{})
	rec := api.do(t, http.MethodPost, "/api/v1/bid", "alice", auth.RoleUser, map[string]interface{}{"productId": "p1", "amount": 150})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimited", errorCode(t, rec))
}

func TestDecideBidRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, nil)
	b := api.bid(t, "alice", 150)

	rec := api.do(t, http.MethodPost, "/api/v1/bid/"+b.ID+"/decide", "alice", auth.RoleUser, map[string]string{"action": "accept"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.decide(t, b.ID, "accept")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.BidStatusAccepted, resp.Bid.Status)
	assert.Nil(t, resp.Auction)

	rec = api.decide(t, b.ID, "reject")
	assert.Equal(t, "BidNotPending", errorCode(t, rec))

	rec = api.decide(t, "missing", "accept")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.decide(t, b.ID, "maybe")
	assert.Equal(t, "InvalidAction", errorCode(t, rec))
}

func TestDecideAtBuyNowReportsClose(t *testing.T) {
	api := newTestAPI(t, nil)
	b := api.bid(t, "alice", 500)

	rec := api.decide(t, b.ID, "accept")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Auction)
	assert.Equal(t, b.ID, resp.Auction.WinningBid.ID)
	assert.NotNil(t, resp.Auction.ArchiveAt)
}

func TestCloseAuction(t *testing.T) {
	api := newTestAPI(t, nil)
	b := api.bid(t, "alice", 150)
	require.Equal(t, http.StatusOK, api.decide(t, b.ID, "accept").Code)

	path := "/api/v1/auction/p1/close"
	rec := api.do(t, http.MethodPost, path, "alice", auth.RoleUser, map[string]string{"selectedBidId": b.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, path, "seller", auth.RoleUser, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, path, "seller", auth.RoleUser, map[string]string{"selectedBidId": b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.CloseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, b.ID, resp.WinningBid.ID)
	assert.False(t, resp.AlreadyClosed)

	rec = api.do(t, http.MethodPost, path, "seller", auth.RoleUser, map[string]string{"selectedBidId": b.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.AlreadyClosed)
	assert.Equal(t, b.ID, resp.WinningBid.ID)

	convs, err := api.store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestListBidsVisibleToSellerAndAdmin(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bid(t, "alice", 150)
	api.bid(t, "bob", 200)

	rec := api.do(t, http.MethodGet, "/api/v1/products/p1/bids", "seller", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Floor decimal.Decimal `json:"floor"`
		Bids  []*models.Bid   `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Bids, 2)
	assert.Equal(t, "bob", body.Bids[0].BidderID)
	assert.True(t, body.Floor.Equal(decimal.NewFromInt(200)))

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/v1/products/p1/bids", "admin", auth.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/products/p1/bids", "alice", auth.RoleUser, nil).Code)
}

func TestNotificationInbox(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bid(t, "alice", 150)

	rec := api.do(t, http.MethodGet, "/api/v1/notifications", "alice", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox struct {
		Notifications []*models.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inbox))
	require.Len(t, inbox.Notifications, 1)
	assert.Equal(t, models.NotificationBidPending, inbox.Notifications[0].Kind)

	rec = api.do(t, http.MethodPost, "/api/v1/notifications/read", "alice", auth.RoleUser,
		models.MarkReadRequest{IDs: []string{inbox.Notifications[0].ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"marked":1}`, rec.Body.String())

	// marking again is a no-op
	rec = api.do(t, http.MethodPost, "/api/v1/notifications/read", "alice", auth.RoleUser,
		models.MarkReadRequest{IDs: []string{inbox.Notifications[0].ID}})
	assert.JSONEq(t, `{"marked":0}`, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/notifications", "alice", auth.RoleUser, nil)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())
}

func TestConversations(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/conversations", "alice", auth.RoleUser, map[string]string{"productId": "p1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "seller", conv.SellerID)
	assert.Equal(t, "alice", conv.BuyerID)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations", "alice", auth.RoleUser, map[string]string{"productId": "p1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations", "seller", auth.RoleUser, map[string]string{"productId": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations", "alice", auth.RoleUser, map[string]string{"productId": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, api.store.CreateMessage(context.Background(), &models.Message{
		ID: "m1", ConversationID: conv.ID, SenderID: "seller", Content: "hi", CreatedAt: time.Now(),
	}))

	rec = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "alice", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m1"`)

	rec = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages?limit=zero", "alice", auth.RoleUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "mallory", auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/seen", "alice", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"seen":1}`, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/conversations", "seller", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conv.ID)
}
