package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aaronwang/marketplace/broadcast-service/internal/presence"
	"github.com/aaronwang/marketplace/shared/auth"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/aaronwang/marketplace/shared/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv       *httptest.Server
	store     *store.Memory
	publisher *notify.Publisher
	tokens    *auth.Tokens
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, func(st *store.Memory) Store { return st })
}

// newHarnessWith serves the hub over wrap(memory store)
func newHarnessWith(t *testing.T, wrap func(*store.Memory) Store) *harness {
	t.Helper()
	st := store.NewMemory()
	m := NewManager(nil, zerolog.Nop())

	lb := pubsub.NewLoopback()
	lb.Subscribe(func(topic string, payload []byte) { m.Broadcast(topic, payload) })
	pub := notify.NewPublisher(st, lb, nil, zerolog.Nop())
	tokens := auth.NewTokens("test-secret", "marketplace")

	opts := Options{
		SendBuffer:     16,
		WriteTimeout:   time.Second,
		PongWait:       time.Minute,
		PingPeriod:     50 * time.Second,
		MaxMessageSize: 8192,
		MessageRate:    100,
		MessageBurst:   100,
	}
	h := NewHandler(m, wrap(st), pub, presence.NewTracker(), tokens, nil, opts, zerolog.Nop())

	srv := httptest.NewServer(h.SetupRoutes(nil))
	t.Cleanup(srv.Close)

	require.NoError(t, st.UpsertUser(context.Background(), &models.User{ID: "alice", Name: "Alice"}))
	return &harness{srv: srv, store: st, publisher: pub, tokens: tokens, manager: m}
}

func (h *harness) url(path, userID string, t *testing.T) string {
	tok, err := h.tokens.Issue(userID, auth.RoleUser, time.Hour)
	require.NoError(t, err)
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path + "?token=" + tok
}

func (h *harness) dial(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url(path, userID, t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestNotificationStreamReplaysUnreadThenLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := notify.New("alice", models.NotificationBidAccepted, "Your bid was accepted.", time.Now())
	require.NoError(t, h.store.CreateNotification(ctx, old))

	conn := h.dial(t, "/ws/notifications", "alice")
	assert.Equal(t, models.OutboundConnected, read(t, conn).Type)

	replay := read(t, conn)
	require.Equal(t, models.OutboundUnreadNotifications, replay.Type)
	var unread []*models.Notification
	require.NoError(t, json.Unmarshal(replay.Payload, &unread))
	require.Len(t, unread, 1)
	assert.Equal(t, old.ID, unread[0].ID)

	live := notify.New("alice", models.NotificationBidRejected, "Your bid was rejected.", time.Now())
	require.NoError(t, h.publisher.Notify(ctx, live))

	env := read(t, conn)
	assert.Equal(t, models.OutboundNotification, env.Type)
	assert.Equal(t, live.ID, env.ID)
}

type unreadFailingStore struct {
	*store.Memory
}

func (unreadFailingStore) ListUnreadNotifications(context.Context, string) ([]*models.Notification, error) {
	return nil, errors.New("db down")
}

func TestNotificationStreamRefusedWhenInboxUnavailable(t *testing.T) {
	h := newHarnessWith(t, func(st *store.Memory) Store { return unreadFailingStore{st} })
	n := notify.New("alice", models.NotificationBidAccepted, "Your bid was accepted.", time.Now())
	require.NoError(t, h.store.CreateNotification(context.Background(), n))

	conn := h.dial(t, "/ws/notifications", "alice")

	env := read(t, conn)
	require.Equal(t, models.OutboundError, env.Type)
	var e models.Error
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	assert.Equal(t, "replay_unavailable", e.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), err.Error())

	assert.Eventually(t, func() bool {
		return h.manager.GetSubscriberCount(notify.UserTopic("alice")) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNotificationStreamMarksRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := notify.New("alice", models.NotificationBidAccepted, "Your bid was accepted.", time.Now())
	require.NoError(t, h.store.CreateNotification(ctx, n))

	conn := h.dial(t, "/ws/notifications", "alice")
	read(t, conn)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(models.InboundMessage{
		Action:          models.ActionMarkAsRead,
		NotificationIDs: []string{n.ID},
	}))

	assert.Eventually(t, func() bool {
		unread, err := h.store.ListUnreadNotifications(ctx, "alice")
		return err == nil && len(unread) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSocketsRequireToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/ws/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/ws/notifications?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationRejectsOutsiders(t *testing.T) {
	h := newHarness(t)
	conv, _, err := h.store.GetOrCreateConversation(context.Background(), "seller", "alice", "p1")
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(h.url("/ws/conversations/"+conv.ID, "mallory", t), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.url("/ws/conversations/missing", "alice", t), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatDeliversToPresentParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, _, err := h.store.GetOrCreateConversation(ctx, "seller", "alice", "p1")
	require.NoError(t, err)

	sellerConn := h.dial(t, "/ws/conversations/"+conv.ID, "seller")
	read(t, sellerConn)
	aliceConn := h.dial(t, "/ws/conversations/"+conv.ID, "alice")
	read(t, aliceConn)

	require.NoError(t, aliceConn.WriteJSON(models.InboundMessage{
		Action:  models.ActionSendMessage,
		Content: "hello <script>alert(1)</script><b>there</b>",
	}))

	env := read(t, sellerConn)
	require.Equal(t, models.OutboundChatMessage, env.Type)
	var msg models.Message
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.NotContains(t, msg.Content, "<")
	assert.Contains(t, msg.Content, "there")

	stored, err := h.store.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	assert.Never(t, func() bool {
		unread, err := h.store.ListUnreadNotifications(ctx, "seller")
		return err != nil || len(unread) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestChatNotifiesAbsentParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, _, err := h.store.GetOrCreateConversation(ctx, "seller", "alice", "p1")
	require.NoError(t, err)

	aliceConn := h.dial(t, "/ws/conversations/"+conv.ID, "alice")
	read(t, aliceConn)

	require.NoError(t, aliceConn.WriteJSON(models.InboundMessage{Action: models.ActionSendMessage, Content: "still available?"}))
	assert.Equal(t, models.OutboundChatMessage, read(t, aliceConn).Type)

	var unread []*models.Notification
	require.Eventually(t, func() bool {
		unread, err = h.store.ListUnreadNotifications(ctx, "seller")
		return err == nil && len(unread) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.NotificationChatMessage, unread[0].Kind)
	assert.Equal(t, conv.ID, unread[0].ConversationID)
	assert.Contains(t, unread[0].Message, "Alice")
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t)
	conv, _, err := h.store.GetOrCreateConversation(context.Background(), "seller", "alice", "p1")
	require.NoError(t, err)

	conn := h.dial(t, "/ws/conversations/"+conv.ID, "alice")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(models.InboundMessage{Action: models.ActionSendMessage, Content: "   "}))
	env := read(t, conn)
	require.Equal(t, models.OutboundError, env.Type)
	assert.Contains(t, string(env.Payload), models.ErrEmptyMessage.Code)
}

func TestStatsReportsSubscribers(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/notifications", "alice")
	read(t, conn)
	read(t, conn)

	resp, err := http.Get(h.srv.URL + "/stats/topics/" + notify.UserTopic("alice"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Subscribers int `json:"subscribers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Subscribers)
}
