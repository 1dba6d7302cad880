package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aaronwang/marketplace/shared/config"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options tune the per-connection pumps
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	MessageRate    float64
	MessageBurst   int
}

// OptionsFromConfig maps hub configuration onto pump options
func OptionsFromConfig(cfg config.HubConfig) Options {
	return Options{
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageSize,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
	}
}

type frame struct {
	id      string
	payload []byte
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	Topic  string
	UserID string
	Conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan frame
	closed bool

	// ids already delivered by the connect-time replay; owned by writePump
	replayed map[string]struct{}
}

func newClient(conn *websocket.Conn, topic, userID string, buffer int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:       uuid.New().String(),
		Topic:    topic,
		UserID:   userID,
		Conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan frame, buffer),
		replayed: make(map[string]struct{}),
	}
}

func (c *Client) enqueue(f frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.cancel()
	}
}

// markReplayed must be called before writePump starts
func (c *Client) markReplayed(ids ...string) {
	for _, id := range ids {
		c.replayed[id] = struct{}{}
	}
}

// skip reports whether f was already written by the replay. A replayed id
// matches once and is then forgotten, so the set only shrinks.
func (c *Client) skip(f frame) bool {
	if f.id == "" {
		return false
	}
	if _, ok := c.replayed[f.id]; !ok {
		return false
	}
	delete(c.replayed, f.id)
	return true
}

// writeDirect writes on the connection before writePump owns it
func (c *Client) writeDirect(env *models.Envelope, timeout time.Duration) error {
	c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.Conn.WriteJSON(env)
}

// writePump pumps frames from the send queue to the websocket connection
func (c *Client) writePump(opts Options, onDelivered func()) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.skip(f) {
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, f.payload); err != nil {
				return
			}
			onDelivered()

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client frames until the connection fails, then runs done.
// Frames beyond the configured rate are answered with an error and ignored.
func (c *Client) readPump(opts Options, log zerolog.Logger, handle func(raw []byte), done func()) {
	defer done()

	limiter := rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)

	c.Conn.SetReadLimit(opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.ID).Msg("WebSocket read error")
			}
			return
		}
		if !limiter.Allow() {
			c.sendError("rate_limited", "too many messages")
			continue
		}
		handle(message)
	}
}

func (c *Client) sendError(code, message string) {
	env, err := models.NewEnvelope(models.OutboundError, "", &models.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(frame{payload: payload})
}
