package websocket

import (
	"encoding/json"
	"sync"

	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/rs/zerolog"
)

// Manager manages all WebSocket connections, grouped by topic
type Manager struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}

	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewManager creates a new WebSocket manager
func NewManager(m *metrics.Collector, log zerolog.Logger) *Manager {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		topics:  make(map[string]map[*Client]struct{}),
		metrics: m,
		log:     log.With().Str("component", "hub").Logger(),
	}
}

// Subscribe adds a client to its topic. It returns once the client is
// reachable by Broadcast, so anything published afterwards is queued for it.
func (m *Manager) Subscribe(client *Client) {
	m.mu.Lock()
	subscribers, ok := m.topics[client.Topic]
	if !ok {
		subscribers = make(map[*Client]struct{})
		m.topics[client.Topic] = subscribers
	}
	subscribers[client] = struct{}{}
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.log.Debug().
		Str("client_id", client.ID).
		Str("topic", client.Topic).
		Str("user_id", client.UserID).
		Msg("Client subscribed")
}

// Unsubscribe removes a client and closes its send queue. Safe to call more
// than once.
func (m *Manager) Unsubscribe(client *Client) {
	m.mu.Lock()
	subscribers, ok := m.topics[client.Topic]
	_, member := subscribers[client]
	if ok && member {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(m.topics, client.Topic)
		}
	}
	m.mu.Unlock()

	client.close()
	if member {
		m.metrics.ConnectionClosed()
		m.log.Debug().
			Str("client_id", client.ID).
			Str("topic", client.Topic).
			Msg("Client unsubscribed")
	}
}

// Broadcast queues payload for every client on topic and returns how many
// accepted it. A client whose queue is full misses the frame; it can recover
// missed notifications from the inbox.
func (m *Manager) Broadcast(topic string, payload []byte) int {
	f := frame{id: envelopeID(payload), payload: payload}

	m.mu.RLock()
	targets := make([]*Client, 0, len(m.topics[topic]))
	for c := range m.topics[topic] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	count := 0
	for _, c := range targets {
		if c.enqueue(f) {
			count++
			continue
		}
		m.metrics.Dropped()
		m.log.Warn().
			Str("client_id", c.ID).
			Str("topic", topic).
			Str("frame_id", f.id).
			Msg("Send queue full, dropping frame")
	}

	m.log.Debug().Str("topic", topic).Int("clients", count).Msg("Broadcasted frame")
	return count
}

// GetSubscriberCount returns the number of clients on topic
func (m *Manager) GetSubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// TopicCount returns the number of topics with at least one client
func (m *Manager) TopicCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics)
}

// Shutdown disconnects every client
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*Client
	for _, subscribers := range m.topics {
		for c := range subscribers {
			all = append(all, c)
		}
	}
	m.mu.Unlock()

	for _, c := range all {
		m.Unsubscribe(c)
	}
}

func envelopeID(payload []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.ID
}
