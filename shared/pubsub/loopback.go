package pubsub

import (
	"context"
	"sync"
)

// Handler receives a published frame
type Handler func(topic string, payload []byte)

// Loopback delivers publishes to in-process handlers synchronously. It
// stands in for Redis when a single broadcast-service instance serves all
// subscribers.
type Loopback struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewLoopback creates a loopback broker
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Subscribe registers h for every topic
func (l *Loopback) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Publish hands payload to every handler
func (l *Loopback) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}
