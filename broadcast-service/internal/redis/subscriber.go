package redis

import (
	"context"
	"fmt"

	"github.com/aaronwang/marketplace/shared/notify"
	"github.com/aaronwang/marketplace/shared/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Patterns covers every hub topic
var Patterns = []string{
	pubsub.Channel(notify.KindUser + ":*"),
	pubsub.Channel(notify.KindConversation + ":*"),
}

// Deliver receives a frame for a hub topic
type Deliver func(topic string, payload []byte) int

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    zerolog.Logger
}

// NewSubscriber creates a subscriber on an existing client
func NewSubscriber(client *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		log:    log.With().Str("component", "redis_subscriber").Logger(),
	}
}

// SubscribeToPatterns subscribes to the given channel patterns and waits for
// Redis to confirm the subscription
func (s *Subscriber) SubscribeToPatterns(ctx context.Context, patterns ...string) error {
	s.pubsub = s.client.PSubscribe(ctx, patterns...)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", patterns, err)
	}
	return nil
}

// Listen forwards messages to deliver until ctx is done
// This is a blocking operation - run in a goroutine
func (s *Subscriber) Listen(ctx context.Context, deliver Deliver) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			topic, ok := pubsub.TopicFromChannel(msg.Channel)
			if !ok {
				s.log.Warn().Str("channel", msg.Channel).Msg("Ignoring message on unknown channel")
				continue
			}
			deliver(topic, []byte(msg.Payload))
		}
	}
}

// Close closes the subscription; the client is owned by the caller
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
