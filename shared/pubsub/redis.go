package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces topic channels in Redis
const ChannelPrefix = "market:"

// Channel maps a hub topic onto its Redis channel
func Channel(topic string) string {
	return ChannelPrefix + topic
}

// TopicFromChannel reverses Channel
func TopicFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ChannelPrefix) || len(channel) == len(ChannelPrefix) {
		return "", false
	}
	return channel[len(ChannelPrefix):], true
}

// Redis publishes topic frames over Redis Pub/Sub so that every
// broadcast-service instance sees them
type Redis struct {
	client *redis.Client
}

// NewClient connects to Redis and verifies the connection
func NewClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewRedis wraps an existing client
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish sends payload on the topic's channel
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, Channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
