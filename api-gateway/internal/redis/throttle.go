package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic fixed-window counter. The first hit in a window
// starts its expiry, so a key never outlives its window.
//
//	KEYS[1]: throttle key
//	ARGV[1]: window in milliseconds
//	ARGV[2]: hits allowed per window
var windowScript = redis.NewScript(`
	local hits = redis.call('INCR', KEYS[1])
	if hits == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	if hits > tonumber(ARGV[2]) then
		return 0
	end
	return 1
`)

// Throttle limits how often a key may act within a window, shared across
// every gateway instance
type Throttle struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewThrottle creates a throttle allowing limit hits per window
func NewThrottle(client *redis.Client, limit int, window time.Duration) *Throttle {
	return &Throttle{client: client, limit: limit, window: window}
}

// BidKey is the throttle key for one bidder on one product
func BidKey(bidderID, productID string) string {
	return fmt.Sprintf("market:throttle:bid:%s:%s", bidderID, productID)
}

// Allow counts a hit on key and reports whether it is within the limit
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	res, err := windowScript.Run(ctx, t.client, []string{key}, t.window.Milliseconds(), t.limit).Int()
	if err != nil {
		return false, fmt.Errorf("failed to execute throttle script: %w", err)
	}
	return res == 1, nil
}
