package risk

import (
	"context"
	"strconv"
	"time"
)

// AttemptCounter counts login attempts per identity in fixed windows. Each
// window gets its own key whose TTL equals the window length, so stale
// counters expire in the store without any polling.
type AttemptCounter struct {
	store  CounterStore
	window time.Duration
}

// NewAttemptCounter creates a counter over window-sized buckets
func NewAttemptCounter(store CounterStore, window time.Duration) *AttemptCounter {
	if window <= 0 {
		window = time.Minute
	}
	return &AttemptCounter{store: store, window: window}
}

// WindowKey returns the counter key of the window containing now
func (c *AttemptCounter) WindowKey(identity string, now time.Time) string {
	bucket := now.UTC().Truncate(c.window).Unix()
	return attemptKeyPrefix + identity + ":" + strconv.FormatInt(bucket, 10)
}

// Increment records one attempt for identity and returns the count within
// the current window
func (c *AttemptCounter) Increment(ctx context.Context, identity string, now time.Time) (int64, error) {
	return c.store.IncrementWithTTL(ctx, c.WindowKey(identity, now), c.window)
}

// CheckLimit reports whether count exceeds limit
func CheckLimit(count int64, limit int) bool {
	return count > int64(limit)
}
