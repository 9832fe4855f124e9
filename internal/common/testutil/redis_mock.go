// Package testutil provides testing utilities for the login risk services
package testutil

import (
	"path"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openidx/loginrisk/internal/common/database"
)

// MockRedis bundles a miniredis server with a client wired to it
type MockRedis struct {
	Mini   *miniredis.Miniredis
	Client *database.RedisClient
}

// NewMockRedis starts a miniredis server that is torn down with the test
func NewMockRedis(t testing.TB) *MockRedis {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &MockRedis{
		Mini:   mini,
		Client: &database.RedisClient{Client: client},
	}
}

// FastForward advances key TTLs by d
func (m *MockRedis) FastForward(d time.Duration) {
	m.Mini.FastForward(d)
}

// Keys returns all keys matching a glob pattern
func (m *MockRedis) Keys(pattern string) []string {
	var out []string
	for _, k := range m.Mini.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Break closes the server so subsequent commands fail, simulating an outage
func (m *MockRedis) Break() {
	m.Mini.Close()
}

// Clock is a manually advanced time source for deterministic tests
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
