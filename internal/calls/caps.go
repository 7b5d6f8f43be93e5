package calls

import (
	"context"
	"sync"
	"time"

	"papercup-core/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Caps bounds how many simultaneous calls a user may have in flight.
// Acquire is called before dialing; Release when the call lands terminal.
type Caps interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// RedisCaps counts active calls per user in Redis. The TTL bounds how long
// a leaked slot survives a crashed process; it should exceed the maximum
// call duration.
type RedisCaps struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisCaps(rdb *redis.Client, limit int, ttl time.Duration) *RedisCaps {
	return &RedisCaps{rdb: rdb, limit: limit, ttl: ttl}
}

func capKey(userID string) string { return "active_calls:" + userID }

func (c *RedisCaps) Acquire(ctx context.Context, userID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, c.rdb, capKey(userID), c.limit, c.ttl)
}

func (c *RedisCaps) Release(ctx context.Context, userID string) error {
	return utils.ReleaseConcurrencyCap(ctx, c.rdb, capKey(userID))
}

// MemoryCaps is a process-local Caps for tests and single-node development.
type MemoryCaps struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func NewMemoryCaps(limit int) *MemoryCaps {
	return &MemoryCaps{limit: limit, counts: make(map[string]int)}
}

func (c *MemoryCaps) Acquire(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[userID] >= c.limit {
		return false, nil
	}
	c.counts[userID]++
	return true, nil
}

func (c *MemoryCaps) Release(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[userID] > 0 {
		c.counts[userID]--
	}
	if c.counts[userID] == 0 {
		delete(c.counts, userID)
	}
	return nil
}
