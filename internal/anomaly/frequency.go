package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// FrequencyTracker counts events per actor (user id or IP) over a rolling
// hour. The unusual-context check keys off it.
type FrequencyTracker interface {
	// Increment bumps the actor's counter and returns the count within the
	// last hour.
	Increment(ctx context.Context, actor string) (int, error)
}

// RedisFrequencyTracker implements FrequencyTracker on Redis with INCR and
// a one-hour expiry, which is the shared mutable state when scaled
// horizontally.
type RedisFrequencyTracker struct {
	client *redis.Client
	prefix string
}

// NewRedisFrequencyTracker connects to Redis and verifies the connection.
func NewRedisFrequencyTracker(addr, password string, db int) (*RedisFrequencyTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisFrequencyTracker{client: client, prefix: "anomaly:freq:"}, nil
}

// Increment bumps the actor counter, setting the expiry on first increment.
func (t *RedisFrequencyTracker) Increment(ctx context.Context, actor string) (int, error) {
	key := t.prefix + actor

	pipe := t.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("frequency increment failed: %w", err)
	}
	return int(incr.Val()), nil
}

// Close closes the Redis connection.
func (t *RedisFrequencyTracker) Close() error {
	return t.client.Close()
}

// MemoryFrequencyTracker is the in-process fallback used by tests and
// single-node deployments without Redis.
type MemoryFrequencyTracker struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewMemoryFrequencyTracker creates an empty in-memory tracker.
func NewMemoryFrequencyTracker() *MemoryFrequencyTracker {
	return &MemoryFrequencyTracker{buckets: make(map[string][]time.Time)}
}

// Increment records an occurrence and returns the rolling-hour count.
func (t *MemoryFrequencyTracker) Increment(ctx context.Context, actor string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)

	kept := t.buckets[actor][:0]
	for _, ts := range t.buckets[actor] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.buckets[actor] = kept
	return len(kept), nil
}
