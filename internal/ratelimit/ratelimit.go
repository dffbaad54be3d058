// Package ratelimit provides fixed-window request limiters keyed by caller.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow replaces a non-positive window.
const DefaultWindow = time.Minute

// Limiter decides whether one more request for key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	// Window is the length of one counting window.
	Window() time.Duration
}

func normalize(limit int, window time.Duration) (int, time.Duration) {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return limit, window
}

// Redis counts requests in Redis, so every replica shares one budget.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedis constructs a Redis limiter allowing limit requests per window.
// A limit below one becomes one and a non-positive window DefaultWindow.
func NewRedis(client *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	limit, window = normalize(limit, window)
	return &Redis{client: client, prefix: prefix, limit: limit, window: window}
}

// Window implements Limiter.
func (l *Redis) Window() time.Duration { return l.window }

// Allow increments the caller's counter for the current window. The key
// expires with the window, so Redis never holds more than two windows.
func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(l.limit), nil
}

// Memory is a single-process limiter.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

// NewMemory constructs a Memory limiter, normalizing limit and window the
// same way as NewRedis.
func NewMemory(limit int, window time.Duration) *Memory {
	limit, window = normalize(limit, window)
	return &Memory{limit: limit, window: window, now: time.Now, buckets: map[string]*bucket{}}
}

// Window implements Limiter.
func (l *Memory) Window() time.Duration { return l.window }

// Allow counts the request against key's current window.
func (l *Memory) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		b = &bucket{start: now}
		l.buckets[key] = b
		l.sweep(now)
	}
	b.count++
	return b.count <= l.limit, nil
}

// sweep drops expired buckets. Called with mu held.
func (l *Memory) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}
