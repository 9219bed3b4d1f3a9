package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/logging"
)

// Limiter decides whether a user's request fits within their configured
// quota, returning the wait time until the next token when it doesn't
// (spec.md §4.9 step 5).
type Limiter interface {
	Allow(ctx context.Context, userID uint64, quota int, interval time.Duration) (bool, time.Duration)
}

// memoryLimiter keeps one token bucket per user in process memory — the
// default when no Redis URL is configured. Single-instance only.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[uint64]*rate.Limiter
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{buckets: make(map[uint64]*rate.Limiter)}
}

func (m *memoryLimiter) Allow(ctx context.Context, userID uint64, quota int, interval time.Duration) (bool, time.Duration) {
	m.mu.Lock()
	lim, ok := m.buckets[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval/time.Duration(quota)), quota)
		m.buckets[userID] = lim
	}
	m.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}
	res := lim.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait
}

// redisLimiter implements a fixed-window counter against a shared Redis
// instance, so a quota survives process restarts and is shared across
// every Bichon instance pointed at the same Redis (still a single
// logical deployment, not a cluster — spec.md's non-goals).
type redisLimiter struct {
	client *redis.Client
	log    *logging.Logger
}

func newRedisLimiter(redisURL string, log *logging.Logger) (*redisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InvalidParameter, "invalid rate_limit redis_url", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to connect to rate limit redis", err)
	}
	return &redisLimiter{client: client, log: log}, nil
}

func (r *redisLimiter) Allow(ctx context.Context, userID uint64, quota int, interval time.Duration) (bool, time.Duration) {
	key := fmt.Sprintf("bichon:ratelimit:%d:%d", userID, time.Now().Unix()/int64(interval.Seconds()))

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.log.ErrorContext(ctx, "rate limit redis INCR failed, allowing request", err, "user_id", userID)
		return true, 0
	}
	if count == 1 {
		r.client.Expire(ctx, key, interval)
	}
	if int(count) <= quota {
		return true, 0
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = interval
	}
	return false, ttl
}

func (r *redisLimiter) Close() error {
	return r.client.Close()
}

// NewLimiter builds the configured limiter: Redis-backed when a URL is
// given, otherwise an in-process token bucket.
func NewLimiter(redisURL string, log *logging.Logger) (Limiter, error) {
	if redisURL == "" {
		return newMemoryLimiter(), nil
	}
	return newRedisLimiter(redisURL, log)
}
