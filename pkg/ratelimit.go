package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Errors
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// DistributedLimiter throttles money-movement operations per identity. A
// local rate.Limiter per identity gives the fast path; Redis counters
// enforce the same per-identity limit across replicas. With no Redis
// client it degrades to local-only.
type DistributedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	limit       rate.Limit
	burst       int
	redisClient *redis.Client
	keyPrefix   string        // e.g: "ratelimit:ledger"
	perIdentity int64         // allowed operations per window per identity
	ttl         time.Duration // counter window, e.g. 1m
	logger      *zap.Logger
}

// NewDistributedLimiter creates a limiter; if perIdentity=0, it's unlimited.
func NewDistributedLimiter(redisClient *redis.Client, keyPrefix string, perIdentity int, burst int, ttl time.Duration, logger *zap.Logger) *DistributedLimiter {
	return &DistributedLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       rate.Limit(float64(perIdentity) / ttl.Seconds()),
		burst:       burst,
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		perIdentity: int64(perIdentity),
		ttl:         ttl,
		logger:      logger,
	}
}

func (d *DistributedLimiter) limiterFor(identity string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[identity]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[identity] = l
	}
	return l
}

// Allow checks if identity may run one more operation in the current window.
func (d *DistributedLimiter) Allow(ctx context.Context, identity string) bool {
	if d.perIdentity <= 0 {
		return true // Unlimited
	}

	// Local check first (fast path); one identity's burst never throttles
	// another's.
	if !d.limiterFor(identity).Allow() {
		return false
	}

	if d.redisClient == nil {
		return true
	}

	// Distributed check via Redis atomic increment
	key := fmt.Sprintf("%s:%s", d.keyPrefix, identity)
	pipe := d.redisClient.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		d.logger.Error("Redis rate limit error; falling back to local", zap.Error(err))
		return true
	}

	count := incr.Val()
	if count > d.perIdentity {
		d.logger.Warn("rate limit exceeded", zap.String("identity", identity), zap.Int64("count", count))
		return false
	}
	return true
}
