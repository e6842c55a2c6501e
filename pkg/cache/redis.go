// Package cache builds the Redis client used for change notification
// fan-out and distributed rate limiting.
package cache

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis options the service cares about. Addr like
// "redis:6379"; Username/Password for ACL-auth setups; UseTLS for managed
// providers.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	UseTLS   bool
	PoolSize int
}

// New returns a configured redis.Client and verifies connectivity with PING.
// The returned closer must run during shutdown.
func New(ctx context.Context, cfg Config) (*redis.Client, func(), error) {
	opts := &redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 10
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	// Health check
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	closer := func() {
		_ = client.Close()
	}
	return client, closer, nil
}
