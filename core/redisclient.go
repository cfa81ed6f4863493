package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient builds a production-tuned *redis.Client from
// RedisConfig and verifies connectivity with a short retry loop,
// exactly as the teacher framework's RedisRegistry constructor does.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", ErrInvalidConfiguration)
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = client.Ping(ctx).Err()
		cancel()
		if pingErr == nil {
			return client, nil
		}
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	return nil, fmt.Errorf("failed to connect to redis after retries: %w", ErrConnectionFailed)
}

// Namespaced builds the "<namespace>:<rest>" key convention used by
// every component against the layout in the specification's external
// interfaces section.
func Namespaced(namespace string, parts ...string) string {
	key := namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
