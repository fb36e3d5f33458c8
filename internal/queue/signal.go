package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-catalog/internal/config"
)

const defaultWakeupKey = "catalog:wakeup"

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Signal wakes idle workers when new work lands in Postgres. It carries no
// job state; a lost or duplicated signal only changes how soon a worker polls.
type Signal struct {
	client *redis.Client
	key    string
	limit  int64
}

// NewSignal returns a wake-up channel backed by a capped Redis list.
func NewSignal(client *redis.Client) *Signal {
	return &Signal{client: client, key: defaultWakeupKey, limit: 64}
}

// Notify pushes one token. The list is trimmed so a burst of enqueues
// cannot grow it without bound.
func (s *Signal) Notify(ctx context.Context, jobType string) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, jobType)
	pipe.LTrim(ctx, s.key, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify workers: %w", err)
	}
	return nil
}

// Wait blocks until a token arrives or timeout elapses. It reports whether
// a token was received.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := s.client.BLPop(ctx, timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("wait for wake-up: %w", err)
	}
	return true, nil
}
