package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaCache remembers recent ledger denials in Redis so that workers across
// processes can defer a job without taking the ledger row lock. It only ever
// short-circuits a denial; admission always goes through the ledger.
type QuotaCache struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
}

func NewQuotaCache(client *redis.Client, maxTTL time.Duration) *QuotaCache {
	if maxTTL <= 0 {
		maxTTL = 10 * time.Second
	}
	return &QuotaCache{client: client, prefix: "catalog:quota:blocked:", maxTTL: maxTTL}
}

// MarkBlocked records that api is denied until the given instant. The entry
// lives at most maxTTL so a ceiling raised by an operator is picked up quickly.
func (c *QuotaCache) MarkBlocked(ctx context.Context, api string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
		until = time.Now().Add(ttl)
	}
	if err := c.client.Set(ctx, c.prefix+api, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("mark quota blocked: %w", err)
	}
	return nil
}

// BlockedUntil returns the cached denial horizon for api, if any.
func (c *QuotaCache) BlockedUntil(ctx context.Context, api string) (time.Time, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+api).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read quota cache: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse quota cache entry: %w", err)
	}
	until := time.UnixMilli(ms)
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Clear drops any cached denial for api, e.g. after an operator edits its quota.
func (c *QuotaCache) Clear(ctx context.Context, api string) error {
	return c.client.Del(ctx, c.prefix+api).Err()
}
