package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"content-catalog/internal/config"
	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
)

const rateLimitColumns = `api_name, requests_per_minute, requests_per_hour, requests_per_day,
	minute_count, hour_count, day_count, minute_reset_at, hour_reset_at, day_reset_at, enabled, updated_at`

// QuotaSpec sets the ceilings of one ledger row.
type QuotaSpec struct {
	API       string
	PerMinute int
	PerHour   int
	PerDay    int
	Enabled   bool
}

// Admit runs check-and-consume for api under a row lock and returns the
// decision. A missing row is denied with ReasonUnknown. Calls for different
// APIs never contend.
func (s *Store) Admit(ctx context.Context, api string) (ratelimit.Decision, error) {
	var d ratelimit.Decision
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cfg, err := scanRateLimit(tx.QueryRow(ctx, `
			SELECT `+rateLimitColumns+` FROM api_rate_limits WHERE api_name = $1 FOR UPDATE
		`, api))
		if errors.Is(err, pgx.ErrNoRows) {
			d = ratelimit.Decision{Reason: ratelimit.ReasonUnknown}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock rate limit %s: %w", api, err)
		}

		d = ratelimit.Evaluate(cfg, s.clock())
		if !d.Changed {
			return nil
		}
		n := d.Next
		if _, err := tx.Exec(ctx, `
			UPDATE api_rate_limits
			SET minute_count = $2, hour_count = $3, day_count = $4,
				minute_reset_at = $5, hour_reset_at = $6, day_reset_at = $7, updated_at = $8
			WHERE api_name = $1
		`, api, n.MinuteCount, n.HourCount, n.DayCount, n.MinuteResetAt, n.HourResetAt, n.DayResetAt, n.UpdatedAt); err != nil {
			return fmt.Errorf("update rate limit %s: %w", api, err)
		}
		return nil
	})
	if err != nil {
		return ratelimit.Decision{}, err
	}
	return d, nil
}

// TryConsume reports whether one call to api is admitted, consuming it if so.
func (s *Store) TryConsume(ctx context.Context, api string) (bool, error) {
	d, err := s.Admit(ctx, api)
	if err != nil {
		return false, err
	}
	return d.Admitted, nil
}

// UpsertQuota creates or updates a ledger row. Only ceilings and the enabled
// flag change; counters are clamped to the new ceilings but never reset.
func (s *Store) UpsertQuota(ctx context.Context, q QuotaSpec) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_rate_limits (api_name, requests_per_minute, requests_per_hour, requests_per_day, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (api_name) DO UPDATE SET
			requests_per_minute = EXCLUDED.requests_per_minute,
			requests_per_hour = EXCLUDED.requests_per_hour,
			requests_per_day = EXCLUDED.requests_per_day,
			minute_count = LEAST(api_rate_limits.minute_count, EXCLUDED.requests_per_minute),
			hour_count = LEAST(api_rate_limits.hour_count, EXCLUDED.requests_per_hour),
			day_count = LEAST(api_rate_limits.day_count, EXCLUDED.requests_per_day),
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`, q.API, q.PerMinute, q.PerHour, q.PerDay, q.Enabled, s.clock())
	if err != nil {
		return fmt.Errorf("upsert quota %s: %w", q.API, err)
	}
	return nil
}

// QuotaSpecs converts configured quotas into ledger rows.
func QuotaSpecs(apis []config.APIQuota) []QuotaSpec {
	specs := make([]QuotaSpec, 0, len(apis))
	for _, a := range apis {
		specs = append(specs, QuotaSpec{
			API:       a.Name,
			PerMinute: a.PerMinute,
			PerHour:   a.PerHour,
			PerDay:    a.PerDay,
			Enabled:   !a.Disabled,
		})
	}
	return specs
}

// SeedQuotas upserts every row in specs.
func (s *Store) SeedQuotas(ctx context.Context, specs []QuotaSpec) error {
	for _, q := range specs {
		if err := s.UpsertQuota(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// SetAPIEnabled toggles admission for api.
func (s *Store) SetAPIEnabled(ctx context.Context, api string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_rate_limits SET enabled = $2, updated_at = $3 WHERE api_name = $1
	`, api, enabled, s.clock())
	if err != nil {
		return fmt.Errorf("set api enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetRateLimit(ctx context.Context, api string) (models.RateLimitConfig, error) {
	cfg, err := scanRateLimit(s.pool.QueryRow(ctx, `
		SELECT `+rateLimitColumns+` FROM api_rate_limits WHERE api_name = $1
	`, api))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RateLimitConfig{}, ErrNotFound
	}
	if err != nil {
		return models.RateLimitConfig{}, fmt.Errorf("get rate limit: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListRateLimits(ctx context.Context) ([]models.RateLimitConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+rateLimitColumns+` FROM api_rate_limits ORDER BY api_name`)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close()

	var out []models.RateLimitConfig
	for rows.Next() {
		cfg, err := scanRateLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// QuotaStatuses reports the remaining capacity of every ledger row without
// consuming any.
func (s *Store) QuotaStatuses(ctx context.Context) ([]models.QuotaStatus, error) {
	cfgs, err := s.ListRateLimits(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]models.QuotaStatus, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, ratelimit.Remaining(c, now))
	}
	return out, nil
}

func scanRateLimit(row pgx.Row) (models.RateLimitConfig, error) {
	var c models.RateLimitConfig
	err := row.Scan(&c.APIName, &c.RequestsPerMinute, &c.RequestsPerHour, &c.RequestsPerDay,
		&c.MinuteCount, &c.HourCount, &c.DayCount, &c.MinuteResetAt, &c.HourResetAt, &c.DayResetAt,
		&c.Enabled, &c.UpdatedAt)
	return c, err
}
