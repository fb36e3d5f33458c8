package ratelimit

import (
	"time"

	"content-catalog/internal/models"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonAdmitted Reason = "admitted"
	ReasonQuota    Reason = "quota_exhausted"
	ReasonDisabled Reason = "api_disabled"
	ReasonUnknown  Reason = "api_unknown"
)

// Decision is the outcome of evaluating one ledger row at a point in time.
type Decision struct {
	Admitted bool
	Reason   Reason
	// RetryAt is the earliest instant a denied call could be admitted. Zero
	// when admitted or when no reset time is known (disabled/unknown API).
	RetryAt time.Time
	// Changed reports whether Next differs from the evaluated row and must be persisted.
	Changed bool
	Next    models.RateLimitConfig
}

// Window durations, in ledger column order.
const (
	Minute = time.Minute
	Hour   = time.Hour
	Day    = 24 * time.Hour
)

type slot struct {
	limit  int
	count  *int
	reset  **time.Time
	window time.Duration
}

func slotsOf(c *models.RateLimitConfig) [3]slot {
	return [3]slot{
		{limit: c.RequestsPerMinute, count: &c.MinuteCount, reset: &c.MinuteResetAt, window: Minute},
		{limit: c.RequestsPerHour, count: &c.HourCount, reset: &c.HourResetAt, window: Hour},
		{limit: c.RequestsPerDay, count: &c.DayCount, reset: &c.DayResetAt, window: Day},
	}
}

// rollWindows resets every window whose reset time has passed or is unset.
// Windows roll independently of each other.
func rollWindows(c *models.RateLimitConfig, now time.Time) bool {
	changed := false
	for _, s := range slotsOf(c) {
		if *s.reset == nil || !now.Before(**s.reset) {
			next := now.Add(s.window)
			*s.count = 0
			*s.reset = &next
			changed = true
		}
	}
	return changed
}

// Evaluate runs the check-and-consume algorithm against a locked ledger row.
// Window resets are reported in Next even on denial so that a long idle
// period never leaves stale counters behind; counters only move on admission.
func Evaluate(cfg models.RateLimitConfig, now time.Time) Decision {
	if !cfg.Enabled {
		return Decision{Reason: ReasonDisabled, Next: cfg}
	}

	next := cfg
	changed := rollWindows(&next, now)

	var retryAt time.Time
	for _, s := range slotsOf(&next) {
		if *s.count >= s.limit && (*s.reset).After(retryAt) {
			retryAt = **s.reset
		}
	}
	if !retryAt.IsZero() {
		return Decision{Reason: ReasonQuota, RetryAt: retryAt, Changed: changed, Next: next}
	}

	for _, s := range slotsOf(&next) {
		*s.count++
	}
	next.UpdatedAt = now
	return Decision{Admitted: true, Reason: ReasonAdmitted, Changed: true, Next: next}
}

// Remaining reports the capacity left in each window without consuming any.
func Remaining(cfg models.RateLimitConfig, now time.Time) models.QuotaStatus {
	view := cfg
	rollWindows(&view, now)

	st := models.QuotaStatus{
		APIName:         cfg.APIName,
		Enabled:         cfg.Enabled,
		MinuteRemaining: max(0, view.RequestsPerMinute-view.MinuteCount),
		HourRemaining:   max(0, view.RequestsPerHour-view.HourCount),
		DayRemaining:    max(0, view.RequestsPerDay-view.DayCount),
	}
	st.Admissible = cfg.Enabled && st.MinuteRemaining > 0 && st.HourRemaining > 0 && st.DayRemaining > 0
	if !st.Admissible && cfg.Enabled {
		d := Evaluate(cfg, now)
		if !d.RetryAt.IsZero() {
			st.NextResetAt = &d.RetryAt
		}
	}
	return st
}
