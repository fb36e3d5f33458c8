package models

import "time"

// RateLimitConfig is one ledger row per external API identity.
type RateLimitConfig struct {
	APIName           string     `json:"api_name"`
	RequestsPerMinute int        `json:"requests_per_minute"`
	RequestsPerHour   int        `json:"requests_per_hour"`
	RequestsPerDay    int        `json:"requests_per_day"`
	MinuteCount       int        `json:"minute_count"`
	HourCount         int        `json:"hour_count"`
	DayCount          int        `json:"day_count"`
	MinuteResetAt     *time.Time `json:"minute_reset_at,omitempty"`
	HourResetAt       *time.Time `json:"hour_reset_at,omitempty"`
	DayResetAt        *time.Time `json:"day_reset_at,omitempty"`
	Enabled           bool       `json:"enabled"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// QuotaStatus is the remaining capacity of one ledger row as seen at a point in time.
type QuotaStatus struct {
	APIName         string     `json:"api_name"`
	Enabled         bool       `json:"enabled"`
	MinuteRemaining int        `json:"minute_remaining"`
	HourRemaining   int        `json:"hour_remaining"`
	DayRemaining    int        `json:"day_remaining"`
	Admissible      bool       `json:"admissible"`
	NextResetAt     *time.Time `json:"next_reset_at,omitempty"`
}
