package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape. Durations are strings ("90s", "6h").
// Unset fields leave the defaults untouched.
type fileConfig struct {
	Log struct {
		Level  string `toml:"level" yaml:"level"`
		Format string `toml:"format" yaml:"format"`
	} `toml:"log" yaml:"log"`

	Postgres struct {
		DSN string `toml:"dsn" yaml:"dsn"`
	} `toml:"postgres" yaml:"postgres"`

	Redis struct {
		Addr string `toml:"addr" yaml:"addr"`
		DB   int    `toml:"db" yaml:"db"`
	} `toml:"redis" yaml:"redis"`

	Worker struct {
		Concurrency    int    `toml:"concurrency" yaml:"concurrency"`
		PollInterval   string `toml:"poll_interval" yaml:"poll_interval"`
		LeaseTimeout   string `toml:"lease_timeout" yaml:"lease_timeout"`
		Heartbeat      string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
		MaxAttempts    int    `toml:"max_attempts" yaml:"max_attempts"`
		BackoffInitial string `toml:"backoff_initial" yaml:"backoff_initial"`
		BackoffMax     string `toml:"backoff_max" yaml:"backoff_max"`
		QuotaDeferMin  string `toml:"quota_defer_min" yaml:"quota_defer_min"`
		QuotaDeferMax  string `toml:"quota_defer_max" yaml:"quota_defer_max"`
	} `toml:"worker" yaml:"worker"`

	Gemini struct {
		Model          string `toml:"model" yaml:"model"`
		EmbedModel     string `toml:"embed_model" yaml:"embed_model"`
		EmbedDimension int    `toml:"embed_dimension" yaml:"embed_dimension"`
	} `toml:"gemini" yaml:"gemini"`

	Sync struct {
		Schedule       string `toml:"schedule" yaml:"schedule"`
		ReaperSchedule string `toml:"reaper_schedule" yaml:"reaper_schedule"`
		BatchLimit     int    `toml:"batch_limit" yaml:"batch_limit"`
		CheckEvery     string `toml:"check_every" yaml:"check_every"`
	} `toml:"sync" yaml:"sync"`

	DataDir string `toml:"data_dir" yaml:"data_dir"`

	APIs []APIQuota `toml:"apis" yaml:"apis"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return fmt.Errorf("config file %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc.merge(cfg)
}

func (fc fileConfig) merge(cfg *Config) error {
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.PostgresDSN, fc.Postgres.DSN)
	setString(&cfg.RedisAddr, fc.Redis.Addr)
	if fc.Redis.DB != 0 {
		cfg.RedisDB = fc.Redis.DB
	}
	setInt(&cfg.WorkerConcurrency, fc.Worker.Concurrency)
	setInt(&cfg.MaxAttempts, fc.Worker.MaxAttempts)
	setString(&cfg.GeminiModel, fc.Gemini.Model)
	setString(&cfg.GeminiEmbedModel, fc.Gemini.EmbedModel)
	setInt(&cfg.GeminiEmbedDim, fc.Gemini.EmbedDimension)
	setString(&cfg.SyncSchedule, fc.Sync.Schedule)
	setString(&cfg.ReaperSchedule, fc.Sync.ReaperSchedule)
	setInt(&cfg.SyncBatchLimit, fc.Sync.BatchLimit)
	setString(&cfg.DataDir, fc.DataDir)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"worker.poll_interval", fc.Worker.PollInterval, &cfg.WorkerPollInterval},
		{"worker.lease_timeout", fc.Worker.LeaseTimeout, &cfg.LeaseTimeout},
		{"worker.heartbeat_interval", fc.Worker.Heartbeat, &cfg.HeartbeatInterval},
		{"worker.backoff_initial", fc.Worker.BackoffInitial, &cfg.BackoffInitial},
		{"worker.backoff_max", fc.Worker.BackoffMax, &cfg.BackoffMax},
		{"worker.quota_defer_min", fc.Worker.QuotaDeferMin, &cfg.QuotaDeferMin},
		{"worker.quota_defer_max", fc.Worker.QuotaDeferMax, &cfg.QuotaDeferMax},
		{"sync.check_every", fc.Sync.CheckEvery, &cfg.SyncCheckEvery},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if len(fc.APIs) > 0 {
		cfg.APIs = fc.APIs
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
