package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_CONFIG", "")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("LEASE_TIMEOUT", "3m")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("FRAMES_S3_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 3*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.FramesS3PathStyle)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/srv/catalog"

[worker]
concurrency = 4
lease_timeout = "20m"

[[apis]]
name = "gemini_flash"
per_minute = 2
per_hour = 100
per_day = 1000

[[apis]]
name = "youtube_data"
per_minute = 10
per_hour = 100
per_day = 1000
disabled = true
`), 0o644))
	t.Setenv("CATALOG_CONFIG", path)
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/catalog", cfg.DataDir)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 20*time.Minute, cfg.LeaseTimeout)
	require.Len(t, cfg.APIs, 2)
	assert.Equal(t, APIQuota{Name: "gemini_flash", PerMinute: 2, PerHour: 100, PerDay: 1000}, cfg.APIs[0])
	assert.True(t, cfg.APIs[1].Disabled)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  max_attempts: 5
  backoff_initial: 10s
apis:
  - name: gemini_flash
    per_minute: 3
    per_hour: 30
    per_day: 300
`), 0o644))
	t.Setenv("CATALOG_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.BackoffInitial)
	require.Len(t, cfg.APIs, 1)
	assert.Equal(t, 3, cfg.APIs[0].PerMinute)
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	unsupported := filepath.Join(dir, "catalog.ini")
	require.NoError(t, os.WriteFile(unsupported, []byte("x=1"), 0o644))
	t.Setenv("CATALOG_CONFIG", unsupported)
	_, err := Load()
	assert.Error(t, err)

	badDuration := filepath.Join(dir, "catalog.toml")
	require.NoError(t, os.WriteFile(badDuration, []byte("[worker]\nlease_timeout = \"soon\"\n"), 0o644))
	t.Setenv("CATALOG_CONFIG", badDuration)
	_, err = Load()
	assert.ErrorContains(t, err, "worker.lease_timeout")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"duplicate api":        func(c *Config) { c.APIs = append(c.APIs, c.APIs[0]) },
		"negative ceiling":     func(c *Config) { c.APIs[0].PerMinute = -1 },
		"unnamed api":          func(c *Config) { c.APIs[0].Name = "" },
		"zero concurrency":     func(c *Config) { c.WorkerConcurrency = 0 },
		"heartbeat over lease": func(c *Config) { c.HeartbeatInterval = c.LeaseTimeout },
		"defer min over max":   func(c *Config) { c.QuotaDeferMin = c.QuotaDeferMax + time.Second },
		"bad log level":        func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.APIs = append([]APIQuota(nil), cfg.APIs...)
			mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
