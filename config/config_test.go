package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultExecutionTimeoutSeconds, cfg.Engine.ExecutionTimeoutSeconds)
	assert.Equal(t, DefaultMaxConcurrent, cfg.Engine.MaxConcurrent)
	assert.Equal(t, DefaultHealthIntervalSeconds, cfg.Agent.HealthIntervalSeconds)
	assert.Equal(t, DefaultTickIntervalSeconds, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, DefaultSubscriberBuffer, cfg.Stream.SubscriberBuffer)
	assert.Equal(t, 300*time.Second, cfg.ExecutionTimeout())
	assert.Equal(t, 1*time.Second, cfg.TickInterval())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_SERVER_PORT", "9123")
	t.Setenv("LOOM_ENGINE_EXECUTION_TIMEOUT_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9123, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.ExecutionTimeout())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.toml")
	content := `
[database]
path = "/tmp/loom-test.db"

[engine]
execution_timeout_seconds = 120

[agent]
base_url = "http://agents.internal:9000"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/loom-test.db", cfg.Database.Path)
	assert.Equal(t, 120, cfg.Engine.ExecutionTimeoutSeconds)
	assert.Equal(t, "http://agents.internal:9000", cfg.Agent.BaseURL)
	// Unset sections fall back to defaults
	assert.Equal(t, DefaultTickIntervalSeconds, cfg.Scheduler.TickIntervalSeconds)
}

func TestValidateRejectsNonsense(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"negative timeout", func(c *Config) { c.Engine.ExecutionTimeoutSeconds = -1 }},
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }},
		{"empty agent url", func(c *Config) { c.Agent.BaseURL = "" }},
		{"zero tick", func(c *Config) { c.Scheduler.TickIntervalSeconds = 0 }},
		{"zero buffer", func(c *Config) { c.Stream.SubscriberBuffer = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 8780\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debouncePeriod = 50 * time.Millisecond
	defer w.Stop()

	var reloaded atomic.Int32
	var gotPort atomic.Int32
	w.OnReload(func(cfg *Config) error {
		gotPort.Store(int32(cfg.Server.Port))
		reloaded.Add(1)
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9999\n"), 0o644))

	require.Eventually(t, func() bool {
		return reloaded.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond, "reload callback never fired")
	assert.Equal(t, int32(9999), gotPort.Load())
}
