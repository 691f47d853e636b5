package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.CapDelay)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval())
	assert.Equal(t, 4, cfg.MaxConcurrentLanes)
	assert.Equal(t, 4, cfg.MaxConcurrentRequests)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_fileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	content := strings.Join([]string{
		"data_dir: /tmp/quill-test",
		"remote_url: https://blog.example.com/api",
		"base_delay: 500ms",
		"cap_delay: 1m",
		"max_attempts: 3",
		"max_concurrent_lanes: 2",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("QUILL_MAX_ATTEMPTS", "5")
	t.Setenv("QUILL_SYNC_INTERVAL_SECONDS", "60")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/quill-test", cfg.DataDir)
	assert.Equal(t, "https://blog.example.com/api", cfg.RemoteURL)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, time.Minute, cfg.CapDelay)
	assert.Equal(t, 5, cfg.MaxAttempts, "env overrides file")
	assert.Equal(t, time.Minute, cfg.SyncInterval())
	assert.Equal(t, 2, cfg.MaxConcurrentLanes)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DataDir:               "/d",
			BaseDelay:             time.Second,
			CapDelay:              time.Minute,
			MaxAttempts:           3,
			SyncIntervalSeconds:   10,
			MaxConcurrentLanes:    1,
			MaxConcurrentRequests: 1,
			RequestTimeout:        time.Second,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"valid", func(*Config) {}, ""},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"zero base", func(c *Config) { c.BaseDelay = 0 }, "base_delay"},
		{"cap below base", func(c *Config) { c.CapDelay = time.Millisecond }, "cap_delay"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"zero interval", func(c *Config) { c.SyncIntervalSeconds = 0 }, "sync_interval_seconds"},
		{"zero lanes", func(c *Config) { c.MaxConcurrentLanes = 0 }, "max_concurrent_lanes"},
		{"zero requests", func(c *Config) { c.MaxConcurrentRequests = 0 }, "max_concurrent_requests"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "request_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestLoader_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /d\nsync_interval_seconds: 30\n"), 0o600))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.SyncInterval())

	changed := make(chan *Config, 4)
	loader.Watch(func(c *Config, err error) {
		if err == nil {
			changed <- c
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("data_dir: /d\nsync_interval_seconds: 90\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.SyncInterval() == 90*time.Second {
				assert.Equal(t, c, loader.Current())
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
