// Package config loads sync engine settings from defaults, an optional
// YAML/TOML file and QUILL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. QUILL_REMOTE_URL.
const EnvPrefix = "QUILL"

// Config holds every tunable of the sync engine and its host process.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	RemoteURL string `mapstructure:"remote_url"`
	// ListenAddr is the local API address; empty disables the API.
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`

	BaseDelay             time.Duration `mapstructure:"base_delay"`
	CapDelay              time.Duration `mapstructure:"cap_delay"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	SyncIntervalSeconds   int           `mapstructure:"sync_interval_seconds"`
	MaxConcurrentLanes    int           `mapstructure:"max_concurrent_lanes"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
}

// SyncInterval returns the periodic drain interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay))
	}
	if c.CapDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("cap_delay %s is below base_delay %s", c.CapDelay, c.BaseDelay))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.SyncIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("sync_interval_seconds must be at least 1, got %d", c.SyncIntervalSeconds))
	}
	if c.MaxConcurrentLanes < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_lanes must be at least 1, got %d", c.MaxConcurrentLanes))
	}
	if c.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests must be at least 1, got %d", c.MaxConcurrentRequests))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "quill-sync")
	}
	return ".quill-sync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("remote_url", "http://127.0.0.1:8787")
	v.SetDefault("listen_addr", "127.0.0.1:8788")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("base_delay", 2*time.Second)
	v.SetDefault("cap_delay", 5*time.Minute)
	v.SetDefault("max_attempts", 8)
	v.SetDefault("sync_interval_seconds", 300)
	v.SetDefault("max_concurrent_lanes", 4)
	v.SetDefault("max_concurrent_requests", 4)
	v.SetDefault("request_timeout", 30*time.Second)
}

// Loader reads configuration and optionally watches the file for changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for the given file. An empty path means
// defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Viper exposes the underlying instance so callers can bind CLI flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the file (if any), applies overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch re-reads the config file on write and calls onChange with the new
// configuration. Invalid edits are reported through onChange's error and the
// previous configuration stays current. Without a file Watch is a no-op.
func (l *Loader) Watch(onChange func(*Config, error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			onChange(nil, err)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg, nil)
	})
	l.v.WatchConfig()
}

// Load is a convenience wrapper for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
