// Package config reads and writes ~/.chatsync/config.toml. Values from a .env
// file and CHATSYNC_* environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default   Default   `toml:"default"`
	Auth      Auth      `toml:"auth"`
	Cache     Cache     `toml:"cache"`
	Realtime  Realtime  `toml:"realtime"`
	Reconcile Reconcile `toml:"reconcile"`
	Metrics   Metrics   `toml:"metrics"`
}

// Default holds general settings.
type Default struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

// Auth holds the signed-in account.
type Auth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// Cache selects the local storage backend.
type Cache struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

type Realtime struct {
	MaxRecoveryAttempts int      `toml:"max_recovery_attempts"`
	AutoReconnect       bool     `toml:"auto_reconnect"`
	ReconnectBaseDelay  Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay   Duration `toml:"reconnect_max_delay"`
	ConnectionTimeout   Duration `toml:"connection_timeout"`
}

type Reconcile struct {
	Interval Duration `toml:"interval"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as "10s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults returns the configuration used for keys missing from the file.
func Defaults() *Config {
	return &Config{
		Default: Default{
			BaseURL:     "https://chat.luminpulse.ai",
			Environment: "production",
			LogLevel:    "info",
		},
		Cache: Cache{
			Backend: "sqlite",
			Enabled: true,
		},
		Realtime: Realtime{
			MaxRecoveryAttempts: 3,
			AutoReconnect:       true,
			ReconnectBaseDelay:  Duration(time.Second),
			ReconnectMaxDelay:   Duration(30 * time.Second),
			ConnectionTimeout:   Duration(300 * time.Second),
		},
		Reconcile: Reconcile{Interval: Duration(10 * time.Second)},
		Metrics:   Metrics{Addr: "127.0.0.1:9464"},
	}
}

// Validate reports settings no component can run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("cache.backend must be sqlite or memory, got %q", c.Cache.Backend)
	}
	if c.Realtime.MaxRecoveryAttempts < 0 {
		return errors.New("realtime.max_recovery_attempts must not be negative")
	}
	if c.Reconcile.Interval.Std() <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	return nil
}

// CachePath is the sqlite file, defaulting to cache.db next to the config file.
func (c *Config) CachePath() (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// ============================================================================
// Config helpers
// ============================================================================

// Dir returns the config directory, creating it if needed. CHATSYNC_HOME
// overrides ~/.chatsync.
func Dir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// Path returns the full path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Read parses the file at path over the defaults. A missing file yields the
// defaults.
func Read(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// Load reads the config file and applies .env and environment overrides.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	// .env is optional
	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the config file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return Write(path, cfg)
}

// Write writes cfg to path as TOML.
func Write(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":      "default.base_url",
	"CHATSYNC_REALTIME_URL":  "default.realtime_url",
	"CHATSYNC_ENV":           "default.environment",
	"CHATSYNC_LOG_LEVEL":     "default.log_level",
	"CHATSYNC_TOKEN":         "auth.token",
	"CHATSYNC_USER_ID":       "auth.user_id",
	"CHATSYNC_CACHE_BACKEND": "cache.backend",
	"CHATSYNC_CACHE_PATH":    "cache.path",
	"CHATSYNC_CACHE_ENABLED": "cache.enabled",
	"CHATSYNC_METRICS_ADDR":  "metrics.addr",
}

func applyEnv(cfg *Config) error {
	for env, key := range envKeys {
		if v := os.Getenv(env); v != "" {
			if err := Set(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

// Set sets a config field using dot notation (e.g. "cache.backend").
func Set(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. cache.backend)")
	}
	section, field := parts[0], parts[1]

	var err error
	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "environment":
			cfg.Default.Environment = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "backend":
			cfg.Cache.Backend = value
		case "path":
			cfg.Cache.Path = value
		case "enabled":
			cfg.Cache.Enabled, err = strconv.ParseBool(value)
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "realtime":
		switch field {
		case "max_recovery_attempts":
			cfg.Realtime.MaxRecoveryAttempts, err = strconv.Atoi(value)
		case "auto_reconnect":
			cfg.Realtime.AutoReconnect, err = strconv.ParseBool(value)
		case "reconnect_base_delay":
			err = cfg.Realtime.ReconnectBaseDelay.UnmarshalText([]byte(value))
		case "reconnect_max_delay":
			err = cfg.Realtime.ReconnectMaxDelay.UnmarshalText([]byte(value))
		case "connection_timeout":
			err = cfg.Realtime.ConnectionTimeout.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "reconcile":
		switch field {
		case "interval":
			err = cfg.Reconcile.Interval.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [reconcile]", field)
		}
	case "metrics":
		switch field {
		case "addr":
			cfg.Metrics.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache, realtime, reconcile, metrics)", section)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}
