package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/memstore"
	"github.com/LuminPulse-AI/chatsync/cache/sqlstore"
	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

var errNoToken = errors.New("no token. Run 'chatsync init <token>' first")

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Default.Environment, cfg.Default.LogLevel)
}

// openStore opens and initializes the configured cache backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, error) {
	var store cache.Store
	switch cfg.Cache.Backend {
	case "memory":
		store = memstore.New(memstore.WithLogger(logger))
	default:
		path, err := cfg.CachePath()
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(path, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store = s
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if !cfg.Cache.Enabled {
		store.DisableStorage()
	}
	return store, nil
}

// userID prefers the configured id and falls back to the token subject.
func userID(cfg *config.Config) string {
	if cfg.Auth.UserID != "" {
		return cfg.Auth.UserID
	}
	sub, _ := auth.TokenSubject(cfg.Auth.Token)
	return sub
}

var persistMu sync.Mutex

// persistToken writes token to the config file without the environment
// overrides that Load applied.
func persistToken(token string) error {
	persistMu.Lock()
	defer persistMu.Unlock()

	path, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.Read(path)
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	return config.Write(path, cfg)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
