// Package app builds the store, Manager and plugins shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/cache/memcached"
	"github.com/briangreenhill/refreshcache/cache/memory"
	"github.com/briangreenhill/refreshcache/cache/postgres"
	"github.com/briangreenhill/refreshcache/cache/sqlite"
	"github.com/briangreenhill/refreshcache/engine"
	"github.com/briangreenhill/refreshcache/fetch"
	"github.com/briangreenhill/refreshcache/internal/config"
	"github.com/briangreenhill/refreshcache/plugins"
)

// App is a configured cache ready to serve loads.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    *cache.Store
	Manager  *engine.Manager
	Plugins  *plugins.Registry
	Resource *fetch.Plugin // nil without FETCH_BASE_URL
}

// OpenProvider opens the backend selected by CACHE_BACKEND.
func OpenProvider(ctx context.Context, cfg *config.Config) (cache.Provider, error) {
	switch cfg.Cache.Backend {
	case config.BackendFile:
		return cache.NewFileProvider(cfg.Cache.Dir)
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		return sqlite.Open(cfg.Cache.SQLitePath)
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Cache.DatabaseURL)
	case config.BackendMemory:
		return memory.New(ctx, memory.Config{MaxMemoryMB: cfg.Cache.MemoryMB, LifeWindow: cfg.Cache.MemoryLife})
	case config.BackendMemcached:
		c, err := memcached.New(cfg.Cache.MemcachedAddrs, memcached.WithTimeout(time.Second))
		if err != nil {
			return nil, err
		}
		if err := c.Ping(); err != nil {
			return nil, fmt.Errorf("ping memcached: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Cache.Backend)
	}
}

// NewFetchClient builds the HTTP client of the resource kind.
func NewFetchClient(cfg *config.Config) (*fetch.Client, error) {
	opts := []fetch.Option{fetch.WithTimeout(cfg.Fetch.Timeout)}
	if cfg.Fetch.APIKey != "" {
		opts = append(opts, fetch.WithAPIKey(cfg.Fetch.APIKey, cfg.Fetch.APIKeyHeader))
	}
	if cfg.HasOAuth() {
		opts = append(opts, fetch.WithClientCredentials(cfg.Fetch.OAuthClientID, cfg.Fetch.OAuthClientSecret, cfg.Fetch.OAuthTokenURL))
	}
	if cfg.Fetch.RatePerSec > 0 {
		opts = append(opts, fetch.WithRateLimit(cfg.Fetch.RatePerSec, 1))
	}
	return fetch.New(cfg.Fetch.BaseURL, opts...)
}

// New validates cfg, opens the store and installs the configured plugins.
// Extra options are applied after the ones derived from cfg.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...engine.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	provider, err := OpenProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Cache.Backend, err)
	}
	store := cache.NewStore(provider, cache.WithStoreLogger(log))

	engineOpts := append([]engine.Option{engine.WithLogger(log)}, cfg.EngineOptions()...)
	m := engine.New(store, append(engineOpts, opts...)...)

	a := &App{
		Config:  cfg,
		Log:     log,
		Store:   store,
		Manager: m,
		Plugins: plugins.NewRegistry(),
	}

	if cfg.HasFetch() {
		client, err := NewFetchClient(cfg)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("fetch client: %w", err)
		}
		policy, err := cfg.ResourcePolicy()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Resource = fetch.NewPlugin(client, policy)
		a.Plugins.Register(a.Resource)
	}
	if err := a.Plugins.InstallAll(m); err != nil {
		_ = a.Close()
		return nil, err
	}

	log.Info().
		Str("backend", cfg.Cache.Backend).
		Strs("kinds", m.Kinds()).
		Msg("cache ready")
	return a, nil
}

// Close stops the Manager and closes the store.
func (a *App) Close() error {
	return errors.Join(a.Manager.Close(), a.Store.Close())
}
