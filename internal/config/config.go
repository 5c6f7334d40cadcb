// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/refreshcache/engine"
)

// Storage backends.
const (
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
	BackendMemcached = "memcached"
)

// Config holds all application configuration
type Config struct {
	Cache    CacheConfig
	Fetch    FetchConfig
	Resource ResourceConfig

	RedisAddr  string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Port       string `env:"PORT" envDefault:"8080"`
	AdminToken string `env:"ADMIN_TOKEN"`
}

// CacheConfig selects the storage backend and sizes the engine
type CacheConfig struct {
	Backend        string        `env:"CACHE_BACKEND" envDefault:"file"`
	Dir            string        `env:"CACHE_DIR"`
	SQLitePath     string        `env:"CACHE_SQLITE_PATH"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	MemcachedAddrs []string      `env:"MEMCACHED_ADDRS" envSeparator:","`
	MemoryMB       int           `env:"CACHE_MEMORY_MB" envDefault:"64"`
	// MemoryLife evicts memory records older than this whatever their policy
	MemoryLife     time.Duration `env:"CACHE_MEMORY_LIFE_WINDOW" envDefault:"8760h"`
	StorageWorkers int           `env:"CACHE_STORAGE_WORKERS" envDefault:"2"`
	WorkWorkers    int           `env:"CACHE_WORK_WORKERS" envDefault:"4"`
	NetworkWorkers int           `env:"CACHE_NETWORK_WORKERS" envDefault:"8"`
	RefreshEvery   time.Duration `env:"CACHE_REFRESH_INTERVAL" envDefault:"1s"`
	RetryBackoff   time.Duration `env:"CACHE_RETRY_BACKOFF" envDefault:"60s"`
	CollectStats   bool          `env:"CACHE_COLLECT_STATS" envDefault:"false"`
	StrictErrors   bool          `env:"CACHE_STRICT_ERRORS" envDefault:"false"`
}

// FetchConfig configures the HTTP live source
type FetchConfig struct {
	BaseURL           string        `env:"FETCH_BASE_URL"`
	APIKey            string        `env:"FETCH_API_KEY"`
	APIKeyHeader      string        `env:"FETCH_API_KEY_HEADER" envDefault:"api-key"`
	OAuthClientID     string        `env:"FETCH_OAUTH_CLIENT_ID"`
	OAuthClientSecret string        `env:"FETCH_OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     string        `env:"FETCH_OAUTH_TOKEN_URL"`
	RatePerSec        float64       `env:"FETCH_RATE_PER_SEC" envDefault:"0"`
	Timeout           time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
}

// ResourceConfig sets the cache policy of the resource kind
type ResourceConfig struct {
	Policy       string `env:"RESOURCE_POLICY" envDefault:"CacheThenRefresh"`
	CacheSeconds int    `env:"RESOURCE_CACHE_SECONDS" envDefault:"300"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Cache.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		cfg.Cache.Dir = filepath.Join(home, ".refreshcache")
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = filepath.Join(cfg.Cache.Dir, "cache.db")
	}
	return cfg, nil
}

// HasFetch returns true if a live source is configured
func (c *Config) HasFetch() bool {
	return c.Fetch.BaseURL != ""
}

// HasOAuth returns true if OAuth2 client credentials are complete
func (c *Config) HasOAuth() bool {
	return c.Fetch.OAuthClientID != "" && c.Fetch.OAuthClientSecret != "" && c.Fetch.OAuthTokenURL != ""
}

// HasAdminToken returns true if the admin API is protected
func (c *Config) HasAdminToken() bool {
	return c.AdminToken != ""
}

// ResourcePolicy returns the configured policy of the resource kind
func (c *Config) ResourcePolicy() (engine.CachePolicy, error) {
	p, err := engine.ParsePolicy(c.Resource.Policy)
	if err != nil {
		return engine.CachePolicy{}, fmt.Errorf("RESOURCE_POLICY: %w", err)
	}
	return engine.CachePolicy{
		Policy:   p,
		Duration: time.Duration(c.Resource.CacheSeconds) * time.Second,
	}, nil
}

// EngineOptions maps the cache settings onto engine options
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithWorkers(c.Cache.StorageWorkers, c.Cache.WorkWorkers, c.Cache.NetworkWorkers),
		engine.WithRefreshInterval(c.Cache.RefreshEvery),
		engine.WithRetryBackoff(c.Cache.RetryBackoff),
		engine.WithStats(c.Cache.CollectStats),
		engine.WithStrictErrors(c.Cache.StrictErrors),
	}
}

// Validate checks the backend-specific requirements
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case BackendFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("CACHE_DIR is required for the file backend"))
		}
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			errs = append(errs, errors.New("CACHE_SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Cache.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
		if c.Cache.MemoryMB <= 0 {
			errs = append(errs, fmt.Errorf("CACHE_MEMORY_MB must be positive, got %d", c.Cache.MemoryMB))
		}
		if c.Cache.MemoryLife <= 0 {
			errs = append(errs, fmt.Errorf("CACHE_MEMORY_LIFE_WINDOW must be positive, got %s", c.Cache.MemoryLife))
		}
	case BackendMemcached:
		if len(c.Cache.MemcachedAddrs) == 0 {
			errs = append(errs, errors.New("MEMCACHED_ADDRS is required for the memcached backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend))
	}
	if _, err := c.ResourcePolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Fetch.RatePerSec < 0 {
		errs = append(errs, errors.New("FETCH_RATE_PER_SEC must not be negative"))
	}
	if (c.Fetch.OAuthClientID != "" || c.Fetch.OAuthTokenURL != "") && !c.HasOAuth() {
		errs = append(errs, errors.New("FETCH_OAUTH_CLIENT_ID, FETCH_OAUTH_CLIENT_SECRET and FETCH_OAUTH_TOKEN_URL must be set together"))
	}
	return errors.Join(errs...)
}
