package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/daangn/minimemcached"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/refreshcache/cache/memcached"
	"github.com/briangreenhill/refreshcache/cache/memory"
	"github.com/briangreenhill/refreshcache/cache/sqlite"
	"github.com/briangreenhill/refreshcache/engine"
	"github.com/briangreenhill/refreshcache/fetch"
	"github.com/briangreenhill/refreshcache/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Cache: config.CacheConfig{
			Backend:        config.BackendFile,
			Dir:            dir,
			SQLitePath:     filepath.Join(dir, "db", "cache.db"),
			MemoryMB:       8,
			StorageWorkers: 1,
			WorkWorkers:    1,
			NetworkWorkers: 1,
			RefreshEvery:   time.Second,
			RetryBackoff:   time.Minute,
		},
		Fetch:    config.FetchConfig{APIKeyHeader: fetch.DefaultAPIKeyHeader, Timeout: 5 * time.Second},
		Resource: config.ResourceConfig{Policy: "CacheThenRefresh", CacheSeconds: 60},
	}
}

func TestOpenProvider(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendSQLite
	p, err := OpenProvider(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, p)
	require.NoError(t, p.Close())

	cfg.Cache.Backend = config.BackendMemory
	p, err = OpenProvider(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, p)
	require.NoError(t, p.Close())

	mc, err := minimemcached.Run(&minimemcached.Config{Port: 11213})
	require.NoError(t, err)
	t.Cleanup(func() { mc.Close() })
	cfg.Cache.Backend = config.BackendMemcached
	cfg.Cache.MemcachedAddrs = []string{"localhost:11213"}
	p, err = OpenProvider(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &memcached.Client{}, p)

	cfg.Cache.Backend = "tape"
	_, err = OpenProvider(ctx, cfg)
	assert.Error(t, err)
}

func TestNewWithoutFetch(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop(), engine.WithSynchronous(true))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Resource)
	assert.Empty(t, a.Manager.Kinds())
	assert.Empty(t, a.Plugins.List())
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendPostgres
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestNewInstallsResourceKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get(fetch.DefaultAPIKeyHeader))
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Fetch.BaseURL = srv.URL
	cfg.Fetch.APIKey = "k"
	cfg.Fetch.RatePerSec = 100

	a, err := New(context.Background(), cfg, zerolog.Nop(), engine.WithSynchronous(true))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Resource)
	assert.Equal(t, []string{fetch.KindName}, a.Manager.Kinds())
	assert.Equal(t, engine.CacheThenRefresh, a.Resource.Kind().Policy().Policy)

	res, err := a.Resource.Kind().Get(context.Background(), "/numbers")
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", string(res.Body))
}
