package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEnv points the cache at a temporary directory and clears the
// variables a developer machine might set
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	for _, key := range []string{
		"CACHE_BACKEND", "CACHE_SQLITE_PATH", "DATABASE_URL", "MEMCACHED_ADDRS",
		"FETCH_BASE_URL", "FETCH_API_KEY", "FETCH_OAUTH_CLIENT_ID", "FETCH_OAUTH_CLIENT_SECRET",
		"FETCH_OAUTH_TOKEN_URL", "RESOURCE_POLICY", "RESOURCE_CACHE_SECONDS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("CACHE_DIR", dir)
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := runCLI(context.Background(), args, &out)
	return out.String(), err
}

func TestHelpAndVersion(t *testing.T) {
	out, err := run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage: refreshcache")

	out, err = run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "purge")

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)

	_, err = run(t, "frobnicate")
	assert.EqualError(t, err, "unknown command: frobnicate")
}

func TestResourceArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"path only", []string{"/v1/workouts"}, "/v1/workouts", false},
		{"sorted params", []string{"/v1/workouts", "page=2", "limit=5"}, "/v1/workouts?limit=5&page=2", false},
		{"empty value", []string{"/a", "q="}, "/a?q=", false},
		{"missing path", nil, "", true},
		{"bad param", []string{"/a", "nope"}, "", true},
		{"blank key", []string{"/a", "=1"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resourceArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceCommandsNeedSource(t *testing.T) {
	setupTestEnv(t)
	_, err := run(t, "get", "/a")
	assert.ErrorContains(t, err, "FETCH_BASE_URL")
}

func TestCLICommands(t *testing.T) {
	setupTestEnv(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/workouts", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("api-key"))
		w.Header().Set("ETag", `"w1"`)
		_, _ = w.Write([]byte(`{"page":` + r.URL.Query().Get("page") + `}`))
	}))
	defer srv.Close()
	t.Setenv("FETCH_BASE_URL", srv.URL)
	t.Setenv("FETCH_API_KEY", "key")
	t.Setenv("RESOURCE_POLICY", "ValidCacheOnly")

	_, err := run(t, "cached", "/v1/workouts", "page=1")
	assert.ErrorContains(t, err, "no valid cached value")

	out, err := run(t, "get", "/v1/workouts", "page=1")
	require.NoError(t, err)
	assert.Equal(t, "{\"page\":1}\n", out)
	assert.EqualValues(t, 1, hits.Load())

	// a new process answers from the persisted copy
	out, err = run(t, "get", "/v1/workouts", "page=1")
	require.NoError(t, err)
	assert.Equal(t, "{\"page\":1}\n", out)
	assert.EqualValues(t, 1, hits.Load())

	out, err = run(t, "cached", "/v1/workouts", "page=1")
	require.NoError(t, err)
	assert.Equal(t, "{\"page\":1}\n", out)

	out, err = run(t, "refresh", "/v1/workouts", "page=1")
	require.NoError(t, err)
	assert.Equal(t, "{\"page\":1}\n", out)
	assert.EqualValues(t, 2, hits.Load())

	out, err = run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "resource_/v1/workouts?page=1")
	assert.Contains(t, out, `"w1"`)
	assert.True(t, strings.HasSuffix(out, "0 expired\n"), out)

	out, err = run(t, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 expired records\n", out)

	_, err = run(t, "cleanup", "soon")
	assert.ErrorContains(t, err, "invalid max-age")

	out, err = run(t, "purge")
	require.NoError(t, err)
	assert.Equal(t, "cache purged\n", out)

	_, err = run(t, "cached", "/v1/workouts", "page=1")
	assert.ErrorContains(t, err, "no valid cached value")
}
