package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewRequiresAbsoluteBaseURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("/relative")
	assert.Error(t, err)

	c, err := New("https://api.example.com/base")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIKeyHeader, c.keyHeader)
}

func TestGetSendsAPIKeyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workouts", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"page":2}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/v1", WithAPIKey("secret", "X-Key"))
	require.NoError(t, err)

	var out struct{ Page int }
	_, err = c.GetJSON(context.Background(), "workouts", url.Values{"page": {"2"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Page)
}

func TestGetRevalidatesWithETag(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.Get(ctx, "/doc", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first.Body))
	assert.Equal(t, `"v1"`, first.ETag)
	assert.False(t, first.NotModified)

	second, err := c.Get(ctx, "/doc", nil)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, "hello", string(second.Body))
	assert.EqualValues(t, 2, hits.Load())
}

func TestGetNotModifiedWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "/doc", nil)
	assert.ErrorContains(t, err, "304 but no cached body")
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/busy" {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/missing", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, se.Temporary())
	assert.Contains(t, err.Error(), "GET /missing: 404 Not Found: nope")

	_, err = c.Get(context.Background(), "/busy", nil)
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Temporary())
}

func TestGetUsesTokenSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})))
	require.NoError(t, err)
	res, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
}

func TestGetUsesClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("secret data"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, WithClientCredentials("id", "secret", srv.URL+"/token"))
	require.NoError(t, err)

	for range 2 {
		res, err := c.Get(context.Background(), "/data", nil)
		require.NoError(t, err)
		assert.Equal(t, "secret data", string(res.Body))
	}
	assert.EqualValues(t, 1, tokenCalls.Load(), "the token is reused until it expires")
}

func TestGetRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithRateLimit(0.001, 1))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "/", nil)
	assert.ErrorContains(t, err, "rate limit")
}

func TestExpiresFrom(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header http.Header
		want   time.Time
	}{
		{"none", http.Header{}, time.Time{}},
		{"max-age", http.Header{"Cache-Control": {"public, max-age=60"}}, now.Add(time.Minute)},
		{"expires", http.Header{"Expires": {"Wed, 01 May 2024 13:00:00 GMT"}}, now.Add(time.Hour)},
		{"bad max-age", http.Header{"Cache-Control": {"max-age=soon"}}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(expiresFrom(tt.header, now)))
		})
	}
}

func TestGetCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Get(ctx, "/", nil)
	assert.True(t, errors.Is(err, context.Canceled))
}
