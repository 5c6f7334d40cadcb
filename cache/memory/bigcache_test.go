package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/cache/cachetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProviderContract(t *testing.T) {
	cachetest.RunProviderTests(t, newTestStore(t))
}

func TestNamesWithSeparator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := cachetest.Item("report_2024|q1", time.Hour)
	require.NoError(t, s.Write(ctx, item, []byte("x")))

	items, err := s.Items(ctx, "report_2024|q1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Equal(item))
}

func TestStoreThroughEngineStore(t *testing.T) {
	ctx := context.Background()
	st := cache.NewStore(newTestStore(t))

	_, err := st.Write(ctx, cachetest.Item("user_9", time.Hour), []byte("one"))
	require.NoError(t, err)
	second := cachetest.Item("user_9", 2*time.Hour)
	_, err = st.Write(ctx, second, []byte("two"))
	require.NoError(t, err)

	items, err := st.Provider().Items(ctx, "user_9")
	require.NoError(t, err)
	require.Len(t, items, 1)

	latest, ok, err := st.Latest(ctx, "user_9")
	require.NoError(t, err)
	require.True(t, ok)
	data, err := st.Read(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestLifeWindow(t *testing.T) {
	assert.Equal(t, DefaultLifeWindow, Config{}.lifeWindow())
	assert.Equal(t, time.Hour, Config{LifeWindow: time.Hour}.lifeWindow())
	assert.GreaterOrEqual(t, DefaultLifeWindow, 365*24*time.Hour)
}
