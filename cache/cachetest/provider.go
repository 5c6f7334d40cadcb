// Package cachetest holds the behaviour every cache.Provider must share, so
// each backend package can run the same checks against its implementation.
package cachetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/refreshcache/cache"
)

// Item returns a normalized record for name expiring ttl from now.
func Item(name string, ttl time.Duration) cache.ItemInfo {
	now := time.Now()
	return cache.ItemInfo{
		UniqueName: name,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		ETag:       `W/"abc"`,
	}.Normalize()
}

// RunProviderTests exercises p. The provider must start empty.
func RunProviderTests(t *testing.T, p cache.Provider) {
	t.Helper()
	ctx := context.Background()

	t.Run("round_trip", func(t *testing.T) {
		item := Item("user_42", time.Hour)
		item.Optimized = true
		data := []byte("V1 payload")

		require.NoError(t, p.Write(ctx, item, data))

		got, err := p.Read(ctx, item)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		items, err := p.Items(ctx, "user_42")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.True(t, items[0].Equal(item), "metadata mismatch: got %v want %v", items[0], item)
	})

	t.Run("missing_record", func(t *testing.T) {
		_, err := p.Read(ctx, Item("nobody_1", time.Hour))
		assert.True(t, errors.Is(err, cache.ErrNotFound), "expected ErrNotFound, got %v", err)

		items, err := p.Items(ctx, "nobody_1")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("names_do_not_collide", func(t *testing.T) {
		a := Item("user_1", time.Hour)
		b := Item("user_10", time.Hour)
		require.NoError(t, p.Write(ctx, a, []byte("a")))
		require.NoError(t, p.Write(ctx, b, []byte("b")))

		items, err := p.Items(ctx, "user_1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "user_1", items[0].UniqueName)
	})

	t.Run("similar_names_stay_apart", func(t *testing.T) {
		a := Item("resource_users/1", time.Hour)
		b := Item("resource_users_1", 2*time.Hour)
		require.NoError(t, p.Write(ctx, a, []byte("user one")))
		require.NoError(t, p.Write(ctx, b, []byte("users one")))

		for _, tc := range []struct {
			item cache.ItemInfo
			body string
		}{{a, "user one"}, {b, "users one"}} {
			items, err := p.Items(ctx, tc.item.UniqueName)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.True(t, items[0].Equal(tc.item), "got %v want %v", items[0], tc.item)

			got, err := p.Read(ctx, tc.item)
			require.NoError(t, err)
			assert.Equal(t, tc.body, string(got))
		}

		all, err := p.List(ctx)
		require.NoError(t, err)
		var names []string
		for _, it := range all {
			names = append(names, it.UniqueName)
		}
		assert.Contains(t, names, a.UniqueName)
		assert.Contains(t, names, b.UniqueName)
	})

	t.Run("delete", func(t *testing.T) {
		item := Item("doomed_1", time.Hour)
		require.NoError(t, p.Write(ctx, item, []byte("x")))
		require.NoError(t, p.Delete(ctx, item))

		_, err := p.Read(ctx, item)
		assert.True(t, errors.Is(err, cache.ErrNotFound))
		// deleting twice is fine
		assert.NoError(t, p.Delete(ctx, item))
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, p.Write(ctx, Item("listed_1", time.Hour), []byte("1")))
		require.NoError(t, p.Write(ctx, Item("listed_2", -time.Hour), []byte("2")))

		all, err := p.List(ctx)
		require.NoError(t, err)
		var names []string
		for _, it := range all {
			names = append(names, it.UniqueName)
		}
		sort.Strings(names)
		assert.Contains(t, names, "listed_1")
		assert.Contains(t, names, "listed_2")
	})

	t.Run("concurrent_writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				item := Item("parallel_"+string(rune('a'+i)), time.Hour)
				assert.NoError(t, p.Write(ctx, item, []byte{byte(i)}))
			}(i)
		}
		wg.Wait()

		for i := range 8 {
			items, err := p.Items(ctx, "parallel_"+string(rune('a'+i)))
			require.NoError(t, err)
			require.Len(t, items, 1)
			got, err := p.Read(ctx, items[0])
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, got)
		}
	})
}
