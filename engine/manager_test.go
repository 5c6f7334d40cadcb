package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := Register(m, Registration[doc]{Name: "user"})
	assert.ErrorIs(t, err, ErrNoFetcher)

	_, err = Register(m, Registration[doc]{Name: "  ", Fetch: &stubFetcher{}})
	assert.Error(t, err)

	registerDocs(t, m, "user", CachePolicy{}, &stubFetcher{})
	_, err = Register(m, Registration[doc]{Name: "user", Fetch: &stubFetcher{}})
	assert.ErrorIs(t, err, ErrDuplicateKind)

	registerDocs(t, m, "account", CachePolicy{Policy: Forever}, &stubFetcher{})
	assert.Equal(t, []string{"account", "user"}, m.Kinds())

	k, err := m.Kind("account")
	require.NoError(t, err)
	assert.Equal(t, "account", k.Name())
	assert.Equal(t, ForeverDuration, k.Policy().Duration)

	_, err = m.Kind("missing")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLoadRequiresIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	k := registerDocs(t, m, "user", CachePolicy{}, &stubFetcher{})

	_, err := k.Load(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilIdentity)
	_, err = k.LoadFromCache(nil)
	assert.ErrorIs(t, err, ErrNilIdentity)
	assert.ErrorIs(t, k.Invalidate(nil), ErrNilIdentity)
}

func TestClosedManager(t *testing.T) {
	m, _ := newTestManager(t)
	k := registerDocs(t, m, "user", CachePolicy{}, &stubFetcher{body: "N"})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := k.Load(1, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = Register(m, Registration[doc]{Name: "other", Fetch: &stubFetcher{}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAnyKind(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	f := &stubFetcher{body: `{"Body":"json"}`}
	_, err := Register(m, Registration[doc]{Name: "user", Fetch: f})
	require.NoError(t, err)

	k, err := m.Kind("user")
	require.NoError(t, err)

	_, ok := k.Status(1)
	assert.False(t, ok)

	v, err := k.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, &doc{Body: "json"}, v)
	m.Flush()

	status, ok := k.Status(1)
	require.True(t, ok)
	assert.Equal(t, "user", status.Kind)
	assert.Equal(t, "1", status.ID)
	assert.True(t, status.LiveSeen)
	assert.Equal(t, StateValueAvailable.String(), status.Live)

	cached, err := k.Cached(1)
	require.NoError(t, err)
	assert.Equal(t, &doc{Body: "json"}, cached)

	require.NoError(t, k.Clear(ctx, 1))
	_, ok, err = st.Latest(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = k.Cached(1)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCleanupAndDeleteCache(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	registerDocs(t, m, "user", CachePolicy{}, &stubFetcher{})

	now := time.Now()
	writeRecord(t, st, "user_1", "old", now.Add(-2*time.Hour), now.Add(-time.Hour))
	writeRecord(t, st, "user_2", "new", now, now.Add(time.Hour))

	removed, err := m.Cleanup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "user_2", items[0].UniqueName)

	require.NoError(t, m.DeleteCache(ctx))
	items, err = st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStatsReport(t *testing.T) {
	m, _ := newTestManager(t, WithSynchronous(true), WithStats(true))
	f := &stubFetcher{body: "N"}
	users := registerDocs(t, m, "user", CachePolicy{}, f)
	quotes := registerDocs(t, m, "quote", CachePolicy{Policy: NoCache}, f)

	for _, id := range []int{1, 2} {
		h, err := users.Load(id, nil, nil)
		require.NoError(t, err)
		h.Release()
	}
	h, err := users.Load(1, nil, nil)
	require.NoError(t, err)
	h2, err := users.Load(1, nil, nil)
	require.NoError(t, err)
	h.Release()
	h2.Release()
	h3, err := quotes.Load("q", nil, nil)
	require.NoError(t, err)
	h3.Release()

	r := m.Stats(false)
	require.Len(t, r.Entries, 3)
	assert.EqualValues(t, 4, r.Kinds["user"].Requests)
	assert.EqualValues(t, 2, r.Kinds["user"].Fetches)
	assert.EqualValues(t, 1, r.Kinds["quote"].Fetches)
	assert.EqualValues(t, 5, r.Total.Requests)
	assert.EqualValues(t, 3, r.Total.DataSize.Count)
	assert.Positive(t, r.Total.CacheHitRatio())

	var buf bytes.Buffer
	require.NoError(t, m.WriteStatsReport(&buf, true))
	out := buf.String()
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "quote")
	assert.Contains(t, out, "user")

	assert.Zero(t, m.Stats(false).Total.Requests, "reset clears the counters")
}

func TestLoadContext(t *testing.T) {
	_, err := NewLoadContext(nil)
	assert.ErrorIs(t, err, ErrNilIdentity)

	lc := mustContext(t, 42)
	assert.Equal(t, 42, lc.Identity())
	assert.Equal(t, "42", lc.UniqueKey())
	assert.Equal(t, "user_42", lc.UniqueName("user"))
	assert.Equal(t, mustContext(t, "42").UniqueKey(), lc.UniqueKey())
}

func TestNotificationPanicIsLogged(t *testing.T) {
	var buf bytes.Buffer
	m, _ := newTestManager(t, WithLogger(zerolog.New(&buf)))

	ran := false
	m.post(func() { panic("boom") })
	m.post(func() { ran = true })
	m.Flush()

	assert.True(t, ran, "notification context stopped after a panic")
	assert.Contains(t, buf.String(), "notification callback panicked")
	assert.Contains(t, buf.String(), "boom")
}
