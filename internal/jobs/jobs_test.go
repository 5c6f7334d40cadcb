package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/engine"
)

type note struct {
	Text string `json:"text"`
}

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "upstream" }
func (e tempErr) Temporary() bool { return e.temporary }

type fixture struct {
	m     *engine.Manager
	store *cache.Store
	kind  *engine.Kind[note]
	h     *Handler
	calls atomic.Int32
	fail  atomic.Value
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fp, err := cache.NewFileProvider(t.TempDir())
	require.NoError(t, err)
	f := &fixture{store: cache.NewStore(fp)}
	f.m = engine.New(f.store, engine.WithSynchronous(true))
	t.Cleanup(func() { _ = f.m.Close() })

	f.kind, err = engine.Register(f.m, engine.Registration[note]{
		Name:   "note",
		Policy: engine.CachePolicy{Policy: engine.CacheThenRefresh, Duration: time.Hour},
		Fetch: engine.FetcherFunc(func(_ context.Context, req engine.FetchRequest) (engine.FetchResult, error) {
			n := f.calls.Add(1)
			if err, ok := f.fail.Load().(error); ok && err != nil {
				return engine.FetchResult{}, err
			}
			return engine.FetchResult{Data: fmt.Appendf(nil, `{"text":"%s-%d"}`, req.Context.UniqueKey(), n)}, nil
		}),
	})
	require.NoError(t, err)
	f.h = NewHandler(f.m, zerolog.Nop())
	return f
}

func (f *fixture) failWith(err error) { f.fail.Store(err) }

func TestNewTasks(t *testing.T) {
	task, err := NewRefreshTask("note", "a")
	require.NoError(t, err)
	assert.Equal(t, TaskRefresh, task.Type())

	var p EntryPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, EntryPayload{Kind: "note", ID: "a"}, p)

	task, err = NewInvalidateTask("note", "a")
	require.NoError(t, err)
	assert.Equal(t, TaskInvalidate, task.Type())

	_, err = NewRefreshTask("", "a")
	assert.Error(t, err)
	_, err = NewInvalidateTask("note", "")
	assert.Error(t, err)

	task, err = NewCleanupTask(90 * time.Second)
	require.NoError(t, err)
	var cp CleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &cp))
	assert.EqualValues(t, 90, cp.MaxAgeSeconds)
}

func TestHandleRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := NewRefreshTask("note", "a")
	require.NoError(t, err)
	require.NoError(t, f.h.HandleRefresh(ctx, task))
	require.NoError(t, f.h.HandleRefresh(ctx, task))
	assert.EqualValues(t, 2, f.calls.Load(), "every refresh goes live")

	_, ok, err := f.store.Latest(ctx, cache.UniqueName("note", "a"))
	require.NoError(t, err)
	assert.True(t, ok, "the refreshed value is persisted")

	v, err := f.kind.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-2", v.Text)
}

func TestHandleRefreshErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown := asynq.NewTask(TaskRefresh, []byte(`{"kind":"missing","id":"a"}`))
	err := f.h.HandleRefresh(ctx, unknown)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, engine.ErrUnknownKind)

	err = f.h.HandleRefresh(ctx, asynq.NewTask(TaskRefresh, []byte(`not json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = f.h.HandleRefresh(ctx, asynq.NewTask(TaskRefresh, []byte(`{"kind":"note"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	f.failWith(tempErr{temporary: true})
	task, err := NewRefreshTask("note", "b")
	require.NoError(t, err)
	err = f.h.HandleRefresh(ctx, task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "temporary upstream failures are retried")

	f.failWith(tempErr{temporary: false})
	task, err = NewRefreshTask("note", "c")
	require.NoError(t, err)
	err = f.h.HandleRefresh(ctx, task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.kind.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-1", v.Text)

	task, err := NewInvalidateTask("note", "a")
	require.NoError(t, err)
	require.NoError(t, f.h.HandleInvalidate(ctx, task))

	v, err = f.kind.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-2", v.Text, "an invalidated entry loads live")
}

func TestHandleCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.h.now = func() time.Time { return now }

	write := func(name string, expires time.Time) {
		_, err := f.store.Write(ctx, cache.ItemInfo{UniqueName: name, UpdatedAt: expires.Add(-time.Hour), ExpiresAt: expires}, []byte(`{}`))
		require.NoError(t, err)
	}
	write("note_old", now.Add(-2*time.Hour))
	write("note_recent", now.Add(-time.Minute))
	write("note_fresh", now.Add(time.Hour))

	task, err := NewCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.h.HandleCleanup(ctx, task))

	items, err := f.store.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, it := range items {
		names = append(names, it.UniqueName)
	}
	assert.ElementsMatch(t, []string{"note_recent", "note_fresh"}, names)

	require.NoError(t, f.h.HandleCleanup(ctx, asynq.NewTask(TaskCleanup, nil)))
	items, err = f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "note_fresh", items[0].UniqueName)

	err = f.h.HandleCleanup(ctx, asynq.NewTask(TaskCleanup, []byte(`{`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	mux := asynq.NewServeMux()
	f.h.Register(mux)

	task, err := NewRefreshTask("note", "a")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"backoff", &engine.FetchError{Kind: "note", Identity: "a", Err: engine.ErrRetryBackoff}, true},
		{"unknown kind", fmt.Errorf("x: %w", engine.ErrUnknownKind), false},
		{"decode", &engine.DecodeError{Kind: "note", Loader: "live", Err: errors.New("bad")}, false},
		{"temporary", &engine.FetchError{Err: tempErr{temporary: true}}, true},
		{"permanent", &engine.FetchError{Err: tempErr{temporary: false}}, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
