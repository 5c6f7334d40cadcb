package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/refreshcache/cache"
)

type doc struct {
	Body string
}

func decodeDoc(_ LoadContext, data []byte) (*doc, error) {
	return &doc{Body: string(data)}, nil
}

// docOptimizer stores documents with an "opt:" prefix so tests can tell
// optimized records from raw ones.
type docOptimizer struct{}

func (docOptimizer) Encode(v *doc) ([]byte, error) { return []byte("opt:" + v.Body), nil }

func (docOptimizer) Decode(_ LoadContext, data []byte) (*doc, error) {
	s := string(data)
	if !strings.HasPrefix(s, "opt:") {
		return nil, errors.New("not an optimized document")
	}
	return &doc{Body: strings.TrimPrefix(s, "opt:")}, nil
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
	gate  chan struct{}
}

func (s *stubFetcher) Fetch(ctx context.Context, _ FetchRequest) (FetchResult, error) {
	s.mu.Lock()
	s.calls++
	body, err, gate := s.body, s.err, s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		}
	}
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Data: []byte(body), ETag: `"` + body + `"`}, nil
}

func (s *stubFetcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubFetcher) Set(body string, err error) {
	s.mu.Lock()
	s.body, s.err = body, err
	s.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	values []string
	errs   []error
	first  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{})}
}

func (r *recorder) success(d *doc) {
	r.mu.Lock()
	r.values = append(r.values, d.Body)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
}

func (r *recorder) failure(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
}

func (r *recorder) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitFirst(t *testing.T) {
	t.Helper()
	select {
	case <-r.first:
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// manualNotifier queues posts until the test runs them.
type manualNotifier struct {
	mu    sync.Mutex
	queue []func()
}

func (n *manualNotifier) Post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
}

func (n *manualNotifier) take() []func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	fp, err := cache.NewFileProvider(t.TempDir())
	require.NoError(t, err)
	return cache.NewStore(fp)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *cache.Store) {
	t.Helper()
	st := newTestStore(t)
	m := New(st, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, st
}

func registerDocs(t *testing.T, m *Manager, name string, p CachePolicy, f Fetcher, edit ...func(*Registration[doc])) *Kind[doc] {
	t.Helper()
	reg := Registration[doc]{
		Name:   name,
		Policy: p,
		Fetch:  f,
		Decode: decodeDoc,
	}
	for _, fn := range edit {
		fn(&reg)
	}
	k, err := Register(m, reg)
	require.NoError(t, err)
	return k
}

func writeRecord(t *testing.T, st *cache.Store, name, body string, updated, expires time.Time) cache.ItemInfo {
	t.Helper()
	item, err := st.Write(context.Background(), cache.ItemInfo{
		UniqueName: name,
		UpdatedAt:  updated,
		ExpiresAt:  expires,
	}, []byte(body))
	require.NoError(t, err)
	return item
}

func readLatest(t *testing.T, st *cache.Store, name string) (cache.ItemInfo, string) {
	t.Helper()
	item, ok, err := st.Latest(context.Background(), name)
	require.NoError(t, err)
	require.True(t, ok, "no record for %s", name)
	data, err := st.Read(context.Background(), item)
	require.NoError(t, err)
	return item, string(data)
}

func mustContext(t *testing.T, id any) LoadContext {
	t.Helper()
	lc, err := NewLoadContext(id)
	require.NoError(t, err)
	return lc
}
