// Package engine loads typed values through a persisted cache and a live
// source. Each (kind, identity) pair gets an entry that decides per its cache
// policy whether to serve the stored copy, fetch live, or both, and merges
// the two loaders' results into one ordered stream of notifications.
package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/internal/dispatch"
)

// Notifier runs posted functions one at a time, in order.
type Notifier interface {
	Post(fn func())
}

type executor interface {
	Go(fn func())
	Wait()
}

// Manager owns the kind registry, every entry, the worker pools and the
// notification context.
type Manager struct {
	store         *cache.Store
	log           zerolog.Logger
	strict        bool
	now           func() time.Time
	backoff       time.Duration
	detailedStats bool
	synchronous   bool

	notify    Notifier
	io        executor
	work      executor
	net       executor
	scheduler *scheduler
	submitted atomic.Int64
	fetching  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	kinds   map[string]*typeInfo
	entries map[string]map[string]*entry

	hookMu sync.Mutex
	hooks  []func(error) bool
}

// New creates a Manager persisting through store.
func New(store *cache.Store, opts ...Option) *Manager {
	cfg := options{
		log:             zerolog.Nop(),
		now:             time.Now,
		backoff:         DefaultRetryBackoff,
		refreshInterval: DefaultRefreshInterval,
		ioWorkers:       2,
		workWorkers:     4,
		netWorkers:      8,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:         store,
		log:           cfg.log,
		strict:        cfg.strict,
		now:           cfg.now,
		backoff:       cfg.backoff,
		detailedStats: cfg.detailedStats,
		synchronous:   cfg.synchronous,
		ctx:           ctx,
		cancel:        cancel,
		kinds:         make(map[string]*typeInfo),
		entries:       make(map[string]map[string]*entry),
	}

	if cfg.synchronous {
		m.notify, m.io, m.work, m.net = dispatch.Inline{}, dispatch.Inline{}, dispatch.Inline{}, dispatch.Inline{}
	} else {
		var onPanic func(any)
		if !cfg.strict {
			onPanic = m.notificationPanic
		}
		m.notify = dispatch.NewSerial(onPanic)
		m.io = dispatch.NewPool(cfg.ioWorkers)
		m.work = dispatch.NewPool(cfg.workWorkers)
		m.net = dispatch.NewPool(cfg.netWorkers)
	}
	if cfg.notifier != nil {
		m.notify = cfg.notifier
	}
	m.scheduler = newScheduler(cfg.refreshInterval, m.now, func(e *entry) {
		m.submitted.Add(1)
		e.refresh()
	})
	return m
}

// Store returns the persisted store.
func (m *Manager) Store() *cache.Store { return m.store }

func (m *Manager) post(fn func()) {
	m.submitted.Add(1)
	m.notify.Post(fn)
}

func (m *Manager) goIO(fn func()) {
	m.submitted.Add(1)
	m.io.Go(fn)
}

func (m *Manager) goWork(fn func()) {
	m.submitted.Add(1)
	m.work.Go(fn)
}

func (m *Manager) goNet(fn func()) {
	m.submitted.Add(1)
	m.net.Go(fn)
}

// Flush blocks until no work is queued or running anywhere in the engine,
// including callbacks on the notification context.
func (m *Manager) Flush() {
	for {
		gen := m.submitted.Load()
		m.work.Wait()
		m.io.Wait()
		m.net.Wait()
		if w, ok := m.notify.(interface{ Wait() }); ok {
			w.Wait()
		}
		if m.submitted.Load() == gen {
			return
		}
	}
}

// IsLoading reports whether any live fetch is in flight.
func (m *Manager) IsLoading() bool {
	return m.fetching.Load() > 0
}

// OnUnhandledError adds a hook for load errors that reached no error
// callback. A hook returns true to mark the error handled.
func (m *Manager) OnUnhandledError(fn func(error) bool) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

func (m *Manager) handleUnhandled(err error) {
	m.hookMu.Lock()
	hooks := append([]func(error) bool(nil), m.hooks...)
	m.hookMu.Unlock()

	for _, h := range hooks {
		if h(err) {
			return
		}
	}
	if m.strict {
		panic(fmt.Errorf("unhandled load error: %w", err))
	}
	m.log.Error().Err(err).Msg("unhandled load error")
}

// notificationPanic keeps the notification context running after a
// callback panics. Strict managers let the panic crash the process.
func (m *Manager) notificationPanic(r any) {
	m.log.Error().Interface("panic", r).Msg("notification callback panicked")
}

func (m *Manager) addKind(info *typeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.kinds[info.name]; ok {
		return fmt.Errorf("register %s: %w", info.name, ErrDuplicateKind)
	}
	m.kinds[info.name] = info
	m.entries[info.name] = make(map[string]*entry)
	return nil
}

// Kinds returns the registered kind names in order.
func (m *Manager) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.kinds))
	for n := range m.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Kind looks up a registered kind by name.
func (m *Manager) Kind(name string) (AnyKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return info.untyped, nil
}

func (m *Manager) entry(info *typeInfo, lc LoadContext) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	byID := m.entries[info.name]
	e, ok := byID[lc.UniqueKey()]
	if !ok {
		e = newEntry(m, info, lc)
		byID[lc.UniqueKey()] = e
	}
	return e, nil
}

func (m *Manager) lookup(info *typeInfo, lc LoadContext) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[info.name][lc.UniqueKey()]
}

func (m *Manager) forget(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.entries[e.info.name]
	if byID[e.lc.UniqueKey()] == e {
		delete(byID, e.lc.UniqueKey())
	}
}

func (m *Manager) allEntries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entry
	for _, byID := range m.entries {
		for _, e := range byID {
			out = append(out, e)
		}
	}
	return out
}

// Cleanup deletes persisted records that expire before maxExpiration,
// retrying the sweep up to three times.
func (m *Manager) Cleanup(ctx context.Context, maxExpiration time.Time) (int, error) {
	var (
		removed int
		err     error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		var n int
		n, err = m.store.Cleanup(ctx, maxExpiration)
		removed += n
		if err == nil {
			break
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("cache cleanup failed")
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return removed, fmt.Errorf("cleanup: %w", err)
	}
	for _, e := range m.allEntries() {
		e.cache.forget()
	}
	m.log.Info().Int("removed", removed).Time("before", maxExpiration).Msg("cache cleanup")
	return removed, nil
}

// DeleteCache removes every persisted record. Loaded values stay in memory.
func (m *Manager) DeleteCache(ctx context.Context) error {
	items, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list cache: %w", err)
	}
	names := make(map[string]struct{})
	for _, it := range items {
		names[it.UniqueName] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name := range names {
		g.Go(func() error {
			return m.store.DeleteAll(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete cache: %w", err)
	}
	for _, e := range m.allEntries() {
		e.cache.reset()
	}
	return nil
}

// Stats returns counters for every entry, grouped by kind. With reset the
// counters start again from zero.
func (m *Manager) Stats(reset bool) Report {
	entries := m.allEntries()
	out := make([]EntryStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.stats.snapshot(reset))
	}
	return buildReport(out)
}

// WriteStatsReport writes Stats as a text table.
func (m *Manager) WriteStatsReport(w io.Writer, reset bool) error {
	_, err := m.Stats(reset).WriteTo(w)
	return err
}

// Close stops the auto-refresh timer and cancels in-flight fetches. It does
// not close the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.scheduler.close()
	m.cancel()
	m.Flush()
	return nil
}
