package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/refreshcache/cache"
)

type proxy struct {
	value    any
	onUpdate func()
}

// entry owns the lifecycle of one cached value: which loader to run, when
// the value expires, and applying loader results to the held value.
//
// Lock order is entry.mu before a loader's mu, the coordinator's mu or the
// scheduler's mu. None of those ever call back into the entry while locked.
type entry struct {
	m     *Manager
	info  *typeInfo
	lc    LoadContext
	uname string
	log   zerolog.Logger
	stats *entryStats

	cache *cacheLoader
	live  *liveLoader
	coord *coordinator

	getting atomic.Bool
	again   atomic.Bool

	mu          sync.Mutex
	value       any
	created     bool
	refs        int
	rooted      bool
	proxies     []*proxy
	lastUpdated time.Time
	expires     time.Time
	version     uint64
	usingCached bool
	pending     bool
	liveSeen    bool
}

func newEntry(m *Manager, info *typeInfo, lc LoadContext) *entry {
	e := &entry{
		m:     m,
		info:  info,
		lc:    lc,
		uname: lc.UniqueName(info.name),
		log:   m.log.With().Str("type", info.name).Str("id", lc.UniqueKey()).Logger(),
		stats: newEntryStats(info.name, lc.UniqueKey(), m.detailedStats),
	}
	e.coord = newCoordinator(info.policy.Policy, m.post, m.handleUnhandled)

	e.cache = &cacheLoader{
		ctx:   m.ctx,
		store: m.store,
		uname: e.uname,
		run:   m.goIO,
		now:   m.now,
	}
	e.initLoader(&e.cache.loader, "cache", e.cache, e.onCachedValue, e.onCacheFailed, func() {
		e.coord.unregister(slotCache)
	})

	e.live = &liveLoader{
		ctx:      m.ctx,
		fetcher:  info.fetcher,
		req:      FetchRequest{Kind: info.name, Context: lc},
		run:      m.goNet,
		now:      m.now,
		backoff:  m.backoff,
		inflight: &m.fetching,
	}
	e.initLoader(&e.live.loader, "live", e.live, e.onLiveValue, e.onLiveFailed, func() {
		e.coord.unregister(slotLive)
	})
	return e
}

func (e *entry) initLoader(l *loader, name string, src source, onValue func(loadedValue), onFailed func(error), onParked func()) {
	l.name = name
	l.src = src
	l.decode = func(data []byte, optimized bool) (any, error) {
		return e.info.decode(e.lc, data, optimized)
	}
	l.cares = e.cares
	l.stats = e.stats
	l.onValue = onValue
	l.onFailed = onFailed
	l.onParked = onParked
	l.decodeErr = func(loader string, err error) error {
		return &DecodeError{Kind: e.info.name, Identity: e.lc.UniqueKey(), Loader: loader, Err: err}
	}
}

// acquire registers a strong holder.
func (e *entry) acquire() {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
}

// release drops a strong holder and lets the value go when nobody else
// holds it.
func (e *entry) release() {
	e.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	e.maybeDropLocked()
	e.mu.Unlock()
}

func (e *entry) cares() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caresLocked()
}

func (e *entry) caresLocked() bool {
	return e.refs > 0 || e.rooted || len(e.proxies) > 0
}

func (e *entry) maybeDropLocked() {
	if !e.caresLocked() && e.value != nil {
		e.value = nil
		e.log.Debug().Msg("value released")
	}
}

// ensureValueLocked returns the held value, creating one if needed. A value
// created after an earlier one was dropped starts from a clean slate.
func (e *entry) ensureValueLocked() any {
	if e.value != nil {
		return e.value
	}
	if len(e.proxies) > 0 {
		e.value = e.proxies[0].value
	} else {
		e.value = e.info.newValue()
	}
	if e.created {
		e.log.Debug().Msg("value resurrected")
		e.cache.restart()
		e.live.reset()
		e.usingCached = false
		e.liveSeen = false
		e.expires = time.Time{}
		e.lastUpdated = time.Time{}
	}
	e.created = true
	return e.value
}

// dataValid reports whether the held data can be served without a load.
// The persisted record may have to be looked up in the store, so it must be
// called without mu held.
func (e *entry) dataValid() bool {
	e.mu.Lock()
	fresh, usingCached := e.freshLocked()
	e.mu.Unlock()
	if fresh {
		return true
	}
	return usingCached && e.cache.valid()
}

// freshLocked reports whether the held data is within its expiration, and
// whether it came from the cache loader.
func (e *entry) freshLocked() (fresh, usingCached bool) {
	if e.info.policy.Policy == NoCache {
		return false, false
	}
	return e.m.now().Before(e.expires), e.usingCached
}

// getValue returns the held value and starts a load if it is not valid.
// Callers observe the loaded data through subscriptions, not the return
// value.
func (e *entry) getValue(cacheOnly bool) any {
	if !e.getting.CompareAndSwap(false, true) {
		// another resolution is running; make it look again once it is done
		e.again.Store(true)
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.ensureValueLocked()
	}

	var v any
	for pass := 0; ; pass++ {
		e.mu.Lock()
		v = e.ensureValueLocked()
		e.mu.Unlock()
		valid := e.dataValid()
		if pass == 0 {
			e.stats.request()
		}

		if valid {
			if pass == 0 {
				e.stats.cacheHit()
			}
			e.notifyCompletion(slotNone, nil)
		} else if !cacheOnly {
			e.load(false)
		}

		e.getting.Store(false)
		if pass > 0 || !e.again.Swap(false) || !e.getting.CompareAndSwap(false, true) {
			break
		}
	}
	return v
}

// load queues loadInternal unless a load is already pending or the live
// loader is backing off.
func (e *entry) load(force bool) {
	e.mu.Lock()
	if e.pending || e.cache.busy() || e.live.busy() {
		e.mu.Unlock()
		return
	}
	if !e.live.valid() {
		e.mu.Unlock()
		e.log.Debug().Msg("live loader backing off")
		e.coord.failure(slotNone, &FetchError{Kind: e.info.name, Identity: e.lc.UniqueKey(), Err: ErrRetryBackoff})
		return
	}
	e.pending = true
	e.rooted = true
	v := e.value
	e.mu.Unlock()

	if u, ok := v.(Updatable); ok {
		e.m.post(func() { u.SetUpdating(true) })
	}
	e.m.goWork(func() { e.loadInternal(force) })
}

func (e *entry) loadInternal(force bool) {
	defer func() {
		e.mu.Lock()
		e.pending = false
		e.mu.Unlock()
	}()

	e.mu.Lock()
	now := e.m.now()
	expires, liveSeen, usingCached := e.expires, e.liveSeen, e.usingCached
	e.mu.Unlock()
	policy := e.info.policy.Policy

	switch {
	case !force && now.Before(expires):
		e.notifyCompletion(slotNone, nil)
	case force || liveSeen:
		if !e.live.busy() {
			e.startLive(force)
		}
	case usingCached && !e.cache.valid():
		e.log.Debug().Msg("cached value expired, fetching live")
		e.startLive(true)
	case e.cache.State() == StateValueAvailable:
		e.notifyCompletion(slotNone, nil)
	default:
		e.coldLoad(force, policy)
	}
}

func (e *entry) coldLoad(force bool, policy Policy) {
	if policy == NoCache {
		e.startLive(force)
		return
	}

	cacheValid := e.cache.valid()
	if !cacheValid {
		e.log.Debug().Msg("no valid cached value")
		e.startLive(force)
		if policy == ValidCacheOnly {
			return
		}
	}

	ok, err := e.cache.available()
	if err != nil {
		e.log.Warn().Err(err).Msg("look up cached record")
		if cacheValid {
			e.startLive(true)
		}
		return
	}
	if ok && e.startCache() == fetchFailed && cacheValid {
		e.startLive(true)
	}
}

func (e *entry) startLive(force bool) fetchOutcome {
	e.coord.register(slotLive)
	out := e.live.fetch(force)
	if out == fetchBusy || out == fetchNothing {
		e.coord.unregister(slotLive)
	}
	return out
}

func (e *entry) startCache() fetchOutcome {
	e.coord.register(slotCache)
	out := e.cache.fetch(false)
	if out == fetchBusy || out == fetchNothing {
		e.coord.unregister(slotCache)
	}
	return out
}

func (e *entry) onCachedValue(lv loadedValue) {
	e.mu.Lock()
	if e.liveSeen {
		e.mu.Unlock()
		e.log.Debug().Msg("cached value arrived after live value, dropped")
		e.coord.unregister(slotCache)
		return
	}
	e.usingCached = true
	e.updateExpirationLocked(lv.updated, lv.value)
	e.mu.Unlock()

	e.updateFrom(slotCache, lv.value, lv.updated, lv.inline)
}

func (e *entry) onCacheFailed(err error) {
	e.log.Debug().Err(err).Msg("cache load failed")

	e.mu.Lock()
	fallback := !e.liveSeen && !e.live.busy()
	e.mu.Unlock()

	if fallback {
		e.startLive(true)
	}
	e.coord.unregister(slotCache)
}

func (e *entry) onLiveFailed(err error) {
	e.log.Warn().Err(err).Msg("live load failed")
	e.notifyCompletion(slotLive, err)
}

func (e *entry) onLiveValue(lv loadedValue) {
	e.mu.Lock()
	if lv.updated.Equal(e.lastUpdated) {
		// same data delivered twice
		e.mu.Unlock()
		e.notifyCompletion(slotLive, nil)
		return
	}
	e.updateExpirationLocked(lv.updated, lv.value)
	e.liveSeen = true
	e.usingCached = false
	expires := e.expires
	e.mu.Unlock()

	if e.info.policy.Policy != NoCache {
		if _, err := e.persist(lv.value, lv.updated, expires, false, lv.raw, lv.etag); err != nil {
			e.log.Warn().Err(err).Msg("persist live value")
		}
	}
	e.updateFrom(slotLive, lv.value, lv.updated, false)
}

// updateExpirationLocked records t as the last update and derives the new
// expiration, preferring one the value reports itself.
func (e *entry) updateExpirationLocked(t time.Time, v any) {
	e.lastUpdated = t
	e.expires = t.Add(e.info.policy.Duration)
	if ex, ok := v.(Expirer); ok {
		if at, ok := ex.ExpiresAt(); ok {
			e.expires = at
		}
	}
	if e.info.policy.Policy == AutoRefresh {
		e.m.scheduler.schedule(e, e.expires, AutoRefresh)
	}
}

// persist writes v to the store, preferring the kind's compact encoding and
// falling back to raw fetched bytes unless optimizedOnly is set.
func (e *entry) persist(v any, updated, expires time.Time, optimizedOnly bool, raw []byte, etag string) (cache.ItemInfo, error) {
	var (
		data      []byte
		optimized bool
	)
	if e.info.encode != nil {
		b, err := e.info.encode(v)
		switch {
		case err != nil && optimizedOnly:
			return cache.ItemInfo{}, err
		case err != nil:
			e.log.Debug().Err(err).Msg("optimized encoding failed, storing raw bytes")
		default:
			data, optimized = b, true
		}
	}
	if data == nil && !optimizedOnly {
		data = raw
	}
	if data == nil {
		return cache.ItemInfo{}, cache.ErrNoData
	}
	return e.cache.save(data, cache.ItemInfo{
		UniqueName: e.uname,
		UpdatedAt:  updated,
		ExpiresAt:  expires,
		Optimized:  optimized,
		ETag:       etag,
	})
}

// updateFrom copies src into the held value on the notification context.
// An update overtaken by a newer one is dropped.
func (e *entry) updateFrom(from slot, src any, updated time.Time, inline bool) {
	e.mu.Lock()
	e.version++
	version := e.version
	cares := e.caresLocked()
	e.mu.Unlock()

	if !cares {
		e.coord.unregister(from)
		return
	}

	apply := func() {
		start := time.Now()
		e.mu.Lock()
		if e.version != version || e.value == nil {
			e.mu.Unlock()
			e.log.Debug().Uint64("version", version).Msg("stale update dropped")
			e.coord.unregister(from)
			return
		}
		dst := e.value
		e.info.copy(dst, src)
		proxies := slices.Clone(e.proxies)
		for _, p := range proxies {
			if p.value != dst {
				e.info.copy(p.value, src)
			}
		}
		e.mu.Unlock()

		if u, ok := dst.(Updatable); ok {
			u.SetLastUpdated(updated)
		}
		e.stats.updated(time.Since(start))
		for _, p := range proxies {
			if p.onUpdate != nil {
				p.onUpdate()
			}
		}
		e.notifyCompletion(from, nil)
	}

	if inline {
		apply()
		return
	}
	e.m.post(apply)
}

// notifyCompletion reports a finished load to the coordinator and unroots
// the value.
func (e *entry) notifyCompletion(from slot, err error) {
	e.mu.Lock()
	v := e.value
	e.mu.Unlock()
	if u, ok := v.(Updatable); ok {
		e.m.post(func() { u.SetUpdating(false) })
	}

	if err == nil {
		e.coord.success(from)
	} else {
		e.coord.failure(from, err)
	}

	e.mu.Lock()
	e.rooted = false
	e.maybeDropLocked()
	e.mu.Unlock()
}

// setForRefresh expires the value so the next load goes live.
func (e *entry) setForRefresh() {
	e.mu.Lock()
	e.expires = e.m.now()
	e.mu.Unlock()
	if !e.live.valid() {
		e.live.reset()
	}
	e.cache.setExpired()
}

// refresh is the forced reload run by the auto-refresh scheduler.
func (e *entry) refresh() {
	e.setForRefresh()
	if e.cares() {
		e.load(true)
	}
}

// loadFromCache reads a valid persisted record on the calling goroutine.
func (e *entry) loadFromCache() (any, error) {
	e.mu.Lock()
	v := e.ensureValueLocked()
	e.mu.Unlock()
	valid := e.dataValid()
	e.stats.request()

	if valid {
		e.stats.cacheHit()
		return v, nil
	}
	if e.info.policy.Policy == NoCache || !e.cache.valid() {
		return nil, ErrCacheMiss
	}

	e.mu.Lock()
	e.rooted = true
	e.mu.Unlock()

	e.coord.register(slotCache)
	switch e.cache.fetchDirect() {
	case fetchBusy, fetchNothing:
		e.coord.unregister(slotCache)
		e.unroot()
		return nil, ErrCacheMiss
	case fetchFailed:
		e.unroot()
		return nil, ErrCacheMiss
	}

	e.mu.Lock()
	ok := e.usingCached
	v = e.value
	e.mu.Unlock()
	e.unroot()
	if !ok {
		return nil, ErrCacheMiss
	}
	e.stats.cacheHit()
	return v, nil
}

func (e *entry) unroot() {
	e.mu.Lock()
	e.rooted = false
	e.maybeDropLocked()
	e.mu.Unlock()
}

// clear deletes every persisted record and resets loader state.
func (e *entry) clear(ctx context.Context) error {
	err := e.m.store.DeleteAll(ctx, e.uname)
	e.cache.reset()
	e.live.reset()

	e.mu.Lock()
	e.usingCached = false
	e.liveSeen = false
	e.expires = time.Time{}
	e.lastUpdated = time.Time{}
	e.mu.Unlock()
	e.m.scheduler.remove(e)
	return err
}

func (e *entry) addProxy(value any, onUpdate func(), asInitial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.ContainsFunc(e.proxies, func(p *proxy) bool { return p.value == value }) {
		return
	}
	p := &proxy{value: value, onUpdate: onUpdate}
	if asInitial {
		e.proxies = slices.Insert(e.proxies, 0, p)
	} else {
		e.proxies = append(e.proxies, p)
	}
	if e.value != nil && e.value != value && !e.lastUpdated.IsZero() {
		e.info.copy(value, e.value)
	}
}

func (e *entry) removeProxy(value any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.proxies)
	e.proxies = slices.DeleteFunc(e.proxies, func(p *proxy) bool { return p.value == value })
	e.maybeDropLocked()
	return len(e.proxies) != n
}

// subscribe registers callbacks for the next completion.
func (e *entry) subscribe(onSuccess func(), onError func(error)) Subscription {
	return Subscription{e: e, id: e.coord.subscribe(onSuccess, onError)}
}

func (e *entry) snapshot() (lastUpdated, expires time.Time, usingCached, liveSeen bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUpdated, e.expires, e.usingCached, e.liveSeen
}
