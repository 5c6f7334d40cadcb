package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FetchRequest describes one live fetch.
type FetchRequest struct {
	Kind    string
	Context LoadContext
	// Force is set when the caller asked for a refresh rather than a
	// first load.
	Force bool
}

// FetchResult carries the bytes a fetch produced. ETag is stored with the
// persisted record when set.
type FetchResult struct {
	Data []byte
	ETag string
}

// Fetcher produces live bytes for a kind.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) (FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	return f(ctx, req)
}

// Optimizer converts a value to and from a compact form that is persisted
// instead of the raw fetched bytes.
type Optimizer[T any] interface {
	Encode(v *T) ([]byte, error)
	Decode(lc LoadContext, data []byte) (*T, error)
}

// Expirer is implemented by values that know when they expire.
type Expirer interface {
	ExpiresAt() (time.Time, bool)
}

// Updatable is implemented by values that want to know about loads.
// Both methods run on the notification context.
type Updatable interface {
	SetUpdating(bool)
	SetLastUpdated(time.Time)
}

// Registration declares a kind of value the Manager can load.
type Registration[T any] struct {
	// Name prefixes persisted record names. It must be unique per Manager.
	Name   string
	Policy CachePolicy
	// New returns a fresh default value. Defaults to new(T).
	New   func() *T
	Fetch Fetcher
	// Decode turns fetched bytes into a value. Defaults to JSON.
	Decode    func(lc LoadContext, data []byte) (*T, error)
	Optimizer Optimizer[T]
	// Copy applies src onto dst in place. Defaults to *dst = *src.
	Copy func(dst, src *T)
}

// typeInfo is a Registration with the type parameter erased.
type typeInfo struct {
	name     string
	policy   CachePolicy
	fetcher  Fetcher
	newValue func() any
	decode   func(lc LoadContext, data []byte, optimized bool) (any, error)
	encode   func(v any) ([]byte, error)
	copy     func(dst, src any)
	untyped  AnyKind
}

// Kind is the typed handle returned by Register.
type Kind[T any] struct {
	m    *Manager
	info *typeInfo
}

// Register adds a kind to m.
func Register[T any](m *Manager, reg Registration[T]) (*Kind[T], error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, errors.New("kind name is required")
	}
	if reg.Fetch == nil {
		return nil, fmt.Errorf("register %s: %w", name, ErrNoFetcher)
	}

	newT := reg.New
	if newT == nil {
		newT = func() *T { return new(T) }
	}
	decodeT := reg.Decode
	if decodeT == nil {
		decodeT = func(_ LoadContext, data []byte) (*T, error) {
			v := newT()
			if err := json.Unmarshal(data, v); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	copyT := reg.Copy
	if copyT == nil {
		copyT = func(dst, src *T) { *dst = *src }
	}

	info := &typeInfo{
		name:     name,
		policy:   reg.Policy.resolve(),
		fetcher:  reg.Fetch,
		newValue: func() any { return newT() },
		decode: func(lc LoadContext, data []byte, optimized bool) (any, error) {
			var (
				v   *T
				err error
			)
			if optimized && reg.Optimizer != nil {
				v, err = reg.Optimizer.Decode(lc, data)
			} else {
				v, err = decodeT(lc, data)
			}
			if err != nil || v == nil {
				return nil, err
			}
			return v, nil
		},
		copy: func(dst, src any) { copyT(dst.(*T), src.(*T)) },
	}
	if reg.Optimizer != nil {
		info.encode = func(v any) ([]byte, error) { return reg.Optimizer.Encode(v.(*T)) }
	}

	k := &Kind[T]{m: m, info: info}
	info.untyped = anyKind[T]{k}
	if err := m.addKind(info); err != nil {
		return nil, err
	}
	return k, nil
}

// Name returns the registered name.
func (k *Kind[T]) Name() string { return k.info.name }

// Policy returns the resolved cache policy.
func (k *Kind[T]) Policy() CachePolicy { return k.info.policy }

func (k *Kind[T]) entry(id any) (*entry, error) {
	lc, err := NewLoadContext(id)
	if err != nil {
		return nil, err
	}
	return k.m.entry(k.info, lc)
}

// Load returns a handle to the value for id and starts loading it if the
// held data is not valid. onSuccess and onError run on the notification
// context; under CacheThenRefresh onSuccess may run once for the cached
// value and again for the refreshed one.
func (k *Kind[T]) Load(id any, onSuccess func(*T), onError func(error)) (*Handle[T], error) {
	e, err := k.entry(id)
	if err != nil {
		return nil, err
	}
	e.acquire()
	h := &Handle[T]{e: e}
	h.sub = e.subscribe(k.successFunc(e, onSuccess), onError)
	h.v = e.getValue(false).(*T)
	return h, nil
}

func (k *Kind[T]) successFunc(e *entry, onSuccess func(*T)) func() {
	if onSuccess == nil {
		return nil
	}
	return func() {
		e.mu.Lock()
		v, _ := e.value.(*T)
		e.mu.Unlock()
		if v != nil {
			onSuccess(v)
		}
	}
}

// Subscribe registers callbacks for the next completion of id's value
// without loading it or holding it.
func (k *Kind[T]) Subscribe(id any, onSuccess func(*T), onError func(error)) (Subscription, error) {
	e, err := k.entry(id)
	if err != nil {
		return Subscription{}, err
	}
	return e.subscribe(k.successFunc(e, onSuccess), onError), nil
}

// LoadFromCache reads a valid persisted value on the calling goroutine
// without touching the network. It returns ErrCacheMiss when there is no
// valid cached value.
func (k *Kind[T]) LoadFromCache(id any) (*Handle[T], error) {
	e, err := k.entry(id)
	if err != nil {
		return nil, err
	}
	e.acquire()
	v, err := e.loadFromCache()
	if err != nil {
		e.release()
		return nil, err
	}
	return &Handle[T]{e: e, v: v.(*T)}, nil
}

// Refresh expires the value for id and loads it again from the live source.
func (k *Kind[T]) Refresh(id any, onSuccess func(*T), onError func(error)) (*Handle[T], error) {
	e, err := k.entry(id)
	if err != nil {
		return nil, err
	}
	e.acquire()
	h := &Handle[T]{e: e}
	h.sub = e.subscribe(k.successFunc(e, onSuccess), onError)
	e.setForRefresh()
	h.v = e.getValue(false).(*T)
	return h, nil
}

// Invalidate expires the value for id so the next load goes live. Persisted
// records are kept.
func (k *Kind[T]) Invalidate(id any) error {
	e, err := k.entry(id)
	if err != nil {
		return err
	}
	e.setForRefresh()
	return nil
}

// Clear deletes every persisted record for id and forgets the entry.
func (k *Kind[T]) Clear(ctx context.Context, id any) error {
	lc, err := NewLoadContext(id)
	if err != nil {
		return err
	}
	if e := k.m.lookup(k.info, lc); e != nil {
		err = e.clear(ctx)
		k.m.forget(e)
		return err
	}
	return k.m.store.DeleteAll(ctx, lc.UniqueName(k.info.name))
}

// Save persists value in the kind's optimized form and applies it to the
// held value. Kinds without an Optimizer cannot be saved.
func (k *Kind[T]) Save(ctx context.Context, id any, value *T) error {
	if value == nil {
		return errors.New("save: value is nil")
	}
	if k.info.encode == nil {
		return fmt.Errorf("save %s: %w", k.info.name, ErrNotOptimizable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := k.entry(id)
	if err != nil {
		return err
	}
	e.acquire()
	defer e.release()

	now := k.m.now()
	e.mu.Lock()
	e.ensureValueLocked()
	e.updateExpirationLocked(now, value)
	expires := e.expires
	e.mu.Unlock()

	if _, err := e.persist(value, now, expires, true, nil, uuid.NewString()); err != nil {
		return fmt.Errorf("save %s %s: %w", k.info.name, e.lc, err)
	}
	e.updateFrom(slotNone, value, now, false)
	return nil
}

// ProxyOptions control RegisterProxy.
type ProxyOptions[T any] struct {
	// Load starts loading the value right away.
	Load bool
	// OnUpdate runs on the notification context after each applied update.
	OnUpdate func(*T)
	// UseAsInitial puts the proxy ahead of earlier ones when the entry
	// picks a proxy as its held value.
	UseAsInitial bool
}

// RegisterProxy makes value receive every update applied to id's value.
// A registered proxy keeps the entry's value alive.
func (k *Kind[T]) RegisterProxy(id any, value *T, opts ProxyOptions[T]) error {
	if value == nil {
		return errors.New("register proxy: value is nil")
	}
	e, err := k.entry(id)
	if err != nil {
		return err
	}
	var onUpdate func()
	if opts.OnUpdate != nil {
		onUpdate = func() { opts.OnUpdate(value) }
	}
	e.addProxy(value, onUpdate, opts.UseAsInitial)
	if opts.Load {
		e.getValue(false)
	}
	return nil
}

// UnregisterProxy stops updates to value. It reports whether value was
// registered.
func (k *Kind[T]) UnregisterProxy(id any, value *T) (bool, error) {
	lc, err := NewLoadContext(id)
	if err != nil {
		return false, err
	}
	e := k.m.lookup(k.info, lc)
	if e == nil {
		return false, nil
	}
	return e.removeProxy(value), nil
}

// Get loads id and waits for the first completion. The result is a copy
// taken on the notification context.
func (k *Kind[T]) Get(ctx context.Context, id any) (*T, error) {
	return k.wait(ctx, id, k.Load)
}

// Reload refreshes id and waits for the live result.
func (k *Kind[T]) Reload(ctx context.Context, id any) (*T, error) {
	return k.wait(ctx, id, k.Refresh)
}

type loadFunc[T any] func(id any, onSuccess func(*T), onError func(error)) (*Handle[T], error)

func (k *Kind[T]) wait(ctx context.Context, id any, load loadFunc[T]) (*T, error) {
	type result struct {
		v   *T
		err error
	}
	done := make(chan result, 1)
	send := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	h, err := load(id,
		func(v *T) {
			c := k.info.newValue().(*T)
			k.info.copy(c, v)
			send(result{v: c})
		},
		func(err error) { send(result{err: err}) },
	)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		h.Unsubscribe()
		return nil, ctx.Err()
	}
}
