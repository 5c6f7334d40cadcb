package engine

import (
	"context"
	"time"
)

// AnyKind is a kind addressed by name, for callers that do not know its
// value type, such as HTTP handlers and background jobs.
type AnyKind interface {
	Name() string
	Policy() CachePolicy
	// Get loads id and waits for the first completion.
	Get(ctx context.Context, id any) (any, error)
	// Reload refreshes id from the live source and waits for the result.
	Reload(ctx context.Context, id any) (any, error)
	// Cached reads a valid persisted value without going live.
	Cached(id any) (any, error)
	Invalidate(id any) error
	Clear(ctx context.Context, id any) error
	// Status describes the held state of id without loading it.
	Status(id any) (Status, bool)
}

// Status is a point-in-time view of one entry.
type Status struct {
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	LastUpdated time.Time `json:"last_updated"`
	ExpiresAt   time.Time `json:"expires_at"`
	FromCache   bool      `json:"from_cache"`
	LiveSeen    bool      `json:"live_seen"`
	Cache       string    `json:"cache_loader"`
	Live        string    `json:"live_loader"`
}

type anyKind[T any] struct {
	k *Kind[T]
}

func (a anyKind[T]) Name() string        { return a.k.Name() }
func (a anyKind[T]) Policy() CachePolicy { return a.k.Policy() }

func (a anyKind[T]) Get(ctx context.Context, id any) (any, error) {
	v, err := a.k.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a anyKind[T]) Reload(ctx context.Context, id any) (any, error) {
	v, err := a.k.Reload(ctx, id)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a anyKind[T]) Cached(id any) (any, error) {
	h, err := a.k.LoadFromCache(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	v := h.Snapshot()
	return &v, nil
}

func (a anyKind[T]) Invalidate(id any) error { return a.k.Invalidate(id) }

func (a anyKind[T]) Clear(ctx context.Context, id any) error { return a.k.Clear(ctx, id) }

func (a anyKind[T]) Status(id any) (Status, bool) {
	lc, err := NewLoadContext(id)
	if err != nil {
		return Status{}, false
	}
	e := a.k.m.lookup(a.k.info, lc)
	if e == nil {
		return Status{}, false
	}
	updated, expires, usingCached, liveSeen := e.snapshot()
	return Status{
		Kind:        a.k.info.name,
		ID:          lc.UniqueKey(),
		LastUpdated: updated,
		ExpiresAt:   expires,
		FromCache:   usingCached,
		LiveSeen:    liveSeen,
		Cache:       e.cache.State().String(),
		Live:        e.live.State().String(),
	}, true
}
