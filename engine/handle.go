package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is a strong reference to an entry's value. While any handle, a
// pending load or a proxy holds the value, the entry keeps it; once the last
// one is gone the value is dropped and the next access starts over.
type Handle[T any] struct {
	e    *entry
	v    *T
	sub  Subscription
	once sync.Once
}

// Subscription identifies callbacks registered on an entry.
type Subscription struct {
	e  *entry
	id uuid.UUID
}

// Unsubscribe drops the callbacks. It is a no-op on the zero Subscription.
func (s Subscription) Unsubscribe() {
	if s.e != nil && s.id != uuid.Nil {
		s.e.coord.unsubscribe(s.id)
	}
}

// Value returns the held value. Loads update it in place on the
// notification context, so read it from callbacks or use Snapshot.
func (h *Handle[T]) Value() *T { return h.v }

// Snapshot returns a shallow copy of the value taken under the entry lock.
func (h *Handle[T]) Snapshot() T {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return *h.v
}

// Context returns the load context the handle was created for.
func (h *Handle[T]) Context() LoadContext { return h.e.lc }

// LastUpdated reports when the value was last updated, and when it expires.
func (h *Handle[T]) LastUpdated() (updated, expires time.Time) {
	updated, expires, _, _ = h.e.snapshot()
	return updated, expires
}

// FromCache reports whether the value currently comes from the persisted
// store rather than a live fetch.
func (h *Handle[T]) FromCache() bool {
	_, _, usingCached, _ := h.e.snapshot()
	return usingCached
}

// Unsubscribe drops the callbacks registered when the handle was created.
// The value stays held until Release.
func (h *Handle[T]) Unsubscribe() {
	h.sub.Unsubscribe()
}

// Release drops the handle's hold on the value. It is safe to call more
// than once.
func (h *Handle[T]) Release() {
	h.once.Do(h.e.release)
}
