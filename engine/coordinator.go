package engine

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// slot names the loader a completion came from. slotNone marks completions
// that did not come from a loader, such as an already-valid value.
type slot int

const (
	slotNone slot = iota
	slotCache
	slotLive
)

func (s slot) String() string {
	switch s {
	case slotCache:
		return "cache"
	case slotLive:
		return "live"
	}
	return "none"
}

type subscriber struct {
	id        uuid.UUID
	onSuccess func()
	onError   func(error)
	serviced  bool
}

type completion struct {
	from slot
	err  error
}

// coordinator merges completions from an entry's two loaders into one
// notification per subscriber per completion. Deliveries are posted to the
// notification context; nothing is called with mu held.
type coordinator struct {
	policy    Policy
	post      func(func())
	unhandled func(error)

	mu      sync.Mutex
	subs    []*subscriber
	active  []slot
	results []completion
}

func newCoordinator(policy Policy, post func(func()), unhandled func(error)) *coordinator {
	return &coordinator{policy: policy, post: post, unhandled: unhandled}
}

// subscribe adds a waiter. Either callback may be nil.
func (c *coordinator) subscribe(onSuccess func(), onError func(error)) uuid.UUID {
	s := &subscriber{id: uuid.New(), onSuccess: onSuccess, onError: onError}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s.id
}

func (c *coordinator) unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s *subscriber) bool { return s.id == id })
	c.mu.Unlock()
}

func (c *coordinator) register(s slot) {
	c.mu.Lock()
	c.active = append(c.active, s)
	c.mu.Unlock()
}

// unregister drops one active registration of s and releases whatever
// results the policy allows.
func (c *coordinator) unregister(s slot) {
	c.mu.Lock()
	if i := slices.Index(c.active, s); i >= 0 {
		c.active = slices.Delete(c.active, i, i+1)
	}
	actions := c.processLocked()
	c.mu.Unlock()

	for _, a := range actions {
		a()
	}
}

func (c *coordinator) success(s slot) {
	c.mu.Lock()
	c.results = append(c.results, completion{from: s})
	c.mu.Unlock()
	c.unregister(s)
}

func (c *coordinator) failure(s slot, err error) {
	c.mu.Lock()
	c.results = append(c.results, completion{from: s, err: err})
	c.mu.Unlock()
	c.unregister(s)
}

func (c *coordinator) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *coordinator) processLocked() []func() {
	var release, keep []completion
	if c.policy == CacheThenRefresh {
		// live results wait while a cache read is still in flight
		cacheActive := slices.Contains(c.active, slotCache)
		for _, r := range c.results {
			if r.from != slotLive || !cacheActive {
				release = append(release, r)
			} else {
				keep = append(keep, r)
			}
		}
		slices.SortStableFunc(release, func(a, b completion) int {
			return rank(a.from) - rank(b.from)
		})
	} else {
		release = c.results
	}
	c.results = keep

	var actions []func()
	for _, r := range release {
		snapshot := slices.Clone(c.subs)
		for _, s := range snapshot {
			s.serviced = true
		}
		actions = append(actions, c.deliver(r, snapshot))
	}

	if len(c.active) == 0 && len(c.results) == 0 {
		c.subs = slices.DeleteFunc(c.subs, func(s *subscriber) bool { return s.serviced })
	}
	return actions
}

func rank(s slot) int {
	if s == slotLive {
		return 1
	}
	return 0
}

func (c *coordinator) deliver(r completion, subs []*subscriber) func() {
	if r.err == nil {
		return func() {
			c.post(func() {
				for _, s := range subs {
					if s.onSuccess != nil {
						s.onSuccess()
					}
				}
			})
		}
	}

	handled := slices.ContainsFunc(subs, func(s *subscriber) bool { return s.onError != nil })
	return func() {
		c.post(func() {
			if !handled {
				c.unhandled(r.err)
				return
			}
			for _, s := range subs {
				if s.onError != nil {
					s.onError(r.err)
				}
			}
		})
	}
}
