package engine

import (
	"slices"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the auto-refresh scheduler checks for
// expired entries while any are pending.
const DefaultRefreshInterval = time.Second

type scheduled struct {
	e  *entry
	at time.Time
}

// scheduler refreshes AutoRefresh entries once they expire. The timer only
// runs while something is pending.
type scheduler struct {
	interval time.Duration
	now      func() time.Time
	refresh  func(*entry)

	mu      sync.Mutex
	pending []scheduled // ordered by at
	stop    chan struct{}
	closed  bool
}

func newScheduler(interval time.Duration, now func() time.Time, refresh func(*entry)) *scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &scheduler{interval: interval, now: now, refresh: refresh}
}

// schedule keeps at most one slot for e. Entries whose policy is not
// AutoRefresh are removed.
func (s *scheduler) schedule(e *entry, at time.Time, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(e)
	if p != AutoRefresh || s.closed {
		s.updateTimerLocked()
		return
	}
	i, _ := slices.BinarySearchFunc(s.pending, at, func(x scheduled, t time.Time) int {
		return x.at.Compare(t)
	})
	s.pending = slices.Insert(s.pending, i, scheduled{e: e, at: at})
	s.updateTimerLocked()
}

func (s *scheduler) remove(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e)
	s.updateTimerLocked()
}

func (s *scheduler) removeLocked(e *entry) {
	s.pending = slices.DeleteFunc(s.pending, func(x scheduled) bool { return x.e == e })
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *scheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *scheduler) updateTimerLocked() {
	switch {
	case len(s.pending) > 0 && s.stop == nil && !s.closed:
		s.stop = make(chan struct{})
		go s.loop(s.stop)
	case len(s.pending) == 0 && s.stop != nil:
		close(s.stop)
		s.stop = nil
	}
}

func (s *scheduler) loop(stop chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.tick(s.now())
		}
	}
}

// tick refreshes every entry that expired at or before now, earliest first.
func (s *scheduler) tick(now time.Time) int {
	s.mu.Lock()
	n := 0
	for n < len(s.pending) && !s.pending[n].at.After(now) {
		n++
	}
	due := slices.Clone(s.pending[:n])
	s.pending = slices.Delete(s.pending, 0, n)
	s.updateTimerLocked()
	s.mu.Unlock()

	for _, d := range due {
		s.refresh(d.e)
	}
	return len(due)
}

func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
