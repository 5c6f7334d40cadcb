package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultRetryBackoff is how long a live loader refuses to fetch again after
// a failure.
const DefaultRetryBackoff = 60 * time.Second

// liveLoader fetches fresh bytes through the kind's Fetcher.
type liveLoader struct {
	loader

	ctx      context.Context
	fetcher  Fetcher
	req      FetchRequest
	run      func(func())
	now      func() time.Time
	backoff  time.Duration
	inflight *atomic.Int64

	// guarded by loader.mu
	retryAt time.Time
	updated time.Time
}

// valid is false only inside the backoff window that follows a failure.
func (l *liveLoader) valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !(l.state == StateFailed && l.now().Before(l.retryAt))
}

func (l *liveLoader) begin(force bool) (bool, error) {
	req := l.req
	req.Force = force
	l.run(func() {
		l.inflight.Add(1)
		defer l.inflight.Add(-1)

		start := time.Now()
		res, err := l.safeFetch(req)
		if err == nil && res.Data == nil {
			err = errNoBytes
		}
		if err != nil {
			l.failFetch(err)
			return
		}
		l.stats.fetched(time.Since(start), len(res.Data))

		l.mu.Lock()
		l.updated = l.now()
		l.mu.Unlock()
		l.loaded(res.Data, res.ETag, false)
	})
	return true, nil
}

func (l *liveLoader) safeFetch(req FetchRequest) (res FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return l.fetcher.Fetch(l.ctx, req)
}

func (l *liveLoader) failFetch(err error) {
	l.stats.fetchFailed()
	l.mu.Lock()
	l.retryAt = l.now().Add(l.backoff)
	l.mu.Unlock()
	l.fail(&FetchError{Kind: l.req.Kind, Identity: l.req.Context.UniqueKey(), Err: err})
}

func (l *liveLoader) updatedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updated
}

func (l *liveLoader) reset() {
	l.mu.Lock()
	l.resetLocked()
	l.retryAt = time.Time{}
	l.updated = time.Time{}
	l.mu.Unlock()
}
