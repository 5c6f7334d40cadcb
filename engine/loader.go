package engine

import (
	"sync"
	"time"
)

// LoaderState is the position of a loader in its fetch/decode cycle.
type LoaderState int

const (
	StateNone LoaderState = iota
	StateLoading
	StateLoaded
	StateProcessing
	StateValueAvailable
	StateFailed
)

func (s LoaderState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	case StateProcessing:
		return "Processing"
	case StateValueAvailable:
		return "ValueAvailable"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

type fetchOutcome int

const (
	fetchStarted fetchOutcome = iota
	fetchBusy
	fetchNothing
	fetchFailed
)

// loadedValue is what a loader hands its entry once bytes have decoded.
type loadedValue struct {
	value   any
	updated time.Time
	raw     []byte
	etag    string
	inline  bool
}

// source is the part of a loader that differs between the cache and live
// variants: starting the byte fetch and reporting the update time.
type source interface {
	begin(force bool) (bool, error)
	updatedAt() time.Time
}

// loader is the state machine shared by the cache and live loaders: fetch
// raw bytes, then decode them into a value. Callbacks are never invoked with
// mu held.
type loader struct {
	name   string
	src    source
	decode func(data []byte, optimized bool) (any, error)
	cares  func() bool
	stats  *entryStats

	onValue   func(loadedValue)
	onFailed  func(error)
	// onParked releases the coordinator slot when fetched bytes are kept
	// undecoded because nobody holds the value.
	onParked  func()
	decodeErr func(loader string, err error) error

	mu        sync.Mutex
	state     LoaderState
	data      []byte
	etag      string
	optimized bool
	inline    bool
}

func (l *loader) State() LoaderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *loader) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateLoading || l.state == StateProcessing
}

// fetch starts a load unless one is in flight. Bytes that arrived earlier but
// were never decoded are decoded instead of fetched again.
func (l *loader) fetch(force bool) fetchOutcome {
	l.mu.Lock()
	switch l.state {
	case StateLoading, StateProcessing:
		l.mu.Unlock()
		return fetchBusy
	case StateLoaded:
		l.mu.Unlock()
		l.process()
		return fetchStarted
	}
	l.state = StateLoading
	l.mu.Unlock()

	ok, err := l.src.begin(force)
	if err != nil {
		l.fail(err)
		return fetchFailed
	}
	if !ok {
		l.mu.Lock()
		if l.state == StateLoading {
			l.state = StateNone
		}
		l.mu.Unlock()
		return fetchNothing
	}
	return fetchStarted
}

// loaded records fetched bytes and decodes them.
func (l *loader) loaded(data []byte, etag string, optimized bool) {
	l.mu.Lock()
	l.state = StateLoaded
	l.data = data
	l.etag = etag
	l.optimized = optimized
	l.mu.Unlock()
	l.process()
}

func (l *loader) process() {
	if l.State() != StateLoaded {
		return
	}
	// cares takes the entry lock, which must never be taken under mu
	if !l.cares() {
		// keep the bytes; the next fetch decodes them
		l.onParked()
		return
	}
	l.mu.Lock()
	if l.state != StateLoaded {
		// another caller got here first
		l.mu.Unlock()
		return
	}
	l.state = StateProcessing
	data, etag, optimized, inline := l.data, l.etag, l.optimized, l.inline
	l.mu.Unlock()

	start := time.Now()
	v, err := l.decode(data, optimized)
	if err == nil && v == nil {
		err = errNilValue
	}
	if err != nil {
		l.mu.Lock()
		l.state = StateFailed
		l.data = nil
		l.mu.Unlock()
		l.stats.decodeFailed()
		l.onFailed(l.decodeErr(l.name, err))
		return
	}
	l.stats.decoded(time.Since(start))

	l.mu.Lock()
	l.state = StateValueAvailable
	l.data = nil
	l.mu.Unlock()

	l.onValue(loadedValue{
		value:   v,
		updated: l.src.updatedAt(),
		raw:     data,
		etag:    etag,
		inline:  inline,
	})
}

// fail moves the loader to Failed and reports err.
func (l *loader) fail(err error) {
	l.mu.Lock()
	l.state = StateFailed
	l.data = nil
	l.mu.Unlock()
	l.onFailed(err)
}

func (l *loader) resetLocked() {
	l.state = StateNone
	l.data = nil
	l.etag = ""
	l.optimized = false
}
