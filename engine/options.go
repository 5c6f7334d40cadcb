package engine

import (
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	log             zerolog.Logger
	strict          bool
	now             func() time.Time
	backoff         time.Duration
	refreshInterval time.Duration
	detailedStats   bool
	synchronous     bool
	notifier        Notifier
	ioWorkers       int
	workWorkers     int
	netWorkers      int
}

// Option configures a Manager.
type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStrictErrors makes unhandled load errors panic instead of being
// logged.
func WithStrictErrors(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithClock replaces time.Now for expiration bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.refreshInterval = d }
}

// WithStats enables timing and size statistics. Counters are always kept.
func WithStats(enabled bool) Option {
	return func(o *options) { o.detailedStats = enabled }
}

// WithWorkers sizes the storage, background and network pools.
func WithWorkers(storage, work, network int) Option {
	return func(o *options) {
		if storage > 0 {
			o.ioWorkers = storage
		}
		if work > 0 {
			o.workWorkers = work
		}
		if network > 0 {
			o.netWorkers = network
		}
	}
}

// WithSynchronous runs every load, fetch and callback on the calling
// goroutine.
func WithSynchronous(enabled bool) Option {
	return func(o *options) { o.synchronous = enabled }
}

// WithNotifier replaces the notification context.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}
