// Package memory provides an in-process cache.Provider on top of bigcache.
// Records do not survive a restart, and bigcache drops any record older than
// the life window even under a Forever policy; it suits tests and short-lived
// tools that still want the refresh engine's persisted-fallback behaviour.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/briangreenhill/refreshcache/cache"
)

// Store keeps records in a bigcache instance keyed by cache.ItemInfo.Key.
type Store struct {
	bc *bigcache.BigCache
}

var _ cache.Provider = (*Store)(nil)

// Config sizes the underlying bigcache.
type Config struct {
	// MaxMemoryMB caps the cache. Zero means unbounded.
	MaxMemoryMB int
	// LifeWindow evicts records older than this. Zero means
	// DefaultLifeWindow.
	LifeWindow time.Duration
}

// DefaultLifeWindow is the record lifetime when Config.LifeWindow is zero.
const DefaultLifeWindow = 365 * 24 * time.Hour

func (c Config) lifeWindow() time.Duration {
	if c.LifeWindow <= 0 {
		return DefaultLifeWindow
	}
	return c.LifeWindow
}

// New creates an empty store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	life := cfg.lifeWindow()
	bcCfg := bigcache.Config{
		Shards:             32,
		LifeWindow:         life,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       64 * 1024,
		StatsEnabled:       false,
		Verbose:            false,
		HardMaxCacheSize:   cfg.MaxMemoryMB,
	}
	if cfg.LifeWindow > 0 {
		bcCfg.CleanWindow = time.Minute
	}

	bc, err := bigcache.New(ctx, bcCfg)
	if err != nil {
		return nil, fmt.Errorf("create bigcache: %w", err)
	}
	return &Store{bc: bc}, nil
}

// Read returns the payload of one record.
func (s *Store) Read(_ context.Context, item cache.ItemInfo) ([]byte, error) {
	data, err := s.bc.Get(item.Key())
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", item.UniqueName, err)
	}
	return data, nil
}

// Write stores one record.
func (s *Store) Write(_ context.Context, item cache.ItemInfo, data []byte) error {
	if data == nil {
		return cache.ErrNoData
	}
	if err := s.bc.Set(item.Key(), data); err != nil {
		return fmt.Errorf("set %s: %w", item.UniqueName, err)
	}
	return nil
}

// Delete removes one record. Missing records are not an error.
func (s *Store) Delete(_ context.Context, item cache.ItemInfo) error {
	err := s.bc.Delete(item.Key())
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("delete %s: %w", item.UniqueName, err)
	}
	return nil
}

// Items returns the records stored under uniqueName.
func (s *Store) Items(ctx context.Context, uniqueName string) ([]cache.ItemInfo, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, it := range all {
		if it.UniqueName == uniqueName {
			out = append(out, it)
		}
	}
	return out, nil
}

// List walks every entry in the cache.
func (s *Store) List(ctx context.Context) ([]cache.ItemInfo, error) {
	var out []cache.ItemInfo
	it := s.bc.Iterator()
	for it.SetNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := it.Value()
		if err != nil {
			// removed while iterating
			continue
		}
		item, err := cache.ParseKey(entry.Key())
		if err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Close stops bigcache's cleanup goroutine.
func (s *Store) Close() error {
	return s.bc.Close()
}
