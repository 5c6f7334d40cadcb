package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store layers the operations the refresh engine needs on top of a Provider:
// latest-record lookup with an in-memory index, write retries, and bulk
// deletion. The index has its own lock and never calls back into callers.
type Store struct {
	provider   Provider
	log        zerolog.Logger
	retries    int
	retryDelay time.Duration

	mu    sync.Mutex
	index map[string]ItemInfo
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for best-effort cleanup failures.
func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithWriteRetries sets how many times a write is attempted and the delay
// between attempts.
func WithWriteRetries(attempts int, delay time.Duration) StoreOption {
	return func(s *Store) {
		if attempts > 0 {
			s.retries = attempts
		}
		s.retryDelay = delay
	}
}

// NewStore wraps p.
func NewStore(p Provider, opts ...StoreOption) *Store {
	s := &Store{
		provider:   p,
		log:        zerolog.Nop(),
		retries:    3,
		retryDelay: 10 * time.Millisecond,
		index:      make(map[string]ItemInfo),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Provider returns the wrapped backend.
func (s *Store) Provider() Provider { return s.provider }

// Latest returns the latest-expiring record stored under uniqueName, expired
// or not. Older records for the same name are deleted as a side effect.
func (s *Store) Latest(ctx context.Context, uniqueName string) (ItemInfo, bool, error) {
	s.mu.Lock()
	item, ok := s.index[uniqueName]
	s.mu.Unlock()
	if ok {
		return item, true, nil
	}

	items, err := s.provider.Items(ctx, uniqueName)
	if err != nil {
		return ItemInfo{}, false, fmt.Errorf("list %s: %w", uniqueName, err)
	}
	if len(items) == 0 {
		return ItemInfo{}, false, nil
	}

	latest := items[0]
	for _, it := range items[1:] {
		if it.ExpiresAt.After(latest.ExpiresAt) ||
			(it.ExpiresAt.Equal(latest.ExpiresAt) && it.UpdatedAt.After(latest.UpdatedAt)) {
			latest = it
		}
	}
	for _, it := range items {
		if it.Equal(latest) {
			continue
		}
		if err := s.provider.Delete(ctx, it); err != nil {
			s.log.Warn().Err(err).Str("name", uniqueName).Msg("delete superseded record")
		}
	}

	s.mu.Lock()
	// a concurrent Write wins over what we just scanned
	if current, ok := s.index[uniqueName]; ok {
		latest = current
	} else {
		s.index[uniqueName] = latest
	}
	s.mu.Unlock()
	return latest, true, nil
}

// Read returns the payload for item.
func (s *Store) Read(ctx context.Context, item ItemInfo) ([]byte, error) {
	data, err := s.provider.Read(ctx, item)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.forget(item)
		}
		return nil, err
	}
	if data == nil {
		return nil, ErrNoData
	}
	return data, nil
}

// Write stores data as the current record for item.UniqueName and removes the
// record it replaces. It returns the normalized record actually written.
func (s *Store) Write(ctx context.Context, item ItemInfo, data []byte) (ItemInfo, error) {
	if data == nil {
		return ItemInfo{}, ErrNoData
	}
	item = item.Normalize()

	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err = s.provider.Write(ctx, item, data); err == nil {
			break
		}
		s.log.Debug().Err(err).Int("attempt", attempt).Str("name", item.UniqueName).Msg("write failed")
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return ItemInfo{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	if err != nil {
		return ItemInfo{}, fmt.Errorf("write %s: %w", item.UniqueName, err)
	}

	s.mu.Lock()
	prev, hadPrev := s.index[item.UniqueName]
	s.index[item.UniqueName] = item
	s.mu.Unlock()

	replaced := []ItemInfo{prev}
	if !hadPrev {
		replaced, err = s.provider.Items(ctx, item.UniqueName)
		if err != nil {
			s.log.Warn().Err(err).Str("name", item.UniqueName).Msg("list replaced records")
		}
	}
	for _, old := range replaced {
		if old.Equal(item) {
			continue
		}
		if err := s.provider.Delete(ctx, old); err != nil {
			s.log.Warn().Err(err).Str("name", item.UniqueName).Msg("delete replaced record")
		}
	}
	return item, nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, item ItemInfo) error {
	s.forget(item)
	return s.provider.Delete(ctx, item)
}

// DeleteAll removes every record stored under uniqueName.
func (s *Store) DeleteAll(ctx context.Context, uniqueName string) error {
	s.mu.Lock()
	delete(s.index, uniqueName)
	s.mu.Unlock()

	items, err := s.provider.Items(ctx, uniqueName)
	if err != nil {
		return fmt.Errorf("list %s: %w", uniqueName, err)
	}
	for _, it := range items {
		if err := s.provider.Delete(ctx, it); err != nil {
			return fmt.Errorf("delete %s: %w", uniqueName, err)
		}
	}
	return nil
}

// List returns every stored record.
func (s *Store) List(ctx context.Context) ([]ItemInfo, error) {
	return s.provider.List(ctx)
}

// Cleanup deletes every record that expires before maxExpiration and returns
// how many were removed.
func (s *Store) Cleanup(ctx context.Context, maxExpiration time.Time) (int, error) {
	items, err := s.provider.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list: %w", err)
	}
	removed := 0
	for _, it := range items {
		if !it.ExpiresAt.Before(maxExpiration) {
			continue
		}
		if err := s.Delete(ctx, it); err != nil {
			return removed, fmt.Errorf("delete %s: %w", it.UniqueName, err)
		}
		removed++
	}
	return removed, nil
}

// Clear deletes every stored record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.index = make(map[string]ItemInfo)
	s.mu.Unlock()

	items, err := s.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, it := range items {
		if err := s.provider.Delete(ctx, it); err != nil {
			return fmt.Errorf("delete %s: %w", it.UniqueName, err)
		}
	}
	return nil
}

// Close closes the provider.
func (s *Store) Close() error {
	return s.provider.Close()
}

func (s *Store) forget(item ItemInfo) {
	s.mu.Lock()
	if current, ok := s.index[item.UniqueName]; ok && current.Equal(item) {
		delete(s.index, item.UniqueName)
	}
	s.mu.Unlock()
}
