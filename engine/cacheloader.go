package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/briangreenhill/refreshcache/cache"
)

// cacheLoader reads an entry's persisted record from the store.
type cacheLoader struct {
	loader

	ctx   context.Context
	store *cache.Store
	uname string
	run   func(func())
	now   func() time.Time

	// guarded by loader.mu
	item    cache.ItemInfo
	hasItem bool
	noItem  bool
	expired bool
	direct  bool
}

// findItem returns the latest persisted record, remembering both hits and
// misses until reset or save.
func (c *cacheLoader) findItem() (cache.ItemInfo, bool, error) {
	c.mu.Lock()
	if c.hasItem {
		item := c.item
		c.mu.Unlock()
		return item, true, nil
	}
	if c.noItem {
		c.mu.Unlock()
		return cache.ItemInfo{}, false, nil
	}
	c.mu.Unlock()

	item, ok, err := c.store.Latest(c.ctx, c.uname)
	if err != nil {
		return cache.ItemInfo{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasItem {
		// a save landed while we were scanning
		return c.item, true, nil
	}
	if ok {
		c.item, c.hasItem = item, true
	} else {
		c.noItem = true
	}
	return item, ok, nil
}

// valid reports whether an unexpired record exists and has not been marked
// expired.
func (c *cacheLoader) valid() bool {
	if !c.usable() {
		return false
	}
	item, ok, err := c.findItem()
	if err != nil || !ok {
		return false
	}
	return item.ExpiresAt.After(c.now())
}

// available reports whether any record exists, expired or not.
func (c *cacheLoader) available() (bool, error) {
	if !c.usable() {
		return false, nil
	}
	_, ok, err := c.findItem()
	return ok, err
}

func (c *cacheLoader) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateFailed && !c.expired
}

func (c *cacheLoader) begin(bool) (bool, error) {
	item, ok, err := c.findItem()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	read := func() {
		data, err := c.store.Read(c.ctx, item)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				c.forget()
			}
			c.fail(fmt.Errorf("read %s: %w", item, err))
			return
		}
		c.loaded(data, item.ETag, item.Optimized)
	}

	c.mu.Lock()
	direct := c.direct
	c.mu.Unlock()
	if direct {
		read()
	} else {
		c.run(read)
	}
	return true, nil
}

func (c *cacheLoader) updatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item.UpdatedAt
}

// fetchDirect reads the record on the calling goroutine and applies the
// result there too.
func (c *cacheLoader) fetchDirect() fetchOutcome {
	c.mu.Lock()
	c.direct, c.inline = true, true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.direct, c.inline = false, false
		c.mu.Unlock()
	}()
	return c.fetch(false)
}

// save persists data as the entry's current record. The next cache load
// decodes it again.
func (c *cacheLoader) save(data []byte, item cache.ItemInfo) (cache.ItemInfo, error) {
	if data == nil {
		return cache.ItemInfo{}, cache.ErrNoData
	}
	written, err := c.store.Write(c.ctx, item, data)
	if err != nil {
		return cache.ItemInfo{}, err
	}

	c.mu.Lock()
	c.item, c.hasItem, c.noItem = written, true, false
	c.expired = false
	if c.state != StateLoading && c.state != StateProcessing {
		c.resetLocked()
	}
	c.mu.Unlock()
	return written, nil
}

// setExpired makes valid and available report false without touching the
// stored record.
func (c *cacheLoader) setExpired() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
}

func (c *cacheLoader) forget() {
	c.mu.Lock()
	c.item, c.hasItem, c.noItem = cache.ItemInfo{}, false, false
	c.mu.Unlock()
}

func (c *cacheLoader) reset() {
	c.mu.Lock()
	c.resetLocked()
	c.item, c.hasItem, c.noItem = cache.ItemInfo{}, false, false
	c.expired = false
	c.mu.Unlock()
}

// restart is reset for a recreated value. An invalidation made while the
// value was dropped still applies.
func (c *cacheLoader) restart() {
	c.mu.Lock()
	c.resetLocked()
	c.item, c.hasItem, c.noItem = cache.ItemInfo{}, false, false
	c.mu.Unlock()
}
