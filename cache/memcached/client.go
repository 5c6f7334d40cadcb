// Package memcached provides a cache.Provider that keeps records in memcached.
//
// Memcached cannot enumerate keys, so the provider maintains two small index
// values next to the payloads: one per unique name listing its records, and
// one listing every name. Index updates are serialized inside the process.
package memcached

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/briangreenhill/refreshcache/cache"
)

// Client stores records in one or more memcached servers.
type Client struct {
	client *memcache.Client
	prefix string
	ttl    int32

	mu sync.Mutex
}

var _ cache.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPrefix namespaces every key the client writes.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithTTL sets the memcached expiration for payloads, in seconds. Zero keeps
// them until evicted.
func WithTTL(seconds int32) Option {
	return func(c *Client) { c.ttl = seconds }
}

// WithTimeout sets the socket read/write timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// New creates a Client for the given server addresses.
func New(servers []string, opts ...Option) (*Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("at least one memcached server is required")
	}
	c := &Client{
		client: memcache.New(servers...),
		prefix: "rc",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Ping checks that the server owning the probe key answers.
func (c *Client) Ping() error {
	_, err := c.client.Get(c.prefix + ":ping")
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Read returns the payload of one record.
func (c *Client) Read(_ context.Context, item cache.ItemInfo) ([]byte, error) {
	it, err := c.client.Get(c.blobKey(item))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", item.UniqueName, err)
	}
	return it.Value, nil
}

// Write stores one record and adds it to the name index.
func (c *Client) Write(_ context.Context, item cache.ItemInfo, data []byte) error {
	if data == nil {
		return cache.ErrNoData
	}
	err := c.client.Set(&memcache.Item{
		Key:        c.blobKey(item),
		Value:      data,
		Expiration: c.ttl,
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", item.UniqueName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.loadItems(item.UniqueName)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(items, item.Equal) {
		return nil
	}
	if err := c.saveItems(item.UniqueName, append(items, item)); err != nil {
		return err
	}
	if len(items) > 0 {
		return nil
	}

	names, err := c.loadNames()
	if err != nil {
		return err
	}
	if slices.Contains(names, item.UniqueName) {
		return nil
	}
	return c.saveNames(append(names, item.UniqueName))
}

// Delete removes one record. Missing records are not an error.
func (c *Client) Delete(_ context.Context, item cache.ItemInfo) error {
	err := c.client.Delete(c.blobKey(item))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("delete %s: %w", item.UniqueName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.loadItems(item.UniqueName)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(items, item.Equal)
	if len(kept) > 0 {
		return c.saveItems(item.UniqueName, kept)
	}

	if err := c.client.Delete(c.indexKey(item.UniqueName)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("delete index %s: %w", item.UniqueName, err)
	}
	names, err := c.loadNames()
	if err != nil {
		return err
	}
	if !slices.Contains(names, item.UniqueName) {
		return nil
	}
	return c.saveNames(slices.DeleteFunc(names, func(n string) bool { return n == item.UniqueName }))
}

// Items returns the indexed records for uniqueName.
func (c *Client) Items(_ context.Context, uniqueName string) ([]cache.ItemInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadItems(uniqueName)
}

// List returns every indexed record.
func (c *Client) List(_ context.Context) ([]cache.ItemInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names, err := c.loadNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var out []cache.ItemInfo
	for _, name := range names {
		items, err := c.loadItems(name)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// Close is a no-op; the memcache client has no resources to release.
func (c *Client) Close() error { return nil }

func (c *Client) blobKey(item cache.ItemInfo) string {
	return fmt.Sprintf("%s:b:%x", c.prefix, md5.Sum([]byte(item.Key())))
}

func (c *Client) indexKey(uniqueName string) string {
	return fmt.Sprintf("%s:i:%x", c.prefix, md5.Sum([]byte(uniqueName)))
}

func (c *Client) namesKey() string {
	return c.prefix + ":names"
}

func (c *Client) loadItems(uniqueName string) ([]cache.ItemInfo, error) {
	var items []cache.ItemInfo
	if err := c.loadJSON(c.indexKey(uniqueName), &items); err != nil {
		return nil, fmt.Errorf("load index %s: %w", uniqueName, err)
	}
	return items, nil
}

func (c *Client) saveItems(uniqueName string, items []cache.ItemInfo) error {
	if err := c.saveJSON(c.indexKey(uniqueName), items); err != nil {
		return fmt.Errorf("save index %s: %w", uniqueName, err)
	}
	return nil
}

func (c *Client) loadNames() ([]string, error) {
	var names []string
	if err := c.loadJSON(c.namesKey(), &names); err != nil {
		return nil, fmt.Errorf("load names: %w", err)
	}
	return names, nil
}

func (c *Client) saveNames(names []string) error {
	if err := c.saveJSON(c.namesKey(), names); err != nil {
		return fmt.Errorf("save names: %w", err)
	}
	return nil
}

func (c *Client) loadJSON(key string, v any) error {
	it, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(it.Value, v)
}

func (c *Client) saveJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{Key: key, Value: b})
}
