// Package cache provides the persisted side of the refresh engine: record
// metadata, the blob storage contract implemented by each backend, and a
// Store that keeps an in-memory index of the latest record per name.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ItemInfo describes one persisted record.
type ItemInfo struct {
	UniqueName string    `json:"name"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Optimized  bool      `json:"optimized,omitempty"`
	ETag       string    `json:"etag,omitempty"`
}

// Equal reports whether two records describe the same stored blob.
func (i ItemInfo) Equal(o ItemInfo) bool {
	return i.UniqueName == o.UniqueName &&
		i.UpdatedAt.Equal(o.UpdatedAt) &&
		i.ExpiresAt.Equal(o.ExpiresAt) &&
		i.Optimized == o.Optimized &&
		i.ETag == o.ETag
}

// Normalize truncates timestamps to the millisecond precision every provider
// stores and strips the key separator from the ETag, so that a record read
// back compares Equal to the one written.
func (i ItemInfo) Normalize() ItemInfo {
	i.ETag = strings.ReplaceAll(i.ETag, keySeparator, "_")
	i.UpdatedAt = UnixMillisToTime(TimeToUnixMillis(i.UpdatedAt))
	i.ExpiresAt = UnixMillisToTime(TimeToUnixMillis(i.ExpiresAt))
	return i
}

// Expired reports whether the record is expired at now.
func (i ItemInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// Key returns the stable storage key for the record. Providers that address
// blobs by a single string use it directly.
func (i ItemInfo) Key() string {
	flag := "r"
	if i.Optimized {
		flag = "o"
	}
	return strings.Join([]string{
		i.UniqueName,
		strconv.FormatInt(TimeToUnixMillis(i.UpdatedAt), 10),
		strconv.FormatInt(TimeToUnixMillis(i.ExpiresAt), 10),
		flag,
		i.ETag,
	}, keySeparator)
}

func (i ItemInfo) String() string {
	return fmt.Sprintf("%s (updated=%s expires=%s optimized=%t)",
		i.UniqueName, i.UpdatedAt.Format(time.RFC3339), i.ExpiresAt.Format(time.RFC3339), i.Optimized)
}

// ParseKey reverses Key. Unique names may contain the separator, so the
// metadata fields are taken from the right.
func ParseKey(key string) (ItemInfo, error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 5 {
		return ItemInfo{}, fmt.Errorf("parse cache key %q: too few fields", key)
	}
	n := len(parts)
	updated, err := strconv.ParseInt(parts[n-4], 10, 64)
	if err != nil {
		return ItemInfo{}, fmt.Errorf("parse cache key %q: updated: %w", key, err)
	}
	expires, err := strconv.ParseInt(parts[n-3], 10, 64)
	if err != nil {
		return ItemInfo{}, fmt.Errorf("parse cache key %q: expires: %w", key, err)
	}
	return ItemInfo{
		UniqueName: strings.Join(parts[:n-4], keySeparator),
		UpdatedAt:  UnixMillisToTime(updated),
		ExpiresAt:  UnixMillisToTime(expires),
		Optimized:  parts[n-2] == "o",
		ETag:       parts[n-1],
	}, nil
}

// Reader reads stored blobs.
type Reader interface {
	// Read returns the bytes stored for item, or ErrNotFound.
	Read(ctx context.Context, item ItemInfo) ([]byte, error)
}

// Writer writes and removes stored blobs.
type Writer interface {
	Write(ctx context.Context, item ItemInfo, data []byte) error
	Delete(ctx context.Context, item ItemInfo) error
}

// Lister enumerates stored records.
type Lister interface {
	// Items returns every record stored under uniqueName, in no particular order.
	Items(ctx context.Context, uniqueName string) ([]ItemInfo, error)
	// List returns every record in the backend.
	List(ctx context.Context) ([]ItemInfo, error)
}

// Provider is the blob store contract each backend implements. Providers must
// tolerate concurrent writers on unrelated records.
type Provider interface {
	Reader
	Writer
	Lister
	Close() error
}

const keySeparator = "|"

// TimeToUnixMillis encodes t for storage. The zero time encodes as 0.
func TimeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

// UnixMillisToTime decodes a value produced by TimeToUnixMillis.
func UnixMillisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
