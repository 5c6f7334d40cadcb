// Package sqlite provides a cache.Provider backed by a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/briangreenhill/refreshcache/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_items (
    record_key  TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    optimized   INTEGER NOT NULL DEFAULT 0,
    etag        TEXT NOT NULL DEFAULT '',
    payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_items_name_idx ON cache_items (name);
`

// Store provides SQLite-backed persistence for cache records.
type Store struct {
	sqlDB *sql.DB
}

var _ cache.Provider = (*Store)(nil)

// Open opens and migrates a SQLite cache store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Read loads the payload of one record.
func (s *Store) Read(ctx context.Context, item cache.ItemInfo) ([]byte, error) {
	if s == nil || s.sqlDB == nil {
		return nil, cache.ErrNotConfigured
	}

	var payload []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM cache_items WHERE record_key = ?`,
		item.Key(),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get cache item: %w", err)
	}
	return payload, nil
}

// Write upserts one record.
func (s *Store) Write(ctx context.Context, item cache.ItemInfo, data []byte) error {
	if s == nil || s.sqlDB == nil {
		return cache.ErrNotConfigured
	}
	if strings.TrimSpace(item.UniqueName) == "" {
		return fmt.Errorf("cache name is required")
	}
	if data == nil {
		return cache.ErrNoData
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_items (record_key, name, updated_at, expires_at, optimized, etag, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_key) DO UPDATE SET
		    payload = excluded.payload`,
		item.Key(),
		item.UniqueName,
		cache.TimeToUnixMillis(item.UpdatedAt),
		cache.TimeToUnixMillis(item.ExpiresAt),
		boolToInt(item.Optimized),
		item.ETag,
		data,
	)
	if err != nil {
		return fmt.Errorf("put cache item: %w", err)
	}
	return nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, item cache.ItemInfo) error {
	if s == nil || s.sqlDB == nil {
		return cache.ErrNotConfigured
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_items WHERE record_key = ?`, item.Key()); err != nil {
		return fmt.Errorf("delete cache item: %w", err)
	}
	return nil
}

// Items returns the records stored under uniqueName.
func (s *Store) Items(ctx context.Context, uniqueName string) ([]cache.ItemInfo, error) {
	if s == nil || s.sqlDB == nil {
		return nil, cache.ErrNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, updated_at, expires_at, optimized, etag FROM cache_items WHERE name = ?`,
		uniqueName,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	return scanItems(rows)
}

// List returns every stored record.
func (s *Store) List(ctx context.Context) ([]cache.ItemInfo, error) {
	if s == nil || s.sqlDB == nil {
		return nil, cache.ErrNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, updated_at, expires_at, optimized, etag FROM cache_items ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]cache.ItemInfo, error) {
	defer func() {
		_ = rows.Close()
	}()

	var out []cache.ItemInfo
	for rows.Next() {
		var (
			item      cache.ItemInfo
			updated   int64
			expires   int64
			optimized int64
		)
		if err := rows.Scan(&item.UniqueName, &updated, &expires, &optimized, &item.ETag); err != nil {
			return nil, fmt.Errorf("scan cache item: %w", err)
		}
		item.UpdatedAt = cache.UnixMillisToTime(updated)
		item.ExpiresAt = cache.UnixMillisToTime(expires)
		item.Optimized = optimized != 0
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache items: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
