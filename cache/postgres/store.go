// Package postgres provides a cache.Provider backed by PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/refreshcache/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_items (
    record_key  TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    optimized   BOOLEAN NOT NULL DEFAULT FALSE,
    etag        TEXT NOT NULL DEFAULT '',
    payload     BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_items_name_idx ON cache_items (name);
`

// Store keeps cache records in a cache_items table.
type Store struct {
	pool  *pgxpool.Pool
	owned bool
}

var _ cache.Provider = (*Store)(nil)

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an existing pool. Close will not close it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, cache.ErrNotConfigured
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool if Open created it.
func (s *Store) Close() error {
	if s == nil || s.pool == nil || !s.owned {
		return nil
	}
	s.pool.Close()
	return nil
}

// Read loads the payload of one record.
func (s *Store) Read(ctx context.Context, item cache.ItemInfo) ([]byte, error) {
	if s == nil || s.pool == nil {
		return nil, cache.ErrNotConfigured
	}
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM cache_items WHERE record_key = $1`,
		item.Key(),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get cache item: %w", err)
	}
	return payload, nil
}

// Write upserts one record.
func (s *Store) Write(ctx context.Context, item cache.ItemInfo, data []byte) error {
	if s == nil || s.pool == nil {
		return cache.ErrNotConfigured
	}
	if data == nil {
		return cache.ErrNoData
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_items (record_key, name, updated_at, expires_at, optimized, etag, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (record_key) DO UPDATE SET payload = EXCLUDED.payload`,
		item.Key(),
		item.UniqueName,
		item.UpdatedAt.UTC(),
		item.ExpiresAt.UTC(),
		item.Optimized,
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
	if s == nil || s.pool == nil {
		return cache.ErrNotConfigured
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_items WHERE record_key = $1`, item.Key()); err != nil {
		return fmt.Errorf("delete cache item: %w", err)
	}
	return nil
}

// Items returns the records stored under uniqueName.
func (s *Store) Items(ctx context.Context, uniqueName string) ([]cache.ItemInfo, error) {
	if s == nil || s.pool == nil {
		return nil, cache.ErrNotConfigured
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name, updated_at, expires_at, optimized, etag FROM cache_items WHERE name = $1`,
		uniqueName,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	return collectItems(rows)
}

// List returns every stored record.
func (s *Store) List(ctx context.Context) ([]cache.ItemInfo, error) {
	if s == nil || s.pool == nil {
		return nil, cache.ErrNotConfigured
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name, updated_at, expires_at, optimized, etag FROM cache_items ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]cache.ItemInfo, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cache.ItemInfo, error) {
		var item cache.ItemInfo
		err := row.Scan(&item.UniqueName, &item.UpdatedAt, &item.ExpiresAt, &item.Optimized, &item.ETag)
		return item.Normalize(), err
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache items: %w", err)
	}
	return items, nil
}
