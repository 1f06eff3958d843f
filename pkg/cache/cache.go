// Package cache provides a persistent, sqlite-backed response cache for
// external HTTP collaborators (pkg/request) plus an in-memory LRU+TTL cache
// for request-level results (pkg/caption).
package cache

import (
	"context"
	"database/sql"
	"time"

	"captionlens/pkg/db"
)

// Cacher defines the persistent caching interface used by pkg/request to
// avoid re-fetching identical external API responses.
type Cacher interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error

	// Geodata-specific: routes to cache_geodata table with radius metadata.
	GetGeodataCache(ctx context.Context, key string) (data []byte, radiusM int, found bool)
	SetGeodataCache(ctx context.Context, key string, val []byte, radiusM int, lat, lon float64) error
}

// SQLiteCache implements Cacher using pkg/db's cache/cache_geodata tables.
type SQLiteCache struct {
	db  *db.DB
	ttl time.Duration
}

// NewSQLiteCache creates a new cache backed by the given DB with no expiry:
// entries stay valid on Get until pruned by maintenance.
func NewSQLiteCache(d *db.DB) *SQLiteCache {
	return &SQLiteCache{db: d}
}

// NewSQLiteCacheWithTTL is like NewSQLiteCache but sets a per-entry TTL
// enforced on Get.
func NewSQLiteCacheWithTTL(d *db.DB, ttl time.Duration) *SQLiteCache {
	return &SQLiteCache{db: d, ttl: ttl}
}

func (c *SQLiteCache) GetCache(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	var expiresAt sql.NullString
	err := c.db.QueryRowContext(ctx, "SELECT value, expires_at FROM cache WHERE key = ?", key).Scan(&val, &expiresAt)
	if err != nil {
		return nil, false
	}
	if expiresAt.Valid && expiresAt.String != "" {
		deadline, err := time.Parse("2006-01-02 15:04:05", expiresAt.String)
		if err == nil && time.Now().UTC().After(deadline) {
			_, _ = c.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
			return nil, false
		}
	}
	return val, true
}

func (c *SQLiteCache) SetCache(ctx context.Context, key string, val []byte) error {
	var expiresAt any
	if c.ttl > 0 {
		expiresAt = time.Now().UTC().Add(c.ttl).Format("2006-01-02 15:04:05")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, created_at = CURRENT_TIMESTAMP`,
		key, val, expiresAt)
	return err
}

func (c *SQLiteCache) GetGeodataCache(ctx context.Context, key string) (data []byte, radiusM int, found bool) {
	err := c.db.QueryRowContext(ctx, "SELECT data, radius_m FROM cache_geodata WHERE key = ?", key).Scan(&data, &radiusM)
	if err != nil {
		return nil, 0, false
	}
	return data, radiusM, true
}

func (c *SQLiteCache) SetGeodataCache(ctx context.Context, key string, val []byte, radiusM int, lat, lon float64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_geodata (key, data, radius_m, lat, lon, created_at) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, radius_m = excluded.radius_m, lat = excluded.lat, lon = excluded.lon, created_at = CURRENT_TIMESTAMP`,
		key, val, radiusM, lat, lon)
	return err
}

// Clear drops every row from both the generic and geodata cache tables.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache"); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache_geodata")
	return err
}
