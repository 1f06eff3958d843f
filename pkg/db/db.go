package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
)

var registerHaversineOnce sync.Once
var registerHaversineErr error

// registerHaversine registers a deterministic haversine_distance(lat1, lon1,
// lat2, lon2) SQL scalar function (kilometers) so spatial queries can
// filter/order by distance directly in SQL instead of pulling every row
// into Go. Registration is process-global in the driver, so it runs once.
func registerHaversine() error {
	registerHaversineOnce.Do(func() {
		registerHaversineErr = sqlite.RegisterDeterministicScalarFunction("haversine_distance", 4,
			func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				lat1, ok1 := toFloat(args[0])
				lon1, ok2 := toFloat(args[1])
				lat2, ok3 := toFloat(args[2])
				lon2, ok4 := toFloat(args[3])
				if !ok1 || !ok2 || !ok3 || !ok4 {
					return nil, nil
				}
				return haversineKm(lat1, lon1, lat2, lon2), nil
			})
	})
	return registerHaversineErr
}

func toFloat(v driver.Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// haversineKm returns the great-circle distance between two coordinates in
// kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DB wraps the sql.DB connection.
type DB struct {
	*sql.DB
}

// Init opens the database and runs migrations.
func Init(path string) (*DB, error) {
	if err := registerHaversine(); err != nil {
		return nil, fmt.Errorf("failed to register haversine_distance: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=30000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	d := &DB{sqlDB}
	// Enforce single connection to avoid SQLITE_BUSY errors during concurrent writes.
	sqlDB.SetMaxOpenConns(1)

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// PruneCache removes cache entries older than the specified duration.
func (d *DB) PruneCache(olderThan time.Duration) error {
	deadline := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	if _, err := d.Exec("DELETE FROM cache WHERE created_at < ?", deadline); err != nil {
		return err
	}
	_, err := d.Exec("DELETE FROM cache_geodata WHERE created_at < ?", deadline)
	return err
}

func (d *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS geonames (
			geoname_id INTEGER PRIMARY KEY,
			name TEXT,
			lat REAL,
			lon REAL,
			country_code TEXT,
			admin1_code TEXT,
			admin2_code TEXT,
			population INTEGER,
			feature_class TEXT,
			feature_code TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_geonames_country ON geonames(country_code);`,
		`CREATE INDEX IF NOT EXISTS idx_geonames_latlon ON geonames(lat, lon);`,
		`CREATE TABLE IF NOT EXISTS unesco_sites (
			id TEXT PRIMARY KEY,
			name TEXT,
			lat REAL,
			lon REAL,
			country_code TEXT,
			category TEXT,
			description TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_unesco_latlon ON unesco_sites(lat, lon);`,
		`CREATE TABLE IF NOT EXISTS cultural_sites (
			id TEXT PRIMARY KEY,
			name TEXT,
			lat REAL,
			lon REAL,
			country_code TEXT,
			category TEXT,
			source TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cultural_latlon ON cultural_sites(lat, lon);`,
		`CREATE TABLE IF NOT EXISTS osm_pois (
			id TEXT PRIMARY KEY,
			name TEXT,
			lat REAL,
			lon REAL,
			tag_category TEXT,
			tags TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_osm_latlon ON osm_pois(lat, lon);`,
		`CREATE TABLE IF NOT EXISTS country_imports (
			country_code TEXT PRIMARY KEY,
			source TEXT,
			row_count INTEGER,
			idempotency_token TEXT,
			imported_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cache_geodata (
			key TEXT PRIMARY KEY,
			data BLOB,
			radius_m INTEGER,
			lat REAL,
			lon REAL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, q := range queries {
		if _, err := d.Exec(q); err != nil {
			return fmt.Errorf("exec error: %w query: %s", err, q)
		}
	}

	return nil
}
