// Package maintenance runs periodic database upkeep: pruning expired cache
// rows so the sqlite file doesn't grow unbounded between requests.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"captionlens/pkg/db"
)

// DefaultCacheMaxAge is used when Run is invoked without an explicit override.
const DefaultCacheMaxAge = 24 * time.Hour

// Run executes all maintenance tasks and blocks until completion.
func Run(ctx context.Context, d *db.DB, cacheMaxAge time.Duration) error {
	if cacheMaxAge <= 0 {
		cacheMaxAge = DefaultCacheMaxAge
	}

	if err := d.PruneCache(cacheMaxAge); err != nil {
		slog.Error("cache pruning failed", "error", err)
		return err
	}

	slog.Debug("cache pruning completed", "max_age", cacheMaxAge)
	return nil
}
