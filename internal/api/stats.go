package api

import (
	"net/http"
	"time"

	"captionlens/pkg/cache"
	"captionlens/pkg/duplicate"
	"captionlens/pkg/imagestore"
	"captionlens/pkg/tracker"
)

// StatsHandler serves /ai/stats, /ai/cache-stats, and /ai/clear-cache.
type StatsHandler struct {
	startTime time.Time
	requests  *cache.RequestCache
	persisted *cache.SQLiteCache
	images    *imagestore.Store
	detector  *duplicate.Detector
	tracker   *tracker.Tracker
	admission *Admission
}

// NewStatsHandler builds a StatsHandler.
func NewStatsHandler(requests *cache.RequestCache, persisted *cache.SQLiteCache, images *imagestore.Store, detector *duplicate.Detector, t *tracker.Tracker, admission *Admission, startTime time.Time) *StatsHandler {
	return &StatsHandler{
		startTime: startTime,
		requests:  requests,
		persisted: persisted,
		images:    images,
		detector:  detector,
		tracker:   t,
		admission: admission,
	}
}

// HandleStats serves GET /ai/stats: uptime, cache sizes, admission load, and
// per-provider request counters.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"caches": map[string]any{
			"request_cache_entries": h.requests.Len(),
			"embedding_cache_size":  h.detector.ModelInfo().CacheSize,
		},
		"admission": map[string]any{
			"in_flight": h.admission.InFlight(),
		},
		"duplicate_detector": h.detector.ModelInfo(),
		"providers":          h.tracker.Snapshot(),
	})
}

// HandleCacheStats serves GET /ai/cache-stats: hit/miss/eviction counters,
// hit rate, and per-entry age/remaining-TTL detail for the in-memory
// request cache — a narrower, cache-only view than HandleStats.
func (h *StatsHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.requests.Stats()
	entries := h.requests.Entries()

	entryPayload := make([]map[string]any, len(entries))
	for i, e := range entries {
		entryPayload[i] = map[string]any{
			"key_fingerprint":   e.Key,
			"age_seconds":       e.AgeSeconds,
			"remaining_ttl_sec": e.RemainingTTLSec,
			"accesses":          e.Accesses,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hits":           stats.Hits,
		"misses":         stats.Misses,
		"evictions":      stats.Evictions,
		"expirations":    stats.Expirations,
		"size":           stats.Size,
		"max_size":       stats.MaxSize,
		"hit_rate_pct":   stats.HitRatePct,
		"total_requests": stats.TotalRequests,
		"entries":        entryPayload,
	})
}

// HandleClearCache serves POST /ai/clear-cache: drops the in-memory request
// cache, the persisted response cache, and any lingering temp image files.
// It does not touch the duplicate detector's embedding cache, which is
// keyed by file content and safe to keep across a clear.
func (h *StatsHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.requests.Clear()

	if err := h.persisted.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "clear persisted cache: "+err.Error())
		return
	}

	deleted, err := h.images.Reap(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "clear temp files: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "temp_files_deleted": deleted})
}
