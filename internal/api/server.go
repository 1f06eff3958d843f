package api

import (
	"log/slog"
	"net/http"
	"time"
)

// NewServer wires every handler onto a mux under /api, following the same
// route-registration and CORS-wrapping shape the rest of the corpus's HTTP
// servers use: a flat mux.HandleFunc per Go 1.22+ method pattern, nil-safe
// handler groups, and a thin CORS-handling wrapper around the whole thing.
func NewServer(addr string, caption *CaptionHandler, duplicates *DuplicateHandler, cfg *ConfigHandler, stats *StatsHandler, geo *GeoHandler) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)

	mux.HandleFunc("POST /api/ai/generate-caption", caption.HandleGenerate)
	mux.HandleFunc("POST /api/ai/generate-caption-async", caption.HandleGenerateAsync)
	mux.HandleFunc("GET /api/ai/generate-caption-stream/{request_id}", caption.HandleStream)
	mux.HandleFunc("POST /api/ai/regenerate-final", caption.HandleRegenerate)

	mux.HandleFunc("GET /api/geo/search", geo.HandleSearch)

	mux.HandleFunc("GET /api/ai/config", cfg.HandleConfig)
	mux.HandleFunc("POST /api/ai/reload-config", cfg.HandleReload)

	mux.HandleFunc("GET /api/ai/stats", stats.HandleStats)
	mux.HandleFunc("GET /api/ai/cache-stats", stats.HandleCacheStats)
	mux.HandleFunc("POST /api/ai/clear-cache", stats.HandleClearCache)

	mux.HandleFunc("GET /api/duplicates/status", duplicates.HandleStatus)
	mux.HandleFunc("POST /api/duplicates/find-similar", duplicates.HandleFindSimilar)
	mux.HandleFunc("POST /api/duplicates/find-similar-async", duplicates.HandleFindSimilarAsync)
	mux.HandleFunc("GET /api/duplicates/find-similar-stream/{request_id}", duplicates.HandleStream)
	mux.HandleFunc("POST /api/duplicates/analyze-album/{album_id}", duplicates.HandleAnalyzeAlbum)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		mux.ServeHTTP(w, r)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams can run far longer than a fixed write deadline allows.
		IdleTimeout:  60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("api: failed to write health response", "error", err)
	}
}
