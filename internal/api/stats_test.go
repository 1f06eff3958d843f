package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"captionlens/pkg/cache"
	"captionlens/pkg/db"
	"captionlens/pkg/duplicate"
	"captionlens/pkg/imagestore"
	"captionlens/pkg/tracker"
)

func newTestStatsHandler(t *testing.T) *StatsHandler {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "stats_handler_test.db"))
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	embeddingCache, err := duplicate.NewEmbeddingCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
	detector := duplicate.New(duplicate.NewLocalEmbedder(), embeddingCache, time.Minute)

	images, err := imagestore.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("imagestore.New: %v", err)
	}

	requests := cache.NewRequestCache(10)
	return NewStatsHandler(requests, cache.NewSQLiteCache(d), images, detector, tracker.New(), NewAdmission(1), time.Now())
}

func TestStatsHandler_HandleCacheStats(t *testing.T) {
	h := newTestStatsHandler(t)
	h.requests.Set("k", "v", time.Minute)
	h.requests.Get("k")
	h.requests.Get("missing")

	req := httptest.NewRequest(http.MethodGet, "/api/ai/cache-stats", nil)
	rec := httptest.NewRecorder()
	h.HandleCacheStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	for _, want := range []string{`"hits":1`, `"misses":1`, `"size":1`, `"entries"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body = %s, want it to contain %s", body, want)
		}
	}
}
