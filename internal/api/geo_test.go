package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"captionlens/pkg/db"
	"captionlens/pkg/geo"
)

func newTestResolver(t *testing.T) *geo.Resolver {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "geo_handler_test.db"))
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	_, err = d.Exec(`INSERT INTO geonames
		(geoname_id, name, lat, lon, country_code, admin1_code, admin2_code, population, feature_class, feature_code)
		VALUES (1, 'Springfield', 39.78, -89.65, 'US', 'IL', '', 100000, 'P', 'PPLA')`)
	if err != nil {
		t.Fatalf("seed geonames: %v", err)
	}

	return geo.NewResolver(d, nil, nil, nil, nil)
}

func TestGeoHandler_HandleSearch(t *testing.T) {
	h := NewGeoHandler(newTestResolver(t))

	req := httptest.NewRequest(http.MethodGet, "/api/geo/search?q=Spring&limit=5", nil)
	rec := httptest.NewRecorder()
	h.HandleSearch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Springfield") {
		t.Errorf("body = %s, want it to contain Springfield", rec.Body.String())
	}
}

func TestGeoHandler_HandleSearch_MissingQuery(t *testing.T) {
	h := NewGeoHandler(newTestResolver(t))

	req := httptest.NewRequest(http.MethodGet, "/api/geo/search", nil)
	rec := httptest.NewRecorder()
	h.HandleSearch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGeoHandler_HandleSearch_InvalidLimit(t *testing.T) {
	h := NewGeoHandler(newTestResolver(t))

	req := httptest.NewRequest(http.MethodGet, "/api/geo/search?q=Spring&limit=abc", nil)
	rec := httptest.NewRecorder()
	h.HandleSearch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

