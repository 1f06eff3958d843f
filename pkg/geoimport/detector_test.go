package geoimport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"captionlens/pkg/cache"
	"captionlens/pkg/db"
	"captionlens/pkg/request"
	"captionlens/pkg/tracker"
)

func newTestClient(t *testing.T) *request.Client {
	t.Helper()
	d, err := db.Init(t.TempDir() + "/detector_test.db")
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return request.New(cache.NewSQLiteCache(d), tracker.New(), request.ClientConfig{})
}

func TestCountryDetector_Detect_PlainCountry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"display_name":"Paris, France","address":{"country_code":"fr"}}`))
	}))
	defer srv.Close()

	d := NewCountryDetector(newTestClient(t), srv.URL)
	code, err := d.Detect(context.Background(), 48.85, 2.35)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if code != "FR" {
		t.Errorf("code = %q, want FR", code)
	}
}

func TestCountryDetector_Detect_Territory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"display_name":"Papeete, French Polynesia","address":{"country_code":"fr","state":"Polynésie française"}}`))
	}))
	defer srv.Close()

	d := NewCountryDetector(newTestClient(t), srv.URL)
	code, err := d.Detect(context.Background(), -17.53, -149.56)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if code != "PF" {
		t.Errorf("code = %q, want PF (territory override)", code)
	}
}

func TestCountryDetector_Detect_NoCountryCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"display_name":"International waters","address":{}}`))
	}))
	defer srv.Close()

	d := NewCountryDetector(newTestClient(t), srv.URL)
	code, err := d.Detect(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if code != "" {
		t.Errorf("code = %q, want empty for unresolved location", code)
	}
}
