package caption

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"captionlens/pkg/config"
	"captionlens/pkg/db"
	"captionlens/pkg/geo"
	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
	"captionlens/pkg/stream"
)

func newTestGeoDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "caption_geo_test.db"))
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedGeoData(t *testing.T, d *db.DB) {
	t.Helper()
	_, err := d.Exec(`INSERT INTO geonames
		(geoname_id, name, lat, lon, country_code, admin1_code, admin2_code, population, feature_class, feature_code)
		VALUES (1, 'Paris', 48.85, 2.35, 'FR', '11', '', 2100000, 'P', 'PPLC')`)
	if err != nil {
		t.Fatalf("seed geonames: %v", err)
	}
}

type stubImporter struct{}

func (stubImporter) EnsureCountryLoaded(ctx context.Context, lat, lon float64) (string, error) {
	return "FR", nil
}

type fakeProvider struct {
	textByIntent  map[string]string
	errByIntent   map[string]error
	imageText     string
}

func (f *fakeProvider) GenerateText(ctx context.Context, intent, p string, params llm.GenerateParams) (string, error) {
	if err, ok := f.errByIntent[intent]; ok {
		return "", err
	}
	return f.textByIntent[intent], nil
}

func (f *fakeProvider) GenerateWithImage(ctx context.Context, intent, p string, img []byte, params llm.GenerateParams) (string, error) {
	if err, ok := f.errByIntent[intent]; ok {
		return "", err
	}
	if f.imageText != "" {
		return f.imageText, nil
	}
	return f.textByIntent[intent], nil
}

func (f *fakeProvider) Configure(cfg config.ProviderConfig) error { return nil }
func (f *fakeProvider) HealthCheck(ctx context.Context) error     { return nil }

func writeTestImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{10, 20, 30, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func testPromptService(t *testing.T) *prompt.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	body := `
stages:
  vision:
    templates: {main: "describe"}
    parameters: {temperature: 0.4, max_tokens: 100, top_p: 0.9}
  travel:
    templates: {main: "travel", fallback: "travel fallback"}
    parameters: {temperature: 0.7, max_tokens: 100, top_p: 0.9}
  cultural:
    templates: {main: "cultural", short: "cultural short"}
    parameters: {temperature: 0.5, max_tokens: 80, top_p: 0.9}
  caption:
    templates: {main: "caption"}
    parameters: {temperature: 0.9, max_tokens: 200, top_p: 0.9}
  hashtags:
    templates: {main: "hashtags"}
    parameters: {temperature: 0.9, max_tokens: 30, top_p: 0.9}
fallback_messages:
  en:
    generic: "A photo worth remembering."
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write prompts fixture: %v", err)
	}
	reg, err := config.NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return prompt.New(reg)
}

func collectEvents(t *testing.T) (func(stream.Event), *[]stream.Event) {
	t.Helper()
	events := make([]stream.Event, 0)
	return func(ev stream.Event) { events = append(events, ev) }, &events
}

func TestGenerate_NoGPS_EmitsConnectedAndComplete(t *testing.T) {
	prov := &fakeProvider{
		imageText: "A quiet street corner.",
		textByIntent: map[string]string{
			"caption": "A quiet afternoon stroll through a charming street corner, full of light and calm.",
		},
	}
	resolver := geo.NewResolver(nil, nil, nil, nil, nil)
	o := New(prov, testPromptService(t), resolver, 10)

	emit, events := collectEvents(t)
	result := o.Generate(context.Background(), Request{
		AssetID:   "asset-1",
		ImagePath: writeTestImage(t),
		Language:  "en",
	}, emit)

	if result.Caption == "" {
		t.Fatal("expected a non-empty caption")
	}
	if (*events)[0].Name != "connected" {
		t.Errorf("first event = %q, want connected", (*events)[0].Name)
	}
	last := (*events)[len(*events)-1]
	if last.Name != "complete" {
		t.Errorf("last event = %q, want complete", last.Name)
	}
}

func TestGenerate_WithGPS_RunsGeoAndTravel(t *testing.T) {
	lat, lon := 48.85, 2.35
	d := newTestGeoDB(t)
	resolver := geo.NewResolver(d, nil, &stubImporter{}, nil, nil)
	seedGeoData(t, d)

	prov := &fakeProvider{
		imageText: "An old stone bridge over a river.",
		textByIntent: map[string]string{
			"caption": "A timeless stone bridge arches gracefully over the river in the soft evening light.",
			"travel":  "This region has long been a crossroads for travelers seeking its storied riverside views.",
		},
	}
	o := New(prov, testPromptService(t), resolver, 10)

	emit, events := collectEvents(t)
	result := o.Generate(context.Background(), Request{
		AssetID:   "asset-2",
		ImagePath: writeTestImage(t),
		Lat:       &lat,
		Lon:       &lon,
		Language:  "en",
	}, emit)

	if result.Confidence <= 0 {
		t.Errorf("expected a positive confidence, got %v", result.Confidence)
	}

	var sawGeolocationPartial bool
	for _, ev := range *events {
		if ev.Name == "partial" {
			if m, ok := ev.Data.(map[string]any); ok && m["type"] == "geolocation" {
				sawGeolocationPartial = true
			}
		}
	}
	if !sawGeolocationPartial {
		t.Error("expected a geolocation partial event when GPS is present")
	}
}

func TestGenerate_IncludeHashtags(t *testing.T) {
	prov := &fakeProvider{
		imageText: "A beach at sunset.",
		textByIntent: map[string]string{
			"caption":  "Golden light spills across the sand as the waves gently roll in for the evening.",
			"hashtags": "#beach #sunset #ocean",
		},
	}
	resolver := geo.NewResolver(nil, nil, nil, nil, nil)
	o := New(prov, testPromptService(t), resolver, 10)

	emit, _ := collectEvents(t)
	result := o.Generate(context.Background(), Request{
		AssetID:         "asset-3",
		ImagePath:       writeTestImage(t),
		Language:        "en",
		IncludeHashtags: true,
	}, emit)

	if len(result.Hashtags) != 3 {
		t.Fatalf("hashtags = %v, want 3", result.Hashtags)
	}
}

func TestGenerate_VisionFailure_Degrades(t *testing.T) {
	prov := &fakeProvider{
		errByIntent: map[string]error{"vision": context.DeadlineExceeded},
		textByIntent: map[string]string{
			"caption": "A peaceful landscape captured in passing light and quiet color.",
		},
	}
	resolver := geo.NewResolver(nil, nil, nil, nil, nil)
	o := New(prov, testPromptService(t), resolver, 10)

	emit, _ := collectEvents(t)
	result := o.Generate(context.Background(), Request{
		AssetID:   "asset-4",
		ImagePath: writeTestImage(t),
		Language:  "en",
	}, emit)

	if result.ModelsUsed["vision"] != "fallback" {
		t.Errorf("models_used[vision] = %q, want fallback", result.ModelsUsed["vision"])
	}
	if result.Caption == "" {
		t.Error("expected the run to still produce a caption despite vision failure")
	}
}

func TestGenerate_MissingImage_StillCompletes(t *testing.T) {
	prov := &fakeProvider{
		textByIntent: map[string]string{
			"caption": "A generic caption produced without any usable image description at all.",
		},
	}
	resolver := geo.NewResolver(nil, nil, nil, nil, nil)
	o := New(prov, testPromptService(t), resolver, 10)

	emit, events := collectEvents(t)
	result := o.Generate(context.Background(), Request{
		AssetID:   "asset-5",
		ImagePath: filepath.Join(t.TempDir(), "does-not-exist.png"),
		Language:  "en",
	}, emit)

	if result.ModelsUsed["vision"] != "fallback" {
		t.Errorf("models_used[vision] = %q, want fallback for unreadable image", result.ModelsUsed["vision"])
	}
	last := (*events)[len(*events)-1]
	if last.Name != "complete" {
		t.Errorf("expected a complete event even when the image file is missing, got %q", last.Name)
	}
}
