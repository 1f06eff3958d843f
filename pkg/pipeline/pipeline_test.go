package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"captionlens/pkg/config"
	"captionlens/pkg/geo"
	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

// fakeProvider is a minimal llm.Provider test double: it returns scripted
// text (or an error) per model name, and records every call it received.
type fakeProvider struct {
	textByModel  map[string]string
	errByModel   map[string]error
	imageText    string
	imageErr     error
	calls        []string
}

func (f *fakeProvider) GenerateText(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	f.calls = append(f.calls, model)
	if err, ok := f.errByModel[model]; ok {
		return "", err
	}
	return f.textByModel[model], nil
}

func (f *fakeProvider) GenerateWithImage(ctx context.Context, model, prompt string, imageBytes []byte, params llm.GenerateParams) (string, error) {
	f.calls = append(f.calls, model)
	if f.imageErr != nil {
		return "", f.imageErr
	}
	return f.imageText, nil
}

func (f *fakeProvider) Configure(cfg config.ProviderConfig) error    { return nil }
func (f *fakeProvider) HealthCheck(ctx context.Context) error       { return nil }

func newTestPromptService(t *testing.T, yamlBody string) *prompt.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg, err := config.NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return prompt.New(reg)
}

const testPromptYAML = `
stages:
  vision:
    templates:
      main: "describe this photo in {{.Language}}"
    parameters: {temperature: 0.4, max_tokens: 100, top_p: 0.9}
  travel:
    templates:
      main: "travel blurb for {{.LocationBasic}}"
      fallback: "short travel blurb for {{.LocationBasic}}"
    parameters: {temperature: 0.7, max_tokens: 100, top_p: 0.9}
  cultural:
    templates:
      main: "long cultural context for {{.LocationBasic}}"
      short: "brief cultural note for {{.LocationBasic}}"
    parameters: {temperature: 0.5, max_tokens: 80, top_p: 0.9}
  caption:
    templates:
      main: "caption for {{.LocationBasic}}: {{.ImageDescription}}"
    parameters: {temperature: 0.9, max_tokens: 200, top_p: 0.9}
  hashtags:
    templates:
      main: "hashtags for {{.LocationBasic}}"
    parameters: {temperature: 0.9, max_tokens: 30, top_p: 0.9}
fallback_messages:
  en:
    generic: "A photo worth remembering."
`

func TestRunVision_Success(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{imageText: "A mountain at sunset."}

	res := RunVision(context.Background(), prov, p, "vision-model", "en", []byte("fake-jpeg"))
	if res.Description != "A mountain at sunset." {
		t.Errorf("Description = %q", res.Description)
	}
	if res.Confidence != 0.9 || res.Model != "vision-model" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunVision_DegradesOnError(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{imageErr: errors.New("boom")}

	res := RunVision(context.Background(), prov, p, "vision-model", "en", []byte("x"))
	if res.Model != "fallback" || res.Confidence != 0.3 {
		t.Errorf("expected degraded result, got %+v", res)
	}
}

func TestRunTravel_FallsBackToSecondary(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	primary := &fakeProvider{errByModel: map[string]error{"primary": errors.New("timeout")}}
	secondary := &fakeProvider{textByModel: map[string]string{"secondary": "A long enough travel blurb about this lovely region indeed."}}

	res, ok := RunTravel(context.Background(), primary, secondary, p, "primary", "secondary", "en", prompt.Data{"LocationBasic": "Lyon"})
	if !ok {
		t.Fatal("expected ok=true from secondary")
	}
	if res.Model != "secondary" {
		t.Errorf("Model = %q, want secondary", res.Model)
	}
}

func TestRunTravel_NeitherResponds(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	primary := &fakeProvider{errByModel: map[string]error{"primary": errors.New("down")}}
	secondary := &fakeProvider{errByModel: map[string]error{"secondary": errors.New("down")}}

	_, ok := RunTravel(context.Background(), primary, secondary, p, "primary", "secondary", "en", prompt.Data{"LocationBasic": "Lyon"})
	if ok {
		t.Fatal("expected ok=false when neither model responds")
	}
}

func TestRunTravel_RejectsTooShort(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	primary := &fakeProvider{textByModel: map[string]string{"primary": "too short"}}

	_, ok := RunTravel(context.Background(), primary, nil, p, "primary", "", "en", prompt.Data{"LocationBasic": "Lyon"})
	if ok {
		t.Fatal("expected ok=false for a response under the minimum length")
	}
}

func TestRunCultural_ShortContextAccepted(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{textByModel: map[string]string{"m": "A reasonably informative cultural note here."}}

	text, ok := RunCultural(context.Background(), prov, p, "m", "en", "short context", prompt.Data{"LocationBasic": "Kyoto"})
	if !ok || text == "" {
		t.Fatalf("expected a usable cultural result, got %q ok=%v", text, ok)
	}
	if prov.calls[0] != "m" {
		t.Fatalf("unexpected call log: %v", prov.calls)
	}
}

func TestRunCaption_FallsBackOnEmpty(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{textByModel: map[string]string{"m": ""}}

	caption := RunCaption(context.Background(), prov, p, "m", "en", "", ContextBag{LocationBasic: "Kyoto"})
	if caption != "A photo worth remembering." {
		t.Errorf("caption = %q, want generic fallback", caption)
	}
}

func TestRunCaption_CleansOutput(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{textByModel: map[string]string{"m": "A beautiful afternoon by the river.   "}}

	caption := RunCaption(context.Background(), prov, p, "m", "en", "", ContextBag{LocationBasic: "Kyoto"})
	if caption != "A beautiful afternoon by the river." {
		t.Errorf("caption = %q", caption)
	}
}

func TestRunHashtags_ExtractsTokens(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{textByModel: map[string]string{"m": "#kyoto #travel #kyoto #japan amazing shot"}}

	tags := RunHashtags(context.Background(), prov, p, "m", "en", ContextBag{LocationBasic: "Kyoto"})
	if len(tags) != 3 {
		t.Fatalf("tags = %v, want 3 unique hashtags", tags)
	}
}

func TestRunHashtags_FallsBackOnError(t *testing.T) {
	p := newTestPromptService(t, testPromptYAML)
	prov := &fakeProvider{errByModel: map[string]error{"m": errors.New("down")}}

	tags := RunHashtags(context.Background(), prov, p, "m", "en", ContextBag{LocationBasic: "Kyoto"})
	if len(tags) == 0 || len(tags) > maxFallbackHashtags {
		t.Fatalf("tags = %v, want a non-empty fallback set capped at %d", tags, maxFallbackHashtags)
	}
	if tags[0] != "#kyoto" {
		t.Errorf("tags[0] = %q, want location-derived tag first", tags[0])
	}
}

func TestBuildGeoStrings(t *testing.T) {
	loc := &geo.GeoLocation{
		City:    "Kyoto",
		Country: "Japan",
		Region:  "Kansai",
		UnescoSites: []geo.SiteRecord{{Name: "Kiyomizu-dera"}},
	}
	basic, detailed, nearby, geographic := BuildGeoStrings(loc)
	if basic != "Kyoto" {
		t.Errorf("basic = %q", basic)
	}
	if detailed != "Kyoto, Japan" {
		t.Errorf("detailed = %q", detailed)
	}
	if nearby != "Kiyomizu-dera" {
		t.Errorf("nearby = %q", nearby)
	}
	if geographic != "Kansai, Japan" {
		t.Errorf("geographic = %q", geographic)
	}
}

func TestBuildGeoStrings_NilLocation(t *testing.T) {
	basic, detailed, nearby, geographic := BuildGeoStrings(nil)
	if basic != "" || detailed != "" || nearby != "" || geographic != "" {
		t.Error("expected all-empty strings for a nil location")
	}
}
