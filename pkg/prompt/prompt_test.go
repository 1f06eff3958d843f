package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"captionlens/pkg/config"
)

func newTestService(t *testing.T, yamlBody string) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if yamlBody != "" {
		if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	} else {
		path = filepath.Join(t.TempDir(), "missing.yaml")
	}
	reg, err := config.NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return New(reg)
}

func TestPromptFor_StyleAndLanguageFallback(t *testing.T) {
	s := newTestService(t, `
stages:
  caption:
    templates:
      main: "describe {{.Location}}"
      creative_fr: "décris {{.Location}}"
    parameters:
      temperature: 0.8
      max_tokens: 150
      top_p: 0.9
`)

	text, params, err := s.PromptFor("caption", "fr", "creative")
	if err != nil {
		t.Fatalf("PromptFor: %v", err)
	}
	if text != "décris {{.Location}}" {
		t.Errorf("text = %q, want the style+language specific template", text)
	}
	if params.MaxTokens != 150 {
		t.Errorf("MaxTokens = %v, want 150", params.MaxTokens)
	}

	text2, _, err := s.PromptFor("caption", "en", "creative")
	if err != nil {
		t.Fatalf("PromptFor fallback: %v", err)
	}
	if text2 != "describe {{.Location}}" {
		t.Errorf("text = %q, want fallback to main", text2)
	}
}

func TestPromptFor_UnknownStage(t *testing.T) {
	s := newTestService(t, "")
	if _, _, err := s.PromptFor("nonexistent", "", ""); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRender(t *testing.T) {
	s := newTestService(t, `
stages:
  caption:
    templates:
      main: "A photo of {{.City}}."
    parameters:
      temperature: 0.7
`)

	text, _, err := s.Render("caption", "", "", Data{"City": "Kyoto"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if text != "A photo of Kyoto." {
		t.Errorf("Render = %q, want %q", text, "A photo of Kyoto.")
	}
}

func TestRender_UsesCompiledCacheAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	body := `
stages:
  caption:
    templates:
      main: "v1 {{.X}}"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := config.NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := New(reg)

	text, _, err := s.Render("caption", "", "", Data{"X": "a"})
	if err != nil || text != "v1 a" {
		t.Fatalf("first render = %q, %v", text, err)
	}

	body2 := `
stages:
  caption:
    templates:
      main: "v2 {{.X}}"
`
	if err := os.WriteFile(path, []byte(body2), 0o644); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	text2, _, err := s.Render("caption", "", "", Data{"X": "b"})
	if err != nil || text2 != "v2 b" {
		t.Errorf("after reload = %q, %v, want v2 b", text2, err)
	}
}

func TestNormalize(t *testing.T) {
	s := newTestService(t, `
supported_languages:
  - code: en
    names: ["english", "en"]
  - code: fr
    names: ["français", "francais", "fr"]
`)

	tests := []struct {
		in, want string
	}{
		{"English", "en"},
		{"FR", "fr"},
		{"francais", "fr"},
		{"", ""},
		{"Klingon", "klingon"},
	}
	for _, tt := range tests {
		if got := s.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackCaption(t *testing.T) {
	s := newTestService(t, `
fallback_messages:
  en:
    timeout: "The moment speaks for itself."
    default: "A photo worth remembering."
  fr:
    default: "Un moment capturé."
`)

	if got := s.FallbackCaption("en", "timeout"); got != "The moment speaks for itself." {
		t.Errorf("FallbackCaption(en,timeout) = %q", got)
	}
	if got := s.FallbackCaption("fr", "timeout"); got != "Un moment capturé." {
		t.Errorf("FallbackCaption(fr,timeout) = %q, want default fallback for fr", got)
	}
	if got := s.FallbackCaption("de", "timeout"); got != "The moment speaks for itself." {
		t.Errorf("FallbackCaption(de,timeout) = %q, want English fallback", got)
	}
}

func TestCleanCaption(t *testing.T) {
	s := newTestService(t, `
post_processing:
  max_caption_length: 40
  max_sentences_if_too_long: 1
  remove_patterns:
    - "\\*{2,}"
  forbidden_words:
    - "amazing"
`)

	got := s.CleanCaption("**Wow** this is amazing.   So much   whitespace.")
	if strings.Contains(got, "*") {
		t.Errorf("CleanCaption left markup: %q", got)
	}
	if strings.Contains(strings.ToLower(got), "amazing") {
		t.Errorf("CleanCaption left forbidden word: %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Errorf("CleanCaption left double whitespace: %q", got)
	}
}

func TestCleanCaption_TruncatesOverBudget(t *testing.T) {
	s := newTestService(t, `
post_processing:
  max_caption_length: 20
  max_sentences_if_too_long: 1
`)

	got := s.CleanCaption("This is the first sentence. This is the second sentence. This is the third.")
	if strings.Count(got, ".") != 1 {
		t.Errorf("CleanCaption = %q, want exactly one sentence kept", got)
	}
}

func TestScoreCaption(t *testing.T) {
	s := newTestService(t, `
quality_scoring:
  caption_quality_factors:
    min_words: 5
    max_words: 60
    ideal_words_min: 10
    ideal_words_max: 30
    penalty_hashtags: -0.3
    bonus_for_metaphors: 0.2
`)

	ideal := strings.Repeat("word ", 15)
	scoreIdeal := s.ScoreCaption(ideal)

	tooShort := "just two"
	scoreShort := s.ScoreCaption(tooShort)

	if scoreIdeal <= scoreShort {
		t.Errorf("ideal-band score %v should exceed too-short score %v", scoreIdeal, scoreShort)
	}

	withHashtags := ideal + " #travel #photo"
	if s.ScoreCaption(withHashtags) >= scoreIdeal {
		t.Error("hashtag pollution should lower the score")
	}

	withMetaphor := ideal + " it feels like stepping into another era"
	if s.ScoreCaption(withMetaphor) <= scoreIdeal {
		t.Error("metaphor marker should raise the score")
	}

	for _, text := range []string{"", ideal, withHashtags, withMetaphor} {
		score := s.ScoreCaption(text)
		if score < 0 || score > 1 {
			t.Errorf("ScoreCaption(%q) = %v, out of [0,1]", text, score)
		}
	}
}

func TestMaybeAndPickFuncs(t *testing.T) {
	if got := maybeFunc(0, "x"); got != "" {
		t.Errorf("maybeFunc(0,...) = %q, want empty", got)
	}
	if got := maybeFunc(100, "x"); got != "x" {
		t.Errorf("maybeFunc(100,...) = %q, want x", got)
	}

	got := pickFunc("a|||b|||c")
	if got != "a" && got != "b" && got != "c" {
		t.Errorf("pickFunc = %q, want one of a/b/c", got)
	}
}
