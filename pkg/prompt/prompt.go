// Package prompt dispenses pipeline-stage prompt templates, normalizes
// language names, and cleans and scores generated captions. It wraps a
// config.Registry snapshot rather than owning the hot-reload machinery
// itself.
package prompt

import (
	"bytes"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
)

// Data is the variable bag passed to a rendered template: location names,
// POI lists, style hints, whatever the stage's template references.
type Data map[string]any

// Service resolves and renders prompt templates for a pipeline stage,
// applies post-processing to model output, and scores caption quality.
// All three draw from the same PromptConfig snapshot, so a Reload takes
// effect for every operation at once.
type Service struct {
	registry *config.Registry

	mu          sync.Mutex
	compiledFor *config.PromptConfig
	compiled    map[string]*template.Template
}

// New wraps an already-constructed config.Registry.
func New(registry *config.Registry) *Service {
	return &Service{registry: registry}
}

// Reload re-parses the underlying prompt configuration file. See
// config.Registry.Reload for the atomicity guarantee.
func (s *Service) Reload() error {
	return s.registry.Reload()
}

// PromptFor resolves the raw template text and generation parameters for a
// pipeline stage, preferring a style+language specific variant and falling
// back to progressively more generic ones.
func (s *Service) PromptFor(stage, language, style string) (string, llm.GenerateParams, error) {
	cfg := s.registry.Current()

	st, ok := cfg.Stages[stage]
	if !ok {
		return "", llm.GenerateParams{}, fmt.Errorf("prompt: unknown stage %q", stage)
	}

	text, ok := selectTemplate(st.Templates, style, language)
	if !ok {
		return "", llm.GenerateParams{}, fmt.Errorf("prompt: stage %q has no usable template (style=%q, language=%q)", stage, style, language)
	}

	params := llm.GenerateParams{
		Temperature: st.Parameters.Temperature,
		MaxTokens:   st.Parameters.MaxTokens,
		TopP:        st.Parameters.TopP,
	}
	return text, params, nil
}

// selectTemplate tries, in order: "<style>_<language>", "<style>",
// "main_<language>", "main", then any one remaining entry (which one is
// not defined when several remain).
func selectTemplate(templates map[string]string, style, language string) (string, bool) {
	if style == "" {
		style = "main"
	}

	candidates := make([]string, 0, 4)
	if language != "" {
		candidates = append(candidates, style+"_"+language)
	}
	candidates = append(candidates, style)
	if language != "" {
		candidates = append(candidates, "main_"+language)
	}
	candidates = append(candidates, "main")

	for _, key := range candidates {
		if text, ok := templates[key]; ok {
			return text, true
		}
	}

	for _, text := range templates {
		return text, true
	}
	return "", false
}

// Render resolves the stage's template and executes it against data.
func (s *Service) Render(stage, language, style string, data Data) (string, llm.GenerateParams, error) {
	text, params, err := s.PromptFor(stage, language, style)
	if err != nil {
		return "", params, err
	}

	tmpl, err := s.compile(stage, style, text)
	if err != nil {
		return "", params, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", params, fmt.Errorf("prompt: rendering stage %q: %w", stage, err)
	}
	return buf.String(), params, nil
}

// compile caches parsed templates keyed by stage+style, invalidating the
// whole cache whenever the wrapped registry hands back a new snapshot.
func (s *Service) compile(stage, style, text string) (*template.Template, error) {
	cfg := s.registry.Current()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compiledFor != cfg {
		s.compiled = make(map[string]*template.Template)
		s.compiledFor = cfg
	}

	key := stage + ":" + style
	if tmpl, ok := s.compiled[key]; ok {
		return tmpl, nil
	}

	tmpl, err := template.New(key).Funcs(funcMap).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompt: parsing template %s: %w", key, err)
	}
	s.compiled[key] = tmpl
	return tmpl, nil
}

// Normalize resolves a human-typed language name or alias to its canonical
// code. Unrecognized input is returned lower-cased rather than rejected,
// so an unlisted code still flows through the pipeline.
func (s *Service) Normalize(language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		return ""
	}

	for _, l := range s.registry.Current().Languages {
		if strings.EqualFold(l.Code, language) {
			return l.Code
		}
		for _, alias := range l.Names {
			if strings.EqualFold(alias, language) {
				return l.Code
			}
		}
	}
	return strings.ToLower(language)
}

// FallbackCaption returns the configured fallback string for a language and
// error kind, falling back to English and then a generic message.
func (s *Service) FallbackCaption(language, kind string) string {
	cfg := s.registry.Current()
	lang := s.Normalize(language)

	if msg, ok := lookupFallback(cfg, lang, kind); ok {
		return msg
	}
	if lang != "en" {
		if msg, ok := lookupFallback(cfg, "en", kind); ok {
			return msg
		}
	}
	return "A photo worth remembering."
}

func lookupFallback(cfg *config.PromptConfig, lang, kind string) (string, bool) {
	byLang, ok := cfg.FallbackMessages[lang]
	if !ok {
		return "", false
	}
	if msg, ok := byLang[kind]; ok {
		return msg, true
	}
	if msg, ok := byLang["default"]; ok {
		return msg, true
	}
	return "", false
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// CleanCaption applies the configured strip patterns, removes forbidden
// words, collapses whitespace, and truncates to the configured sentence
// count if the result is over the character budget.
func (s *Service) CleanCaption(text string) string {
	pp := s.registry.Current().PostProcessing

	for _, pattern := range pp.RemovePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, "")
	}

	text = removeForbiddenWords(text, pp.ForbiddenWords)
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	if pp.MaxCaptionLength > 0 && len(text) > pp.MaxCaptionLength {
		text = truncateToSentences(text, pp.MaxSentencesIfTooLong)
	}
	return text
}

func removeForbiddenWords(text string, words []string) string {
	for _, w := range words {
		if w == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, "")
	}
	return text
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)

func truncateToSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		return text
	}
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	return strings.TrimSpace(strings.Join(sentences, " "))
}

var metaphorMarkers = []string{
	"like a", "like the", "as if", "as though",
	"reminiscent of", "echoes of", "whispers of", "feels like",
}

// ScoreCaption rewards a word count in the configured ideal band, penalizes
// hashtag pollution, and bonuses metaphor markers, clipped to [0,1].
func (s *Service) ScoreCaption(text string) float64 {
	f := s.registry.Current().QualityScoring.CaptionQualityFactors

	n := len(strings.Fields(text))
	score := 0.5

	switch {
	case n >= f.IdealWordsMin && n <= f.IdealWordsMax:
		score += 0.4
	case n >= f.MinWords && n <= f.MaxWords:
		score += 0.15
	default:
		score -= 0.25
	}

	if strings.Contains(text, "#") {
		score += f.PenaltyHashtags
	}

	lower := strings.ToLower(text)
	for _, marker := range metaphorMarkers {
		if strings.Contains(lower, marker) {
			score += f.BonusForMetaphors
			break
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// funcMap supplies randomized stylistic variation inside templates, the
// same idiom as the caption assembler's prompt manager, minus the
// category/interest helpers that had no caption-domain meaning.
var funcMap = template.FuncMap{
	"maybe": maybeFunc,
	"pick":  pickFunc,
}

// maybeFunc includes content with a given probability (0-100). Re-rolls on
// every render.
func maybeFunc(percent int, content string) string {
	if percent <= 0 {
		return ""
	}
	if percent >= 100 {
		return content
	}
	if rand.Intn(100) < percent {
		return content
	}
	return ""
}

// pickFunc selects one random option from a "|||"-delimited list. Re-rolls
// on every render.
func pickFunc(options string) string {
	parts := strings.Split(options, "|||")
	if len(parts) == 0 {
		return ""
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts[rand.Intn(len(parts))]
}
