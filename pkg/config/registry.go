package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// PromptConfig holds the prompt/model document: per-stage templates and
// generation parameters, post-processing rules, and supported languages.
// It is loaded from its own YAML file, separate from the main Config, so it
// can be hot-reloaded without restarting the server.
type PromptConfig struct {
	Models          map[string]string          `yaml:"models"`
	Stages          map[string]StageTemplate    `yaml:"stages"`
	PostProcessing  PostProcessingConfig        `yaml:"post_processing"`
	QualityScoring  QualityScoringConfig        `yaml:"quality_scoring"`
	Languages       []LanguageDef               `yaml:"supported_languages"`
	FallbackMessages map[string]map[string]string `yaml:"fallback_messages"`
}

// StageTemplate holds a pipeline stage's prompt templates keyed by style, and
// its generation parameters.
type StageTemplate struct {
	Templates  map[string]string `yaml:"templates"`
	Parameters GenParams         `yaml:"parameters"`
}

// GenParams holds model generation parameters for a stage.
type GenParams struct {
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TopP        float32 `yaml:"top_p"`
}

// LanguageDef maps human-typed language names to a canonical code.
type LanguageDef struct {
	Code string   `yaml:"code"`
	Names []string `yaml:"names"`
}

// PostProcessingConfig governs CleanCaption behavior.
type PostProcessingConfig struct {
	MaxCaptionLength       int      `yaml:"max_caption_length"`
	MinCaptionLength       int      `yaml:"min_caption_length"`
	MaxSentencesIfTooLong  int      `yaml:"max_sentences_if_too_long"`
	RemovePatterns         []string `yaml:"remove_patterns"`
	ForbiddenWords         []string `yaml:"forbidden_words"`
}

// QualityScoringConfig governs ScoreCaption behavior.
type QualityScoringConfig struct {
	CaptionQualityFactors CaptionQualityFactors `yaml:"caption_quality_factors"`
}

// CaptionQualityFactors tunes the word-count band and hashtag/metaphor
// adjustments applied by ScoreCaption.
type CaptionQualityFactors struct {
	MinWords         int     `yaml:"min_words"`
	MaxWords         int     `yaml:"max_words"`
	IdealWordsMin    int     `yaml:"ideal_words_min"`
	IdealWordsMax    int     `yaml:"ideal_words_max"`
	PenaltyHashtags  float64 `yaml:"penalty_hashtags"`
	BonusForMetaphors float64 `yaml:"bonus_for_metaphors"`
}

// DefaultPromptConfig returns a minimal usable prompt configuration, used
// when the prompt file is missing or fails to parse.
func DefaultPromptConfig() *PromptConfig {
	return &PromptConfig{
		Models: map[string]string{
			"vision":  "gemini-2.5-flash",
			"caption": "gemini-2.5-flash",
			"travel":  "gemini-2.5-flash-lite",
		},
		Stages: map[string]StageTemplate{
			"caption": {
				Templates: map[string]string{
					"creative": "Write a creative caption for this photo. Location: {location}.",
				},
				Parameters: GenParams{Temperature: 0.9, MaxTokens: 200, TopP: 0.9},
			},
		},
		PostProcessing: PostProcessingConfig{
			MaxCaptionLength:      500,
			MinCaptionLength:      20,
			MaxSentencesIfTooLong: 3,
			RemovePatterns:        []string{`^#.*$`, `\*{2,}`, `_{2,}`},
		},
		QualityScoring: QualityScoringConfig{
			CaptionQualityFactors: CaptionQualityFactors{
				MinWords:          10,
				MaxWords:          150,
				IdealWordsMin:     40,
				IdealWordsMax:     120,
				PenaltyHashtags:   -0.2,
				BonusForMetaphors: 0.1,
			},
		},
		Languages: []LanguageDef{
			{Code: "en", Names: []string{"english", "en"}},
			{Code: "fr", Names: []string{"français", "francais", "fr"}},
		},
	}
}

// Registry holds a hot-reloadable PromptConfig snapshot. Readers call
// Current() and see either the prior or the newly-reloaded snapshot, never a
// torn one, since the swap is a single atomic pointer store.
type Registry struct {
	path     string
	snapshot atomic.Pointer[PromptConfig]
}

// NewRegistry loads the prompt config from path and returns a Registry.
// If the file does not exist, it falls back to DefaultPromptConfig.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the current PromptConfig snapshot.
func (r *Registry) Current() *PromptConfig {
	if p := r.snapshot.Load(); p != nil {
		return p
	}
	return DefaultPromptConfig()
}

// Reload re-parses the prompt config file and atomically swaps the snapshot.
// A failed reload leaves the previous snapshot in place and returns the error.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.snapshot.Store(DefaultPromptConfig())
			return nil
		}
		return fmt.Errorf("failed to read prompt config: %w", err)
	}

	cfg := DefaultPromptConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse prompt config: %w", err)
	}

	r.snapshot.Store(cfg)
	return nil
}
