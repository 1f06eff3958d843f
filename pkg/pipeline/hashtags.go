package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

const maxHashtags = 10
const maxFallbackHashtags = 8

var fallbackHashtagPool = []string{
	"#travel", "#photography", "#wanderlust", "#explore",
	"#adventure", "#instatravel", "#vacation", "#view",
}

// RunHashtags generates short text from the hashtags template and extracts
// tokens beginning with "#", capped at 10. On any model failure it falls
// back to a deterministic set derived from the location plus a fixed pool,
// capped at 8.
func RunHashtags(ctx context.Context, provider llm.Provider, promptSvc *prompt.Service, model, language string, bag ContextBag) []string {
	data := bagToData(bag, prompt.Data{"Language": language})

	text, params, err := promptSvc.Render("hashtags", language, "", data)
	if err != nil {
		slog.Warn("pipeline: hashtags prompt unavailable, using fallback set", "error", err)
		return fallbackHashtags(bag.LocationBasic)
	}

	out, err := provider.GenerateText(ctx, model, text, params)
	if err != nil {
		slog.Warn("pipeline: hashtags generation failed, using fallback set", "error", err)
		return fallbackHashtags(bag.LocationBasic)
	}

	tags := extractHashtags(out)
	if len(tags) == 0 {
		return fallbackHashtags(bag.LocationBasic)
	}
	return tags
}

func extractHashtags(text string) []string {
	fields := strings.Fields(text)
	tags := make([]string, 0, maxHashtags)
	seen := make(map[string]bool)
	for _, f := range fields {
		f = strings.TrimRight(f, ",.;!?")
		if !strings.HasPrefix(f, "#") || len(f) < 2 {
			continue
		}
		lower := strings.ToLower(f)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		tags = append(tags, f)
		if len(tags) == maxHashtags {
			break
		}
	}
	return tags
}

func fallbackHashtags(location string) []string {
	tags := make([]string, 0, maxFallbackHashtags)
	if location != "" {
		slug := strings.ToLower(strings.ReplaceAll(location, " ", ""))
		tags = append(tags, "#"+slug)
	}
	for _, t := range fallbackHashtagPool {
		if len(tags) == maxFallbackHashtags {
			break
		}
		tags = append(tags, t)
	}
	return tags
}
