package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

// bagToData flattens a ContextBag into the template variable bag, plus
// whatever extra keys the caller supplies (Language, Style, ...).
func bagToData(bag ContextBag, extra prompt.Data) prompt.Data {
	data := prompt.Data{
		"ImageDescription":   bag.ImageDescription,
		"LocationBasic":      bag.LocationBasic,
		"LocationDetailed":   bag.LocationDetailed,
		"CulturalContext":    bag.CulturalContext,
		"NearbyAttractions":  bag.NearbyAttractions,
		"TravelEnrichment":   bag.TravelEnrichment,
		"CulturalEnrichment": bag.CulturalEnrichment,
		"GeographicContext":  bag.GeographicContext,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// RunCaption resolves the caption template for language/style, renders it
// against bag, generates, and cleans the result. An empty generation falls
// back to the language's generic-error fallback caption rather than
// returning an empty string to the caller.
func RunCaption(ctx context.Context, provider llm.Provider, promptSvc *prompt.Service, model, language, style string, bag ContextBag) string {
	data := bagToData(bag, prompt.Data{"Language": language, "Style": style})

	text, params, err := promptSvc.Render("caption", language, style, data)
	if err != nil {
		slog.Warn("pipeline: caption prompt unavailable", "error", err)
		return promptSvc.FallbackCaption(language, "generic")
	}

	out, err := provider.GenerateText(ctx, model, text, params)
	if err != nil {
		slog.Warn("pipeline: caption generation failed", "error", err)
		return promptSvc.FallbackCaption(language, "generic")
	}

	caption := strings.TrimSpace(promptSvc.CleanCaption(out))
	if caption == "" {
		return promptSvc.FallbackCaption(language, "generic")
	}
	return caption
}
