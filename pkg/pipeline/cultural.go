package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

const culturalShortThreshold = 50
const minCulturalLength = 20

// RunCultural renders the short prompt variant when the geo context's
// cultural text is sparse (< 50 chars) and the main variant otherwise,
// generates enrichment text, and accepts it only if it clears a minimum
// length. Returns ok=false on any failure or a too-short response.
func RunCultural(ctx context.Context, provider llm.Provider, promptSvc *prompt.Service, model, language, culturalContext string, data prompt.Data) (string, bool) {
	style := "main"
	if len(culturalContext) < culturalShortThreshold {
		style = "short"
	}

	text, params, err := promptSvc.Render("cultural", language, style, data)
	if err != nil {
		slog.Warn("pipeline: cultural prompt unavailable", "style", style, "error", err)
		return "", false
	}

	out, err := provider.GenerateText(ctx, model, text, params)
	if err != nil {
		slog.Warn("pipeline: cultural generation failed", "error", err)
		return "", false
	}

	out = strings.TrimSpace(out)
	if len(out) <= minCulturalLength {
		return "", false
	}
	return out, true
}
