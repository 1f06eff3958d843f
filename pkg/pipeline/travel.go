package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

// TravelResult is the travel stage's output: enrichment text plus which
// model produced it (primary or secondary), so the caller can decide
// whether a warning{code:MODEL_FALLBACK} is warranted.
type TravelResult struct {
	Text  string
	Model string
}

const minTravelLength = 30

// RunTravel tries the primary model first; on error or a too-short
// response it falls back to the secondary model rendered with the stage's
// "fallback" style variant. Returns ok=false if neither produced a usable
// response, in which case the caller should emit warning{MODEL_FALLBACK}
// and continue without travel enrichment.
func RunTravel(ctx context.Context, primary, secondary llm.Provider, promptSvc *prompt.Service, primaryModel, secondaryModel, language string, data prompt.Data) (TravelResult, bool) {
	if primary != nil && primaryModel != "" {
		if res, ok := tryTravel(ctx, primary, promptSvc, primaryModel, language, "", data); ok {
			return res, true
		}
	}
	if secondary != nil && secondaryModel != "" {
		if res, ok := tryTravel(ctx, secondary, promptSvc, secondaryModel, language, "fallback", data); ok {
			return res, true
		}
	}
	return TravelResult{}, false
}

func tryTravel(ctx context.Context, provider llm.Provider, promptSvc *prompt.Service, model, language, style string, data prompt.Data) (TravelResult, bool) {
	text, params, err := promptSvc.Render("travel", language, style, data)
	if err != nil {
		slog.Warn("pipeline: travel prompt unavailable", "style", style, "error", err)
		return TravelResult{}, false
	}

	out, err := provider.GenerateText(ctx, model, text, params)
	if err != nil {
		slog.Warn("pipeline: travel generation failed", "model", model, "error", err)
		return TravelResult{}, false
	}

	out = strings.TrimSpace(out)
	if len(out) <= minTravelLength {
		return TravelResult{}, false
	}
	return TravelResult{Text: out, Model: model}, true
}
