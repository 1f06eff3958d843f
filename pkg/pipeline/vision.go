package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"captionlens/pkg/llm"
	"captionlens/pkg/prompt"
)

// VisionResult is the vision stage's output: a description of the image,
// the model's self-reported (or derived) confidence, and which model
// actually produced it, so the orchestrator can report models_used.
type VisionResult struct {
	Description string
	Confidence  float64
	Model       string
}

// degradedVision is returned whenever the vision model cannot be reached or
// returns nothing usable; the caption pipeline continues with it rather than
// failing the whole request.
func degradedVision() VisionResult {
	return VisionResult{Description: "Image analysée", Confidence: 0.3, Model: "fallback"}
}

// RunVision sends imageBytes to the vision model with the configured
// analysis prompt and returns a description. Any model error degrades to a
// fixed low-confidence result instead of propagating.
func RunVision(ctx context.Context, provider llm.Provider, promptSvc *prompt.Service, model, language string, imageBytes []byte) VisionResult {
	text, params, err := promptSvc.Render("vision", language, "", prompt.Data{
		"Language": language,
	})
	if err != nil {
		slog.Warn("pipeline: vision prompt unavailable, using fallback", "error", err)
		return degradedVision()
	}

	out, err := provider.GenerateWithImage(ctx, model, text, imageBytes, params)
	if err != nil {
		slog.Warn("pipeline: vision generation failed, using fallback", "error", err)
		return degradedVision()
	}

	description := strings.TrimSpace(out)
	if description == "" {
		return degradedVision()
	}

	return VisionResult{Description: description, Confidence: 0.9, Model: model}
}
