// Package caption implements the caption orchestrator: it composes the
// pipeline stages and the geographic resolver into one end-to-end caption
// generation run, emitting progress/partial/warning events along the way
// and never writing to the network itself.
package caption

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"captionlens/pkg/geo"
	"captionlens/pkg/llm"
	"captionlens/pkg/llm/imageutil"
	"captionlens/pkg/pipeline"
	"captionlens/pkg/prompt"
	"captionlens/pkg/stream"
)

// Model intents routed through the configured provider chain via
// llm.ProfileAware; each maps to a model name in a provider's profiles.
const (
	intentVision          = "vision"
	intentTravel          = "travel"
	intentTravelSecondary = "travel_secondary"
	intentCultural        = "cultural"
	intentCaption         = "caption"
	intentHashtags        = "hashtags"
)

// Request carries one caption generation call's parameters.
type Request struct {
	AssetID         string
	ImagePath       string
	Lat             *float64
	Lon             *float64
	Language        string
	Style           string
	IncludeHashtags bool
}

// Result is the terminal CaptionResult emitted on the `complete` event.
type Result struct {
	Caption     string
	Hashtags    []string
	Confidence  float64
	Language    string
	Style       string
	Elapsed     time.Duration
	AssetID     string
	ModelsUsed  map[string]string
	Enrichments map[string]string
}

// Orchestrator composes the pipeline stages and the geographic resolver.
// It holds a single llm.Provider because the failover chain (pkg/llm/
// failover) already implements llm.Provider by routing a stage intent to
// whichever configured provider currently serves it; callers that want a
// single fixed backend can pass any llm.Provider here just the same.
type Orchestrator struct {
	provider    llm.Provider
	promptSvc   *prompt.Service
	resolver    *geo.Resolver
	radiusKm    float64
}

// New builds an Orchestrator.
func New(provider llm.Provider, promptSvc *prompt.Service, resolver *geo.Resolver, defaultRadiusKm float64) *Orchestrator {
	return &Orchestrator{provider: provider, promptSvc: promptSvc, resolver: resolver, radiusKm: defaultRadiusKm}
}

// Generate runs the full caption pipeline for req, emitting SSE-shaped
// events via emit as it goes, and returns the terminal Result. Any stage
// failure degrades that stage and continues; only a panic recovered here
// aborts the run with an `error` event and a zero Result.
func (o *Orchestrator) Generate(ctx context.Context, req Request, emit func(stream.Event)) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("caption: orchestrator panic", "error", r, "asset_id", req.AssetID)
			emit(stream.Event{Name: "error", Data: map[string]any{
				"error":      fmt.Sprintf("%v", r),
				"error_type": "UNKNOWN_ERROR",
				"step":       "processing",
				"timestamp":  time.Now().Unix(),
			}})
			result = Result{}
		}
	}()

	emit(stream.Event{Name: "connected", Data: map[string]any{
		"message":    "connected",
		"request_id": req.AssetID,
		"timestamp":  time.Now().Unix(),
	}})
	emit(progressEvent("preparation", 5, "preparing request"))

	modelsUsed := map[string]string{}
	enrichments := map[string]string{}
	bag := pipeline.ContextBag{}

	emit(progressEvent("image_analysis", 15, "analyzing image"))
	imageBytes, _, err := imageutil.PrepareForLLM(req.ImagePath)
	var vision pipeline.VisionResult
	if err != nil {
		slog.Warn("caption: failed to load image for vision stage", "error", err, "asset_id", req.AssetID)
		vision = pipeline.VisionResult{Description: "Image analysée", Confidence: 0.3, Model: "fallback"}
	} else {
		vision = pipeline.RunVision(ctx, o.provider, o.promptSvc, intentVision, req.Language, imageBytes)
	}
	bag.ImageDescription = vision.Description
	modelsUsed["vision"] = vision.Model
	enrichments["image_analysis"] = vision.Description
	emit(stream.Event{Name: "partial", Data: map[string]any{
		"type": "image_analysis",
		"content": map[string]any{
			"description": vision.Description,
			"confidence":  vision.Confidence,
			"model":       vision.Model,
		},
	}})

	var location *geo.GeoLocation
	if req.Lat != nil && req.Lon != nil {
		emit(progressEvent("geolocation", 35, "resolving location"))
		location, err = o.resolver.Lookup(ctx, *req.Lat, *req.Lon, o.radiusKm)
		if err != nil {
			slog.Warn("caption: geo lookup failed", "error", err, "asset_id", req.AssetID)
		}
		if location != nil {
			basic, detailed, nearby, geographic := pipeline.BuildGeoStrings(location)
			bag.LocationBasic = basic
			bag.LocationDetailed = detailed
			bag.NearbyAttractions = nearby
			bag.GeographicContext = geographic
			enrichments["geo_context"] = detailed
			emit(stream.Event{Name: "partial", Data: map[string]any{
				"type": "geolocation",
				"content": map[string]any{
					"location":       basic,
					"coordinates":    map[string]float64{"lat": *req.Lat, "lon": *req.Lon},
					"confidence":     location.Confidence,
					"nearby_places":  nearby,
					"cultural_sites": len(location.CulturalSite) + len(location.UnescoSites),
					"address":        location.Address,
					"city":           location.City,
					"country":        location.Country,
				},
			}})
		}
	}

	if bag.LocationBasic != "" {
		emit(progressEvent("travel_enrichment", 50, "drafting travel notes"))
		data := bagData(bag, req.Language, req.Style)
		travel, ok := pipeline.RunTravel(ctx, o.provider, o.provider, o.promptSvc, intentTravel, intentTravelSecondary, req.Language, data)
		if ok {
			bag.TravelEnrichment = travel.Text
			modelsUsed["travel"] = travel.Model
			enrichments["travel_enrichment"] = travel.Text
			emit(stream.Event{Name: "partial", Data: map[string]any{"type": "travel_enrichment", "content": travel.Text}})
		} else {
			emit(warningEvent("MODEL_FALLBACK", "travel enrichment unavailable"))
		}

		culturalContext := bag.NearbyAttractions
		emit(progressEvent("cultural_enrichment", 60, "drafting cultural notes"))
		culturalData := bagData(bag, req.Language, req.Style)
		if cultural, ok := pipeline.RunCultural(ctx, o.provider, o.promptSvc, intentCultural, req.Language, culturalContext, culturalData); ok {
			bag.CulturalEnrichment = cultural
			bag.CulturalContext = culturalContext
			modelsUsed["cultural"] = intentCultural
			enrichments["cultural_enrichment"] = cultural
			emit(stream.Event{Name: "partial", Data: map[string]any{"type": "cultural_enrichment", "content": cultural}})
		} else {
			emit(warningEvent("MODEL_FALLBACK", "cultural enrichment unavailable"))
		}
	}

	emit(progressEvent("caption_generation", 75, "writing caption"))
	caption := pipeline.RunCaption(ctx, o.provider, o.promptSvc, intentCaption, req.Language, req.Style, bag)
	modelsUsed["caption"] = intentCaption
	emit(stream.Event{Name: "partial", Data: map[string]any{"type": "raw_caption", "content": caption}})

	var hashtags []string
	if req.IncludeHashtags {
		emit(progressEvent("hashtag_generation", 90, "picking hashtags"))
		hashtags = pipeline.RunHashtags(ctx, o.provider, o.promptSvc, intentHashtags, req.Language, bag)
		emit(stream.Event{Name: "partial", Data: map[string]any{"type": "hashtags", "content": hashtags}})
	}

	confidence := computeConfidence(vision.Confidence, location != nil, modelsUsed["travel"] != "", caption)

	result = Result{
		Caption:     caption,
		Hashtags:    hashtags,
		Confidence:  confidence,
		Language:    req.Language,
		Style:       req.Style,
		Elapsed:     time.Since(start),
		AssetID:     req.AssetID,
		ModelsUsed:  modelsUsed,
		Enrichments: enrichments,
	}

	emit(stream.Event{Name: "complete", Data: map[string]any{
		"success":          true,
		"caption":          result.Caption,
		"hashtags":         result.Hashtags,
		"confidence_score": result.Confidence,
		"language":         result.Language,
		"style":            result.Style,
		"processing_time":  result.Elapsed.Seconds(),
		"metadata": map[string]any{
			"request_id":  req.AssetID,
			"asset_id":    req.AssetID,
			"timestamp":   time.Now().Unix(),
			"models_used": result.ModelsUsed,
		},
		"enrichments": result.Enrichments,
	}})

	return result
}

// RegenerateRequest carries caller-supplied context for a regeneration run.
// Unlike Request, it never triggers the vision stage: the image description
// is supplied directly, so a caller can re-word a caption without paying
// for a fresh image analysis.
type RegenerateRequest struct {
	AssetID            string
	ImageDescription   string
	GeoContext         string
	CulturalEnrichment string
	TravelEnrichment   string
	Language           string
	Style              string
	IncludeHashtags    bool
}

// Regenerate re-runs only the caption (and optional hashtag) stage against
// caller-supplied enrichment text, never calling the vision model. This
// backs the /ai/regenerate-final endpoint, whose whole purpose is to let a
// caller re-word a caption without paying for a fresh image analysis.
func (o *Orchestrator) Regenerate(ctx context.Context, req RegenerateRequest, emit func(stream.Event)) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("caption: regenerate panic", "error", r, "asset_id", req.AssetID)
			if emit != nil {
				emit(stream.Event{Name: "error", Data: map[string]any{
					"error":      fmt.Sprintf("%v", r),
					"error_type": "UNKNOWN_ERROR",
					"step":       "processing",
					"timestamp":  time.Now().Unix(),
				}})
			}
			result = Result{}
		}
	}()

	bag := pipeline.ContextBag{
		ImageDescription:   req.ImageDescription,
		LocationDetailed:   req.GeoContext,
		GeographicContext:  req.GeoContext,
		CulturalEnrichment: req.CulturalEnrichment,
		TravelEnrichment:   req.TravelEnrichment,
	}

	if emit != nil {
		emit(progressEvent("caption_generation", 50, "rewriting caption"))
	}
	caption := pipeline.RunCaption(ctx, o.provider, o.promptSvc, intentCaption, req.Language, req.Style, bag)
	modelsUsed := map[string]string{"caption": intentCaption}

	var hashtags []string
	if req.IncludeHashtags {
		if emit != nil {
			emit(progressEvent("hashtag_generation", 90, "picking hashtags"))
		}
		hashtags = pipeline.RunHashtags(ctx, o.provider, o.promptSvc, intentHashtags, req.Language, bag)
	}

	confidence := computeConfidence(1.0, req.GeoContext != "", req.TravelEnrichment != "", caption)

	result = Result{
		Caption:    caption,
		Hashtags:   hashtags,
		Confidence: confidence,
		Language:   req.Language,
		Style:      req.Style,
		Elapsed:    time.Since(start),
		AssetID:    req.AssetID,
		ModelsUsed: modelsUsed,
		Enrichments: map[string]string{
			"image_analysis":     req.ImageDescription,
			"geo_context":        req.GeoContext,
			"cultural_enrichment": req.CulturalEnrichment,
			"travel_enrichment":  req.TravelEnrichment,
		},
	}

	if emit != nil {
		emit(stream.Event{Name: "complete", Data: map[string]any{
			"success":          true,
			"caption":          result.Caption,
			"hashtags":         result.Hashtags,
			"confidence_score": result.Confidence,
			"language":         result.Language,
			"style":            result.Style,
			"processing_time":  result.Elapsed.Seconds(),
			"metadata": map[string]any{
				"request_id":  req.AssetID,
				"asset_id":    req.AssetID,
				"timestamp":   time.Now().Unix(),
				"models_used": result.ModelsUsed,
			},
			"enrichments": result.Enrichments,
		}})
	}

	return result
}

func bagData(bag pipeline.ContextBag, language, style string) prompt.Data {
	return prompt.Data{
		"ImageDescription":   bag.ImageDescription,
		"LocationBasic":      bag.LocationBasic,
		"LocationDetailed":   bag.LocationDetailed,
		"CulturalContext":    bag.CulturalContext,
		"NearbyAttractions":  bag.NearbyAttractions,
		"TravelEnrichment":   bag.TravelEnrichment,
		"CulturalEnrichment": bag.CulturalEnrichment,
		"GeographicContext":  bag.GeographicContext,
		"Language":           language,
		"Style":              style,
	}
}

// computeConfidence combines vision confidence with presence signals:
// 0.3·vision + 0.3·(geo present) + 0.2·(travel ok) + 0.2·(word-count band),
// clipped to 0.95.
func computeConfidence(visionConfidence float64, geoPresent, travelOK bool, caption string) float64 {
	score := 0.3 * visionConfidence
	if geoPresent {
		score += 0.3
	}
	if travelOK {
		score += 0.2
	}

	words := len(strings.Fields(caption))
	switch {
	case words >= 40 && words <= 120:
		score += 0.2
	case words >= 20 && words < 40:
		score += 0.1
	}

	if score > 0.95 {
		score = 0.95
	}
	return score
}

func progressEvent(step string, percent int, message string) stream.Event {
	return stream.Event{Name: "progress", Data: map[string]any{
		"step":      step,
		"progress":  percent,
		"message":   message,
		"timestamp": time.Now().Unix(),
	}}
}

func warningEvent(code, message string) stream.Event {
	return stream.Event{Name: "warning", Data: map[string]any{
		"message":   message,
		"code":      code,
		"timestamp": time.Now().Unix(),
	}}
}
