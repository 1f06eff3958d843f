package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"captionlens/pkg/cache"
	"captionlens/pkg/caption"
	"captionlens/pkg/geo"
	"captionlens/pkg/imagestore"
	"captionlens/pkg/stream"
)

// CaptionHandler serves the /ai/generate-caption* and /ai/regenerate-final
// endpoints. A sync call runs the orchestrator inline with a discard emit;
// an async call spawns a worker wired to a stream.Hub connection and
// returns immediately, the same callback-vs-channel emit split the
// orchestrator's own sync/async paths use.
type CaptionHandler struct {
	orchestrator *caption.Orchestrator
	images       *imagestore.Store
	hub          *stream.Hub
	requests     *cache.RequestCache
	admission    *Admission
	cacheTTL     time.Duration
}

// NewCaptionHandler builds a CaptionHandler.
func NewCaptionHandler(orch *caption.Orchestrator, images *imagestore.Store, hub *stream.Hub, requests *cache.RequestCache, admission *Admission, cacheTTL time.Duration) *CaptionHandler {
	return &CaptionHandler{orchestrator: orch, images: images, hub: hub, requests: requests, admission: admission, cacheTTL: cacheTTL}
}

type captionRequestBody struct {
	AssetID         string   `json:"asset_id"`
	ImageBase64     string   `json:"image_base64"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	ExistingCaption string   `json:"existing_caption"`
	Language        string   `json:"language"`
	Style           string   `json:"style"`
	RequestID       string   `json:"request_id"`
	IncludeHashtags bool     `json:"include_hashtags"`
}

func (b *captionRequestBody) validate(w http.ResponseWriter) bool {
	if b.AssetID == "" {
		missingField(w, "ASSET_ID")
		return false
	}
	if b.ImageBase64 == "" {
		missingField(w, "IMAGE_BASE64")
		return false
	}
	if b.Language == "" {
		missingField(w, "LANGUAGE")
		return false
	}
	if b.Style == "" {
		missingField(w, "STYLE")
		return false
	}
	if b.Latitude != nil && b.Longitude != nil && !geo.ValidCoordinates(*b.Latitude, *b.Longitude) {
		writeError(w, http.StatusBadRequest, codeInvalidCoordinates, "latitude/longitude out of range")
		return false
	}
	return true
}

func (b *captionRequestBody) fingerprint() string {
	var lat, lon any
	if b.Latitude != nil {
		lat = *b.Latitude
	}
	if b.Longitude != nil {
		lon = *b.Longitude
	}
	return cache.Fingerprint("caption", b.AssetID, lat, lon, b.Language, b.Style, b.ExistingCaption, b.IncludeHashtags)
}

// HandleGenerate serves POST /ai/generate-caption: runs synchronously and
// returns the terminal caption.Result as JSON.
func (h *CaptionHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body captionRequestBody
	if !decodeJSON(w, r, &body) || !body.validate(w) {
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}
	defer h.admission.Release()

	result, err := h.runCached(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeImageProcessing, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resultToJSON(result))
}

// HandleGenerateAsync serves POST /ai/generate-caption-async: allocates (or
// accepts) a request id, opens its stream connection, and runs the
// orchestrator in a background goroutine that the caller's HTTP request
// does not wait on.
func (h *CaptionHandler) HandleGenerateAsync(w http.ResponseWriter, r *http.Request) {
	var body captionRequestBody
	if !decodeJSON(w, r, &body) || !body.validate(w) {
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}

	requestID := body.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	conn := h.hub.CreateConnection(requestID)

	go func() {
		defer h.admission.Release()
		emit := func(ev stream.Event) { conn.Send(ev) }

		imgPath, err := h.images.Materialize(body.AssetID, body.ImageBase64)
		if err != nil {
			slog.Warn("api: failed to materialize image for async caption", "asset_id", body.AssetID, "error", err)
			emit(stream.Event{Name: "error", Data: map[string]any{
				"error": err.Error(), "error_type": "IMAGE_PROCESSING_ERROR", "step": "preparation", "timestamp": time.Now().Unix(),
			}})
			return
		}
		defer func() { _ = h.images.Release(imgPath) }()

		key := body.fingerprint()
		if cached, ok := h.requests.Get(key); ok {
			if result, ok := cached.(caption.Result); ok {
				emit(stream.Event{Name: "connected", Data: map[string]any{"message": "connected", "request_id": requestID, "timestamp": time.Now().Unix()}})
				emit(stream.Event{Name: "complete", Data: resultToJSON(result)})
				return
			}
		}

		req := requestFrom(body, imgPath)
		result := h.orchestrator.Generate(context.Background(), req, emit)
		if !isDegraded(result) {
			h.requests.Set(key, result, h.cacheTTL)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"sse_url":    "/api/ai/generate-caption-stream/" + requestID,
	})
}

// HandleStream serves GET /ai/generate-caption-stream/{request_id}: drains
// the named connection's queue as SSE until a terminal event.
func (h *CaptionHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	conn, ok := h.hub.Connection(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, codeInternal, "unknown request id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := stream.RunReader(w, flush, conn); err != nil {
		slog.Warn("api: caption stream reader ended with error", "request_id", requestID, "error", err)
	}
}

// HandleRegenerate serves POST /ai/regenerate-final: re-runs only the
// caption stage against caller-supplied context, never touching the vision
// model.
func (h *CaptionHandler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImageDescription   string `json:"image_description"`
		GeoContext         string `json:"geo_context"`
		CulturalEnrichment string `json:"cultural_enrichment"`
		TravelEnrichment   string `json:"travel_enrichment"`
		Language           string `json:"language"`
		Style              string `json:"style"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.ImageDescription == "" {
		missingField(w, "IMAGE_DESCRIPTION")
		return
	}
	if body.Language == "" {
		missingField(w, "LANGUAGE")
		return
	}
	if body.Style == "" {
		missingField(w, "STYLE")
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}
	defer h.admission.Release()

	result := h.orchestrator.Regenerate(r.Context(), caption.RegenerateRequest{
		ImageDescription:   body.ImageDescription,
		GeoContext:         body.GeoContext,
		CulturalEnrichment: body.CulturalEnrichment,
		TravelEnrichment:   body.TravelEnrichment,
		Language:           body.Language,
		Style:              body.Style,
	}, nil)

	if result.Caption == "" {
		writeError(w, http.StatusInternalServerError, codeRegeneration, "regeneration produced no caption")
		return
	}

	writeJSON(w, http.StatusOK, resultToJSON(result))
}

// runCached runs the orchestrator synchronously, memoizing successful
// (non-degraded) results under a fingerprint of the request's stable
// parameters so repeat calls for the same asset/coordinates/style are
// served instantly.
func (h *CaptionHandler) runCached(ctx context.Context, body captionRequestBody) (caption.Result, error) {
	key := body.fingerprint()
	if cached, ok := h.requests.Get(key); ok {
		if r, ok := cached.(caption.Result); ok {
			return r, nil
		}
	}

	imgPath, err := h.images.Materialize(body.AssetID, body.ImageBase64)
	if err != nil {
		return caption.Result{}, err
	}
	defer func() { _ = h.images.Release(imgPath) }()

	req := requestFrom(body, imgPath)
	result := h.orchestrator.Generate(ctx, req, func(stream.Event) {})

	if !isDegraded(result) {
		h.requests.Set(key, result, h.cacheTTL)
	}
	return result, nil
}

func requestFrom(body captionRequestBody, imgPath string) caption.Request {
	return caption.Request{
		AssetID:         body.AssetID,
		ImagePath:       imgPath,
		Lat:             body.Latitude,
		Lon:             body.Longitude,
		Language:        body.Language,
		Style:           body.Style,
		IncludeHashtags: body.IncludeHashtags,
	}
}

// isDegraded reports whether a result came from a fallback path the request
// cache should not memoize: a result in which any stage fell back to the
// "fallback" model, or whose caption is empty, is never worth serving to a
// later, unrelated caller.
func isDegraded(result caption.Result) bool {
	for _, model := range result.ModelsUsed {
		if model == "fallback" {
			return true
		}
	}
	return result.Caption == ""
}

func resultToJSON(result caption.Result) map[string]any {
	return map[string]any{
		"success":          true,
		"asset_id":         result.AssetID,
		"caption":          result.Caption,
		"hashtags":         result.Hashtags,
		"confidence_score": result.Confidence,
		"language":         result.Language,
		"style":            result.Style,
		"processing_time":  result.Elapsed.Seconds(),
		"models_used":      result.ModelsUsed,
		"enrichments":      result.Enrichments,
	}
}
