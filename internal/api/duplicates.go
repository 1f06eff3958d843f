package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"captionlens/pkg/duplicate"
	"captionlens/pkg/imagestore"
	"captionlens/pkg/photolib"
	"captionlens/pkg/stream"
)

const maxSyncDuplicateImages = 10

// DuplicateHandler serves the /duplicates/* endpoints.
type DuplicateHandler struct {
	detector         *duplicate.Detector
	hub              *stream.Hub
	admission        *Admission
	albums           photolib.AlbumLister
	assets           photolib.AssetFetcher
	defaultThreshold float64
	defaultWindow    time.Duration
}

// NewDuplicateHandler builds a DuplicateHandler. albums/assets may be nil,
// in which case analyze-album responds with an error rather than panicking.
func NewDuplicateHandler(detector *duplicate.Detector, hub *stream.Hub, admission *Admission, albums photolib.AlbumLister, assets photolib.AssetFetcher, defaultThreshold float64, defaultWindow time.Duration) *DuplicateHandler {
	return &DuplicateHandler{
		detector:         detector,
		hub:              hub,
		admission:        admission,
		albums:           albums,
		assets:           assets,
		defaultThreshold: defaultThreshold,
		defaultWindow:    defaultWindow,
	}
}

type duplicateImageBody struct {
	AssetID     string `json:"asset_id"`
	ImageBase64 string `json:"image_base64"`
	CapturedAt  string `json:"captured_at"`
}

type findSimilarBody struct {
	Images          []duplicateImageBody `json:"images"`
	Threshold       float64              `json:"threshold"`
	TimeWindowHours float64              `json:"time_window_hours"`
}

func (b *findSimilarBody) toImages() ([]duplicate.Image, error) {
	images := make([]duplicate.Image, 0, len(b.Images))
	for _, ib := range b.Images {
		if ib.AssetID == "" {
			return nil, fmt.Errorf("every image requires an asset_id")
		}
		data, err := imagestore.DecodeBase64(ib.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", ib.AssetID, err)
		}
		var capturedAt time.Time
		if ib.CapturedAt != "" {
			if t, err := time.Parse(time.RFC3339, ib.CapturedAt); err == nil {
				capturedAt = t
			}
		}
		images = append(images, duplicate.Image{AssetID: ib.AssetID, Data: data, CapturedAt: capturedAt})
	}
	return images, nil
}

func (b *findSimilarBody) threshold(def float64) float64 {
	if b.Threshold > 0 {
		return b.Threshold
	}
	return def
}

func (b *findSimilarBody) window(def time.Duration) time.Duration {
	if b.TimeWindowHours > 0 {
		return time.Duration(b.TimeWindowHours * float64(time.Hour))
	}
	return def
}

// HandleStatus serves GET /duplicates/status.
func (h *DuplicateHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.detector.ModelInfo())
}

// HandleFindSimilar serves POST /duplicates/find-similar: synchronous, at
// most maxSyncDuplicateImages images.
func (h *DuplicateHandler) HandleFindSimilar(w http.ResponseWriter, r *http.Request) {
	var body findSimilarBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Images) < 1 {
		missingField(w, "IMAGES")
		return
	}
	if len(body.Images) > maxSyncDuplicateImages {
		writeError(w, http.StatusBadRequest, codeImageProcessing,
			fmt.Sprintf("sync duplicate detection accepts at most %d images; use /duplicates/find-similar-async", maxSyncDuplicateImages))
		return
	}

	images, err := body.toImages()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeImageProcessing, err.Error())
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}
	defer h.admission.Release()

	groups, err := h.detector.FindDuplicates(r.Context(), images, body.threshold(h.defaultThreshold), body.window(h.defaultWindow), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "groups": groups, "group_count": len(groups)})
}

// HandleFindSimilarAsync serves POST /duplicates/find-similar-async.
func (h *DuplicateHandler) HandleFindSimilarAsync(w http.ResponseWriter, r *http.Request) {
	var body findSimilarBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Images) < 1 {
		missingField(w, "IMAGES")
		return
	}

	images, err := body.toImages()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeImageProcessing, err.Error())
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}

	requestID := uuid.NewString()
	conn := h.hub.CreateConnection(requestID)
	threshold := body.threshold(h.defaultThreshold)
	window := body.window(h.defaultWindow)

	go func() {
		defer h.admission.Release()
		emit := func(ev stream.Event) { conn.Send(ev) }
		if _, err := h.detector.FindDuplicates(context.Background(), images, threshold, window, emit); err != nil {
			slog.Warn("api: async duplicate detection failed", "request_id", requestID, "error", err)
			emit(stream.Event{Name: "error", Data: map[string]any{
				"error": err.Error(), "error_type": "UNKNOWN_ERROR", "timestamp": time.Now().Unix(),
			}})
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"sse_url":    "/api/duplicates/find-similar-stream/" + requestID,
	})
}

// HandleStream serves GET /duplicates/find-similar-stream/{request_id}.
func (h *DuplicateHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
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
		slog.Warn("api: duplicate stream reader ended with error", "request_id", requestID, "error", err)
	}
}

// HandleAnalyzeAlbum serves POST /duplicates/analyze-album/{album_id}:
// resolves album membership via the photo-library collaborator, fetches
// each asset's bytes, and runs detection synchronously over the result.
func (h *DuplicateHandler) HandleAnalyzeAlbum(w http.ResponseWriter, r *http.Request) {
	albumID := r.PathValue("album_id")
	if albumID == "" {
		missingField(w, "ALBUM_ID")
		return
	}
	if h.albums == nil || h.assets == nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "photo library collaborator is not configured")
		return
	}

	if !h.admission.Acquire() {
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "too many in-flight requests")
		return
	}
	defer h.admission.Release()

	ctx := r.Context()
	assetIDs, err := h.albums.ListAlbumAssets(ctx, albumID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "list album assets: "+err.Error())
		return
	}

	images := make([]duplicate.Image, 0, len(assetIDs))
	for _, id := range assetIDs {
		data, err := h.assets.FetchAsset(ctx, id)
		if err != nil {
			slog.Warn("api: failed to fetch album asset, skipping", "album_id", albumID, "asset_id", id, "error", err)
			continue
		}
		images = append(images, duplicate.Image{AssetID: id, Data: data})
	}

	groups, err := h.detector.FindDuplicates(ctx, images, h.defaultThreshold, h.defaultWindow, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "album_id": albumID, "groups": groups, "group_count": len(groups)})
}
