// Package duplicate implements near-duplicate photo detection. A
// Detector encodes images into feature vectors on demand (loading its
// Embedder lazily and unloading it again after a period of inactivity),
// groups images whose vectors are similar enough, and ranks each group's
// members by image quality to pick a primary.
package duplicate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"captionlens/pkg/stream"
)

// State is a Detector's embedder lifecycle state.
type State string

const (
	StateUnavailable State = "unavailable"
	StateLoading     State = "loading"
	StateLoaded      State = "loaded"
	StateUnloading   State = "unloading"
)

// Stats tracks cumulative Detector activity for diagnostics.
type Stats struct {
	TotalImagesProcessed int64
	TotalGroupsFound     int64
	CacheHits            int64
	CacheMisses          int64
	ModelLoads           int64
	ModelUnloads         int64
}

// Image is one candidate for duplicate analysis: either Data or Path must
// be set. CapturedAt is the zero time when unknown.
type Image struct {
	AssetID    string
	Path       string
	Data       []byte
	CapturedAt time.Time
}

// GroupedImage is one member of a Group, with its quality ranking.
type GroupedImage struct {
	AssetID string
	Quality QualityMetrics
	Rank    int
	Primary bool
}

// Group is a set of near-duplicate images with a chosen primary.
type Group struct {
	GroupID        string
	Images         []GroupedImage
	SimilarityAvg  float64
	PrimaryAssetID string
}

// ModelInfo reports the Detector's current embedder lifecycle state.
type ModelInfo struct {
	Available   bool
	Loaded      bool
	Loading     bool
	Name        string
	CacheSize   int
	IdleSeconds int
	Stats       Stats
}

// Detector groups near-duplicate images and ranks each group by quality.
// Its embedder is loaded on first use and unloaded after IdleUnload of
// inactivity; concurrent callers racing to load share one load via
// singleflight rather than loading redundantly. Idle unload is driven by a
// last-use timestamp checked by Reap, not a spawned per-load timer task —
// the same periodic-sweep shape pkg/stream's Hub.Reap and pkg/imagestore's
// Reap use, so shutdown never has to account for a live timer goroutine.
type Detector struct {
	embedder   Embedder
	cache      *EmbeddingCache
	idleUnload time.Duration

	mu        sync.Mutex
	state     State
	lastUsed  time.Time
	loadGroup singleflight.Group
	stats     Stats
}

// New builds a Detector. embedder must not be nil; cache may be nil to
// disable embedding caching entirely.
func New(embedder Embedder, cache *EmbeddingCache, idleUnload time.Duration) *Detector {
	return &Detector{
		embedder:   embedder,
		cache:      cache,
		idleUnload: idleUnload,
		state:      StateUnavailable,
	}
}

// ModelInfo reports the current lifecycle state and usage stats.
func (d *Detector) ModelInfo() ModelInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ModelInfo{
		Available: d.embedder != nil,
		Loaded:    d.state == StateLoaded,
		Loading:   d.state == StateLoading,
		Stats:     d.stats,
	}
	if d.embedder != nil {
		info.Name = d.embedder.Name()
	}
	if d.cache != nil {
		info.CacheSize = d.cache.Len()
	}
	if d.state == StateLoaded {
		info.IdleSeconds = int(time.Since(d.lastUsed).Seconds())
	}
	return info
}

// ensureLoaded transitions the embedder to Loaded, emitting a model_loading
// progress event on a cold load. Concurrent callers share one load.
func (d *Detector) ensureLoaded(emit func(stream.Event)) error {
	d.mu.Lock()
	if d.state == StateLoaded {
		d.touchLocked()
		d.mu.Unlock()
		return nil
	}
	cold := d.state != StateLoading
	d.mu.Unlock()

	if cold && emit != nil {
		emit(stream.Event{Name: "progress", Data: map[string]any{
			"step":      "model_loading",
			"progress":  5,
			"message":   "loading embedding model",
			"timestamp": time.Now().Unix(),
		}})
	}

	_, err, _ := d.loadGroup.Do("load", func() (any, error) {
		d.mu.Lock()
		if d.state == StateLoaded {
			d.touchLocked()
			d.mu.Unlock()
			return nil, nil
		}
		d.state = StateLoading
		d.mu.Unlock()

		if d.embedder == nil {
			d.mu.Lock()
			d.state = StateUnavailable
			d.mu.Unlock()
			return nil, fmt.Errorf("duplicate: no embedder configured")
		}

		d.mu.Lock()
		d.state = StateLoaded
		d.stats.ModelLoads++
		d.touchLocked()
		d.mu.Unlock()
		slog.Info("duplicate: embedder loaded", "name", d.embedder.Name())
		return nil, nil
	})
	return err
}

// touchLocked must be called with d.mu held; it records the embedder's last
// use so Reap can judge idleness.
func (d *Detector) touchLocked() {
	d.lastUsed = time.Now()
}

// Reap unloads the embedder if it has been idle beyond IdleUnload. It is
// meant to be called periodically (alongside pkg/stream's and
// pkg/imagestore's reapers) rather than driven by a spawned timer, so a
// process shutdown never has to cancel an in-flight unload goroutine.
// Reports whether it unloaded the embedder.
func (d *Detector) Reap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateLoaded || d.idleUnload <= 0 || time.Since(d.lastUsed) < d.idleUnload {
		return false
	}

	d.state = StateUnloading
	slog.Info("duplicate: unloading embedder after idle period", "idle_unload", d.idleUnload)
	d.state = StateUnavailable
	d.stats.ModelUnloads++
	return true
}

// FindDuplicates encodes every image, groups those similar enough (within
// an optional capture-time window), and ranks each group's members by
// quality. Images that fail to decode are skipped rather than aborting the
// whole run; a group is only reported when at least two images land in it.
func (d *Detector) FindDuplicates(ctx context.Context, images []Image, threshold float64, timeWindow time.Duration, emit func(stream.Event)) ([]Group, error) {
	if err := d.ensureLoaded(emit); err != nil {
		return nil, err
	}

	n := len(images)
	vectors := make([][]float32, n)
	timestamps := make([]time.Time, n)

	for i, img := range images {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timestamps[i] = img.CapturedAt

		if emit != nil {
			progress := 10 + int(float64(i)/float64(n)*30)
			emit(stream.Event{Name: "progress", Data: map[string]any{
				"step":      "encoding",
				"progress":  progress,
				"message":   fmt.Sprintf("encoding %d/%d", i+1, n),
				"timestamp": time.Now().Unix(),
			}})
		}

		vec, err := d.encodeCached(img)
		if err != nil {
			slog.Warn("duplicate: failed to encode image, skipping", "asset_id", img.AssetID, "error", err)
			vectors[i] = nil
			continue
		}
		vectors[i] = vec
	}
	d.mu.Lock()
	d.stats.TotalImagesProcessed += int64(n)
	d.mu.Unlock()

	if emit != nil {
		emit(stream.Event{Name: "progress", Data: map[string]any{
			"step": "grouping", "progress": 60, "message": "grouping similar images", "timestamp": time.Now().Unix(),
		}})
	}

	raw := groupSimilar(vectors, timestamps, threshold, timeWindow)

	if emit != nil {
		emit(stream.Event{Name: "progress", Data: map[string]any{
			"step": "quality", "progress": 80, "message": "analyzing image quality", "timestamp": time.Now().Unix(),
		}})
	}

	groups := make([]Group, 0, len(raw))
	for gi, rg := range raw {
		members := make([]GroupedImage, 0, len(rg.indices))
		for _, idx := range rg.indices {
			quality := d.analyzeQualityFor(images[idx])
			members = append(members, GroupedImage{AssetID: images[idx].AssetID, Quality: quality})
		}

		sort.SliceStable(members, func(a, b int) bool {
			if members[a].Quality.Overall != members[b].Quality.Overall {
				return members[a].Quality.Overall > members[b].Quality.Overall
			}
			return members[a].Quality.Sharpness > members[b].Quality.Sharpness
		})
		for rank := range members {
			members[rank].Rank = rank
			members[rank].Primary = rank == 0
		}

		groups = append(groups, Group{
			GroupID:        fmt.Sprintf("group_%d", gi),
			Images:         members,
			SimilarityAvg:  rg.similarityAvg,
			PrimaryAssetID: members[0].AssetID,
		})
	}

	d.mu.Lock()
	d.stats.TotalGroupsFound += int64(len(groups))
	d.mu.Unlock()

	if emit != nil {
		emit(stream.Event{Name: "complete", Data: map[string]any{
			"success":     true,
			"groups":      groups,
			"group_count": len(groups),
			"timestamp":   time.Now().Unix(),
		}})
	}

	return groups, nil
}

func (d *Detector) encodeCached(img Image) ([]float32, error) {
	var key string
	if d.cache != nil {
		if modTime, size, ok := statIfPath(img.Path); ok {
			key = Key(img.AssetID, img.Path, modTime, size)
		} else {
			key = Key(img.AssetID, img.Path, time.Time{}, int64(len(img.Data)))
		}
		if vec, ok := d.cache.Get(key); ok {
			d.mu.Lock()
			d.stats.CacheHits++
			d.mu.Unlock()
			return vec, nil
		}
	}

	decoded, err := decodeImage(img)
	if err != nil {
		return nil, err
	}
	vec, err := d.embedder.Encode(decoded)
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		d.mu.Lock()
		d.stats.CacheMisses++
		d.mu.Unlock()
		if err := d.cache.Set(key, vec); err != nil {
			slog.Warn("duplicate: failed to persist embedding cache entry", "asset_id", img.AssetID, "error", err)
		}
	}
	return vec, nil
}

func (d *Detector) analyzeQualityFor(img Image) QualityMetrics {
	decoded, err := decodeImage(img)
	if err != nil {
		return QualityMetrics{}
	}
	return AnalyzeQuality(decoded)
}

func decodeImage(img Image) (image.Image, error) {
	if len(img.Data) > 0 {
		decoded, _, err := image.Decode(bytes.NewReader(img.Data))
		return decoded, err
	}
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("duplicate: open %s: %w", img.Path, err)
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	return decoded, err
}

func statIfPath(path string) (time.Time, int64, bool) {
	if path == "" {
		return time.Time{}, 0, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, 0, false
	}
	return info.ModTime(), info.Size(), true
}
