package duplicate

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"captionlens/pkg/stream"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	cache, err := NewEmbeddingCache("")
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
	return New(NewLocalEmbedder(), cache, time.Hour)
}

func TestFindDuplicates_GroupsIdenticalImages(t *testing.T) {
	d := newTestDetector(t)

	checker := encodePNG(t, checkerImage(32, 32))
	solid := encodePNG(t, solidImage(32, 32, color.Gray{Y: 200}))

	images := []Image{
		{AssetID: "a1", Data: checker},
		{AssetID: "a2", Data: checker},
		{AssetID: "a3", Data: solid},
	}

	groups, err := d.FindDuplicates(context.Background(), images, 0.95, 0, nil)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0].Images) != 2 {
		t.Fatalf("group size = %d, want 2", len(groups[0].Images))
	}
	if groups[0].PrimaryAssetID == "" {
		t.Error("expected a primary asset id to be set")
	}
}

func TestFindDuplicates_NoGroupsBelowThreshold(t *testing.T) {
	d := newTestDetector(t)

	images := []Image{
		{AssetID: "a1", Data: encodePNG(t, checkerImage(32, 32))},
		{AssetID: "a2", Data: encodePNG(t, solidImage(32, 32, color.Gray{Y: 50}))},
	}

	groups, err := d.FindDuplicates(context.Background(), images, 0.999, 0, nil)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("groups = %d, want 0 for dissimilar images", len(groups))
	}
}

func TestFindDuplicates_SkipsUndecodableImages(t *testing.T) {
	d := newTestDetector(t)

	images := []Image{
		{AssetID: "a1", Data: []byte("not an image")},
		{AssetID: "a2", Data: encodePNG(t, checkerImage(16, 16))},
	}

	groups, err := d.FindDuplicates(context.Background(), images, 0.5, 0, nil)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("groups = %d, want 0 (one image undecodable, one alone)", len(groups))
	}
}

func TestFindDuplicates_EmitsLifecycleEvents(t *testing.T) {
	d := newTestDetector(t)

	var events []stream.Event
	emit := func(ev stream.Event) { events = append(events, ev) }

	images := []Image{
		{AssetID: "a1", Data: encodePNG(t, checkerImage(16, 16))},
		{AssetID: "a2", Data: encodePNG(t, checkerImage(16, 16))},
	}
	if _, err := d.FindDuplicates(context.Background(), images, 0.95, 0, emit); err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("expected progress/complete events to be emitted")
	}
	last := events[len(events)-1]
	if last.Name != "complete" {
		t.Errorf("last event = %q, want complete", last.Name)
	}

	var sawModelLoading bool
	for _, ev := range events {
		if ev.Name == "progress" {
			if m, ok := ev.Data.(map[string]any); ok && m["step"] == "model_loading" {
				sawModelLoading = true
			}
		}
	}
	if !sawModelLoading {
		t.Error("expected a model_loading progress event on a cold load")
	}
}

func TestDetector_ModelInfo_TracksLifecycle(t *testing.T) {
	d := newTestDetector(t)

	before := d.ModelInfo()
	if before.Loaded {
		t.Fatal("expected the embedder to start unloaded")
	}

	images := []Image{{AssetID: "a1", Data: encodePNG(t, checkerImage(16, 16))}}
	if _, err := d.FindDuplicates(context.Background(), images, 0.95, 0, nil); err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}

	after := d.ModelInfo()
	if !after.Loaded {
		t.Error("expected the embedder to be loaded after a run")
	}
	if after.Stats.ModelLoads != 1 {
		t.Errorf("ModelLoads = %d, want 1", after.Stats.ModelLoads)
	}
}

func TestDetector_ReapUnloadsAfterIdle(t *testing.T) {
	d := New(NewLocalEmbedder(), nil, 10*time.Millisecond)

	images := []Image{{AssetID: "a1", Data: encodePNG(t, checkerImage(16, 16))}}
	if _, err := d.FindDuplicates(context.Background(), images, 0.95, 0, nil); err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if !d.ModelInfo().Loaded {
		t.Fatal("expected the embedder to be loaded immediately after a run")
	}

	if d.Reap() {
		t.Fatal("did not expect Reap to unload before the idle window elapses")
	}

	time.Sleep(20 * time.Millisecond)
	if !d.Reap() {
		t.Error("expected Reap to unload the embedder once idle beyond IdleUnload")
	}
	if d.ModelInfo().Loaded {
		t.Error("expected the embedder to be unloaded after Reap")
	}
}
