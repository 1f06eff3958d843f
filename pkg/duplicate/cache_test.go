package duplicate

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEmbeddingCache_MemoryRoundTrip(t *testing.T) {
	c, err := NewEmbeddingCache("")
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
	key := Key("asset-1", "/photos/a.jpg", time.Unix(1000, 0), 4096)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected a miss before Set")
	}
	if err := c.Set(key, []float32{1, 2, 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a hit after Set")
	}
	if len(got) != 3 || got[0] != 1 {
		t.Errorf("Get returned %v, want [1 2 3]", got)
	}
}

func TestEmbeddingCache_DiskTierSurvivesMemoryEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := NewEmbeddingCache(dir)
	if err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
	key := Key("asset-2", "/photos/b.jpg", time.Unix(2000, 0), 8192)
	if err := c.Set(key, []float32{4, 5, 6}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c.Clear() // drop the memory tier, disk tier should still answer
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a disk-backed hit after clearing memory")
	}
	if len(got) != 3 || got[2] != 6 {
		t.Errorf("Get returned %v, want [4 5 6]", got)
	}
}

func TestKey_ChangesWithFileState(t *testing.T) {
	k1 := Key("asset-3", "/photos/c.jpg", time.Unix(1000, 0), 100)
	k2 := Key("asset-3", "/photos/c.jpg", time.Unix(1001, 0), 100)
	if k1 == k2 {
		t.Error("expected keys to differ when mtime changes")
	}
}

func TestNewEmbeddingCache_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	if _, err := NewEmbeddingCache(dir); err != nil {
		t.Fatalf("NewEmbeddingCache: %v", err)
	}
}
