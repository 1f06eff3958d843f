package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"captionlens/pkg/db"
)

func TestSQLiteCache_SetGet(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "cache_test.db")
	d, err := db.Init(dbPath)
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	defer d.Close()
	c := NewSQLiteCache(d)
	ctx := context.Background()

	if _, hit := c.GetCache(ctx, "any-key"); hit {
		t.Error("expected miss before Set")
	}

	if err := c.SetCache(ctx, "any-key", []byte("data")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	val, hit := c.GetCache(ctx, "any-key")
	if !hit {
		t.Fatal("expected hit after Set")
	}
	if string(val) != "data" {
		t.Errorf("got %q, want %q", val, "data")
	}

	if err := c.SetCache(ctx, "any-key", []byte("updated")); err != nil {
		t.Fatalf("overwrite Set returned error: %v", err)
	}
	val, hit = c.GetCache(ctx, "any-key")
	if !hit || string(val) != "updated" {
		t.Errorf("got %q, hit=%v, want %q", val, hit, "updated")
	}
}

func TestSQLiteCache_Expiry(t *testing.T) {
	tempDir := t.TempDir()
	d, err := db.Init(filepath.Join(tempDir, "expiry_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	c := NewSQLiteCacheWithTTL(d, 10*time.Millisecond)
	if err := c.SetCache(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, hit := c.GetCache(ctx, "k"); !hit {
		t.Fatal("expected immediate hit")
	}

	time.Sleep(50 * time.Millisecond)
	if _, hit := c.GetCache(ctx, "k"); hit {
		t.Error("expected miss after TTL expiry")
	}
}

func TestSQLiteCache_Geodata(t *testing.T) {
	tempDir := t.TempDir()
	d, err := db.Init(filepath.Join(tempDir, "geodata_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	c := NewSQLiteCache(d)
	if _, _, hit := c.GetGeodataCache(ctx, "tile-1"); hit {
		t.Error("expected miss before Set")
	}

	if err := c.SetGeodataCache(ctx, "tile-1", []byte("payload"), 5000, 48.85, 2.35); err != nil {
		t.Fatal(err)
	}

	data, radius, hit := c.GetGeodataCache(ctx, "tile-1")
	if !hit {
		t.Fatal("expected hit after Set")
	}
	if string(data) != "payload" || radius != 5000 {
		t.Errorf("got data=%q radius=%d", data, radius)
	}
}
