package duplicate

import (
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EmbeddingCache is a two-tier store for computed feature vectors: an
// in-memory map for the lifetime of the process, backed by a directory of
// gob-encoded files so vectors survive across model unload/reload cycles
// (and process restarts) without re-encoding every asset.
type EmbeddingCache struct {
	mu  sync.Mutex
	mem map[string][]float32
	dir string
}

// NewEmbeddingCache opens (creating if needed) a disk-backed cache rooted
// at dir. An empty dir disables the disk tier; only the in-memory map is
// used.
func NewEmbeddingCache(dir string) (*EmbeddingCache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("duplicate: create embedding cache dir: %w", err)
		}
	}
	return &EmbeddingCache{mem: make(map[string][]float32), dir: dir}, nil
}

// Key builds a cache key from an asset's identity and the file state it was
// encoded from, so a modified file on disk naturally misses the cache
// instead of returning a stale vector.
func Key(assetID, assetPath string, modTime time.Time, size int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%d", assetPath, modTime.Unix(), size)))
	return fmt.Sprintf("%x_%s", sum[:4], assetID)
}

// Get returns the cached vector for key, checking memory first and falling
// back to disk (populating memory on a disk hit).
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	if v, ok := c.mem[key]; ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if c.dir == "" {
		return nil, false
	}
	v, ok := c.loadFromDisk(key)
	if ok {
		c.mu.Lock()
		c.mem[key] = v
		c.mu.Unlock()
	}
	return v, ok
}

// Set stores vec under key in memory and, if a disk directory is
// configured, persists it there too.
func (c *EmbeddingCache) Set(key string, vec []float32) error {
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return c.saveToDisk(key, vec)
}

// Len reports the number of vectors currently held in memory.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}

// Clear drops every in-memory entry. Disk entries are left in place.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	c.mem = make(map[string][]float32)
	c.mu.Unlock()
}

func (c *EmbeddingCache) path(key string) string {
	return filepath.Join(c.dir, key+".vec")
}

func (c *EmbeddingCache) loadFromDisk(key string) ([]float32, bool) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var vec []float32
	if err := gob.NewDecoder(f).Decode(&vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *EmbeddingCache) saveToDisk(key string, vec []float32) error {
	f, err := os.Create(c.path(key))
	if err != nil {
		return fmt.Errorf("duplicate: write embedding cache entry: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(vec); err != nil {
		return fmt.Errorf("duplicate: encode embedding cache entry: %w", err)
	}
	return nil
}
