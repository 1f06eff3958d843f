package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RequestCache is an in-memory LRU map with per-entry TTL, used to memoize
// finished caption results (and other request-scoped lookups) by a stable
// fingerprint. Concurrent access is serialized by a single mutex; lookups
// that share a fingerprint while a fill is in flight are coalesced via
// singleflight so only one caller does the underlying work.
type RequestCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	group    singleflight.Group

	hits       int64
	misses     int64
	evictions  int64
	expiration int64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	createdAt time.Time
	accesses  int64
}

// Stats summarizes hit/miss counters and the live entry set, grounded on
// the same fields the generation cache this replaces reported.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Expirations   int64
	Size          int
	MaxSize       int
	HitRatePct    float64
	TotalRequests int64
}

// EntryInfo describes one live cache entry's age and remaining lifetime.
type EntryInfo struct {
	Key             string
	AgeSeconds      float64
	RemainingTTLSec float64
	Accesses        int64
}

// NewRequestCache creates an LRU cache holding at most capacity entries.
func NewRequestCache(capacity int) *RequestCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RequestCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *RequestCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.expiration++
		c.misses++
		return nil, false
	}
	e.accesses++
	c.hits++
	c.ll.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry if the cache is at capacity.
func (c *RequestCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		victim := c.ll.Back()
		if victim != nil {
			c.ll.Remove(victim)
			delete(c.items, victim.Value.(*entry).key)
			c.evictions++
		}
	}

	now := time.Now()
	e := &entry{key: key, value: value, expiresAt: now.Add(ttl), createdAt: now}
	el := c.ll.PushFront(e)
	c.items[key] = el
}

// GetOrFill returns the cached value for key, or calls fn exactly once
// across all concurrent callers sharing the same key, caching its result
// under ttl before returning it.
func (c *RequestCache) GetOrFill(key string, ttl time.Duration, fn func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Fingerprint returns a stable hash over a canonicalized parameter set, for
// use as a cache key.
func Fingerprint(params ...any) string {
	h := sha256.New()
	for _, p := range params {
		fmt.Fprintf(h, "%v|", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len reports the current number of live entries (expired-but-unswept
// entries still count until their next Get).
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Clear drops every entry.
func (c *RequestCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Stats reports hit/miss/eviction/expiration counters accumulated since
// construction alongside the current live size.
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expiration,
		Size:          c.ll.Len(),
		MaxSize:       c.capacity,
		HitRatePct:    hitRate,
		TotalRequests: total,
	}
}

// Entries reports age and remaining TTL for every live entry, for a
// detailed cache-inspection surface.
func (c *RequestCache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]EntryInfo, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, EntryInfo{
			Key:             e.key,
			AgeSeconds:      now.Sub(e.createdAt).Seconds(),
			RemainingTTLSec: max(0, e.expiresAt.Sub(now).Seconds()),
			Accesses:        e.accesses,
		})
	}
	return out
}
