// Package cache implements the Cache (C2): a keyed store over a uniform
// cacheable payload type with TTL, hot-protection, pluggable eviction, and
// a per-(stream,quality) time->segment index.
package cache

import (
	"sync"
	"time"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
)

// Cache is a thread-safe in-memory cache with pluggable cold-entry eviction.
type Cache struct {
	mu              sync.Mutex
	entries         map[string]domain.CacheEntry
	coldBytes       int64
	sizeLimit       int64
	strategy        ports.EvictionStrategy
	removalHook     func(key string)
	indexes         map[string]*timeIndex // "stream:quality" -> index
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// New constructs a Cache bounded by sizeLimit cold bytes, evicting via the
// given strategy; a cleanupInterval of zero disables the periodic TTL sweep.
func New(sizeLimit int64, strategy ports.EvictionStrategy, cleanupInterval time.Duration) *Cache {
	if strategy == nil {
		strategy = LRUStrategy{}
	}
	c := &Cache{
		entries:         make(map[string]domain.CacheEntry),
		sizeLimit:       sizeLimit,
		strategy:        strategy,
		indexes:         make(map[string]*timeIndex),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Set stores entry, evicting cold candidates per the configured strategy
// until there is room. If the payload is too large and no candidate can be
// evicted, the entry is silently not stored (I4).
func (c *Cache) Set(key string, entry domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Key = key
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	entry.LastAccessAt = entry.InsertedAt

	if existing, ok := c.entries[key]; ok && !existing.IsHot {
		c.coldBytes -= existing.Size
	}

	if !entry.IsHot {
		for c.coldBytes+entry.Size > c.sizeLimit {
			victimKey, ok := c.pickColdVictimLocked()
			if !ok {
				return nil // I4: no evictable candidate, silently drop
			}
			c.deleteLocked(victimKey)
		}
		c.coldBytes += entry.Size
	}

	c.entries[key] = entry
	return nil
}

// Get returns entry and true on a live hit; expired entries are deleted and
// reported as a miss.
func (c *Cache) Get(key string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.CacheEntry{}, false
	}
	if e.Expired(time.Now()) {
		c.deleteLocked(key)
		return domain.CacheEntry{}, false
	}
	e.AccessCount++
	e.LastAccessAt = time.Now()
	c.entries[key] = e
	return e, true
}

// Has reports presence without mutating access bookkeeping.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.Expired(time.Now())
}

// Delete removes key, invoking the removal hook if one was set.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]domain.CacheEntry)
	c.coldBytes = 0
}

// OnRemove registers the hook invoked whenever a media-segment key is
// deleted, by eviction or explicit delete.
func (c *Cache) OnRemove(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removalHook = fn
}

// IndexVariant (re)builds the time->segment index for variant's stream and
// quality; called whenever a variant playlist is loaded or refreshed.
func (c *Cache) IndexVariant(variant *domain.VariantPlaylist) {
	if variant == nil || len(variant.Segments) == 0 {
		return
	}
	key := indexKey(variant.Segments[0].Stream, variant.Quality.ID)
	idx := newTimeIndex(variant)
	c.mu.Lock()
	c.indexes[key] = idx
	c.mu.Unlock()
}

func (c *Cache) FindAtTime(stream domain.StreamID, quality domain.QualityID, t float64) (domain.SegmentDescriptor, bool) {
	c.mu.Lock()
	idx, ok := c.indexes[indexKey(stream, quality)]
	c.mu.Unlock()
	if !ok {
		return domain.SegmentDescriptor{}, false
	}
	return idx.findAtTime(t)
}

func (c *Cache) FindInRange(stream domain.StreamID, quality domain.QualityID, start, end float64) []domain.SegmentDescriptor {
	c.mu.Lock()
	idx, ok := c.indexes[indexKey(stream, quality)]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return idx.findInRange(start, end)
}

func (c *Cache) FindWindow(stream domain.StreamID, quality domain.QualityID, t float64, before, after int) []domain.SegmentDescriptor {
	c.mu.Lock()
	idx, ok := c.indexes[indexKey(stream, quality)]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return idx.findWindow(t, before, after)
}

func indexKey(stream domain.StreamID, quality domain.QualityID) string {
	return string(stream) + ":" + string(quality)
}

// pickColdVictimLocked asks the strategy for a cold candidate; hot entries
// are never offered (I3).
func (c *Cache) pickColdVictimLocked() (string, bool) {
	candidates := make(map[string]domain.CacheEntry, len(c.entries))
	for k, e := range c.entries {
		if !e.IsHot {
			candidates[k] = e
		}
	}
	return c.strategy.SelectVictim(candidates)
}

func (c *Cache) deleteLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if !e.IsHot {
		c.coldBytes -= e.Size
	}
	delete(c.entries, key)
	if c.removalHook != nil && e.Kind == domain.CacheKindSegment {
		c.removalHook(key)
	}
}

// cleanupLoop periodically deletes TTL-expired cold entries.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if !e.IsHot && e.Expired(now) {
			c.deleteLocked(k)
		}
	}
}

// Stop halts the periodic cleanup goroutine.
func (c *Cache) Stop() {
	select {
	case <-c.stopCleanup:
	default:
		close(c.stopCleanup)
	}
}
