package cache

import (
	"time"

	"swarmplayer/internal/core/domain"
)

// LRUStrategy evicts the cold entry with the oldest last-access time.
type LRUStrategy struct{}

func (LRUStrategy) Name() string { return "lru" }

func (LRUStrategy) SelectVictim(candidates map[string]domain.CacheEntry) (string, bool) {
	var victim string
	var oldest time.Time
	found := false
	for k, e := range candidates {
		if !found || e.LastAccessAt.Before(oldest) {
			victim, oldest, found = k, e.LastAccessAt, true
		}
	}
	return victim, found
}

// LFUStrategy evicts the cold entry with the lowest access count.
type LFUStrategy struct{}

func (LFUStrategy) Name() string { return "lfu" }

func (LFUStrategy) SelectVictim(candidates map[string]domain.CacheEntry) (string, bool) {
	var victim string
	var min int64 = -1
	found := false
	for k, e := range candidates {
		if !found || e.AccessCount < min {
			victim, min, found = k, e.AccessCount, true
		}
	}
	return victim, found
}

// NearestExpirationStrategy evicts the cold entry expiring soonest.
type NearestExpirationStrategy struct{}

func (NearestExpirationStrategy) Name() string { return "nearest-expiration" }

func (NearestExpirationStrategy) SelectVictim(candidates map[string]domain.CacheEntry) (string, bool) {
	var victim string
	var soonest time.Time
	found := false
	for k, e := range candidates {
		expiry := e.InsertedAt.Add(e.TTL)
		if e.TTL <= 0 {
			continue
		}
		if !found || expiry.Before(soonest) {
			victim, soonest, found = k, expiry, true
		}
	}
	if !found {
		return LRUStrategy{}.SelectVictim(candidates)
	}
	return victim, found
}

// LargestFirstStrategy evicts the cold entry with the largest byte size,
// freeing the most space per eviction.
type LargestFirstStrategy struct{}

func (LargestFirstStrategy) Name() string { return "largest-first" }

func (LargestFirstStrategy) SelectVictim(candidates map[string]domain.CacheEntry) (string, bool) {
	var victim string
	var max int64 = -1
	found := false
	for k, e := range candidates {
		if !found || e.Size > max {
			victim, max, found = k, e.Size, true
		}
	}
	return victim, found
}

// CompositeStrategy scores candidates by a weighted blend of age since last
// access, infrequency, and size, evicting the highest-scored entry.
type CompositeStrategy struct {
	RecencyWeight  float64
	FrequencyWeight float64
	SizeWeight     float64
}

func NewCompositeStrategy() CompositeStrategy {
	return CompositeStrategy{RecencyWeight: 0.5, FrequencyWeight: 0.3, SizeWeight: 0.2}
}

func (CompositeStrategy) Name() string { return "composite" }

func (c CompositeStrategy) SelectVictim(candidates map[string]domain.CacheEntry) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	now := time.Now()
	var victim string
	var minScore float64
	found := false
	for k, e := range candidates {
		ageScore := now.Sub(e.LastAccessAt).Seconds()
		freqScore := 1.0 / float64(e.AccessCount+1)
		sizeScore := float64(e.Size)
		score := c.RecencyWeight*ageScore + c.FrequencyWeight*freqScore*100 + c.SizeWeight*sizeScore/1024
		if !found || score > minScore {
			victim, minScore, found = k, score, true
		}
	}
	return victim, found
}
