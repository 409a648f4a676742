package domain

import "time"

// CacheKind distinguishes the uniform cacheable payloads the cache stores.
type CacheKind int

const (
	CacheKindSegment CacheKind = iota
	CacheKindInit
	CacheKindMaster
	CacheKindVariant
)

// SegmentKey returns the canonical cache key for a media segment.
func SegmentKey(stream StreamID, quality QualityID, segmentID string) string {
	return "segment:" + string(stream) + ":" + string(quality) + ":" + segmentID
}

// InitKey returns the canonical cache key for an init segment.
func InitKey(stream StreamID, quality QualityID) string {
	return "init:" + string(stream) + ":" + string(quality)
}

// MasterKey returns the canonical cache key for a master playlist.
func MasterKey(stream StreamID) string {
	return "master:" + string(stream)
}

// VariantKey returns the canonical cache key for a variant playlist.
func VariantKey(stream StreamID, quality QualityID) string {
	return "variant:" + string(stream) + ":" + string(quality)
}

// CacheEntry is the uniform unit stored by the Cache component.
type CacheEntry struct {
	Key          string
	Kind         CacheKind
	Bytes        []byte
	Master       *MasterPlaylist
	Variant      *VariantPlaylist
	Size         int64
	InsertedAt   time.Time
	TTL          time.Duration
	IsHot        bool
	AccessCount  int64
	LastAccessAt time.Time
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.InsertedAt.Add(e.TTL))
}
