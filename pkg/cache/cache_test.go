package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplayer/internal/core/domain"
)

func segEntry(key string, size int64, hot bool) domain.CacheEntry {
	return domain.CacheEntry{
		Key:   key,
		Kind:  domain.CacheKindSegment,
		Bytes: make([]byte, size),
		Size:  size,
		IsHot: hot,
	}
}

func TestCache_GetMissIsNotError(t *testing.T) {
	c := New(1024, LRUStrategy{}, 0)
	_, ok := c.Get("segment:s:720p:seg_0000.m4s")
	assert.False(t, ok)
}

func TestCache_LRUEviction_S6(t *testing.T) {
	// cap = 3 segments' worth of bytes, each 1 unit.
	c := New(3, LRUStrategy{}, 0)
	require.NoError(t, c.Set("a", segEntry("a", 1, false)))
	require.NoError(t, c.Set("b", segEntry("b", 1, false)))
	require.NoError(t, c.Set("c", segEntry("c", 1, false)))

	// touch a so it becomes most-recently-used
	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Set("d", segEntry("d", 1, false)))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"), "b should have been evicted as least-recently-used")
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

func TestCache_HotEntriesNeverEvicted_I3(t *testing.T) {
	c := New(2, LRUStrategy{}, 0)
	master := segEntry("master:s", 1, true)
	master.Kind = domain.CacheKindMaster
	require.NoError(t, c.Set("master:s", master))

	// cold inserts that would otherwise want to evict the hot entry
	require.NoError(t, c.Set("cold1", segEntry("cold1", 1, false)))
	require.NoError(t, c.Set("cold2", segEntry("cold2", 1, false)))

	assert.True(t, c.Has("master:s"), "hot entry must never be evicted")
}

func TestCache_ColdBytesNeverExceedLimit_I4(t *testing.T) {
	c := New(2, LRUStrategy{}, 0)
	require.NoError(t, c.Set("a", segEntry("a", 5, false))) // larger than limit, no evictable candidate
	assert.False(t, c.Has("a"), "oversized entry with no evictable candidate is silently dropped")
}

func TestCache_ExpiredEntryDeletedOnAccess(t *testing.T) {
	c := New(1024, LRUStrategy{}, 0)
	e := segEntry("a", 1, false)
	e.TTL = time.Millisecond
	e.InsertedAt = time.Now().Add(-time.Hour)
	require.NoError(t, c.Set("a", e))

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Has("a"))
}

func TestCache_RemovalHookFiresForSegments(t *testing.T) {
	c := New(1024, LRUStrategy{}, 0)
	var removed string
	c.OnRemove(func(key string) { removed = key })

	require.NoError(t, c.Set("segment:s:720p:seg_0000.m4s", segEntry("segment:s:720p:seg_0000.m4s", 1, false)))
	c.Delete("segment:s:720p:seg_0000.m4s")
	assert.Equal(t, "segment:s:720p:seg_0000.m4s", removed)
}

func TestTimeIndex_FindAtTime(t *testing.T) {
	variant := &domain.VariantPlaylist{
		Quality: domain.Quality{ID: "720p"},
		Segments: []domain.SegmentDescriptor{
			{Stream: "movie1", Quality: "720p", SegmentID: "seg_0000.m4s", Index: 0, Duration: 6, Timestamp: 0},
			{Stream: "movie1", Quality: "720p", SegmentID: "seg_0001.m4s", Index: 1, Duration: 6, Timestamp: 6},
			{Stream: "movie1", Quality: "720p", SegmentID: "seg_0002.m4s", Index: 2, Duration: 6, Timestamp: 12},
		},
	}
	c := New(1024, LRUStrategy{}, 0)
	c.IndexVariant(variant)

	for _, s := range variant.Segments {
		found, ok := c.FindAtTime("movie1", "720p", s.Timestamp)
		require.True(t, ok)
		assert.Equal(t, s.SegmentID, found.SegmentID)

		found, ok = c.FindAtTime("movie1", "720p", s.Timestamp+s.Duration-0.001)
		require.True(t, ok)
		assert.Equal(t, s.SegmentID, found.SegmentID)
	}

	successor, ok := c.FindAtTime("movie1", "720p", 6.0)
	require.True(t, ok)
	assert.Equal(t, "seg_0001.m4s", successor.SegmentID)
}

func TestTimeIndex_FindWindow(t *testing.T) {
	variant := &domain.VariantPlaylist{
		Quality: domain.Quality{ID: "720p"},
	}
	for i := 0; i < 10; i++ {
		variant.Segments = append(variant.Segments, domain.SegmentDescriptor{
			Stream: "movie1", Quality: "720p", SegmentID: "seg", Index: i, Duration: 6, Timestamp: float64(i) * 6,
		})
	}
	c := New(1024, LRUStrategy{}, 0)
	c.IndexVariant(variant)

	window := c.FindWindow("movie1", "720p", 30, 2, 2) // segment index 5
	require.Len(t, window, 5)
	assert.Equal(t, 3, window[0].Index)
	assert.Equal(t, 7, window[len(window)-1].Index)
}
