package cache

import (
	"sort"

	"swarmplayer/internal/core/domain"
)

// timeIndex answers time->segment queries for one (stream, quality) pair.
// Segments are kept sorted by Timestamp so lookups are a binary search.
type timeIndex struct {
	segments []domain.SegmentDescriptor
}

func newTimeIndex(variant *domain.VariantPlaylist) *timeIndex {
	segs := make([]domain.SegmentDescriptor, len(variant.Segments))
	copy(segs, variant.Segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Timestamp < segs[j].Timestamp })
	return &timeIndex{segments: segs}
}

// findAtTime returns the segment whose half-open [timestamp, timestamp+duration)
// interval contains t. A t at or past the end of the last segment clamps to
// that last segment instead of missing, since a still-buffering live
// playlist's trailing edge is a legitimate seek target.
func (ti *timeIndex) findAtTime(t float64) (domain.SegmentDescriptor, bool) {
	if len(ti.segments) == 0 {
		return domain.SegmentDescriptor{}, false
	}
	if t >= ti.segments[len(ti.segments)-1].End() {
		return ti.segments[len(ti.segments)-1], true
	}
	idx := sort.Search(len(ti.segments), func(i int) bool {
		return ti.segments[i].End() > t
	})
	if idx >= len(ti.segments) {
		return domain.SegmentDescriptor{}, false
	}
	s := ti.segments[idx]
	if t < s.Timestamp {
		return domain.SegmentDescriptor{}, false
	}
	return s, true
}

// findInRange returns every segment whose interval overlaps [start, end).
func (ti *timeIndex) findInRange(start, end float64) []domain.SegmentDescriptor {
	var out []domain.SegmentDescriptor
	for _, s := range ti.segments {
		if s.End() > start && s.Timestamp < end {
			out = append(out, s)
		}
	}
	return out
}

// findWindow returns up to `before` segments preceding, and up to `after`
// segments following (inclusive), the segment containing t.
func (ti *timeIndex) findWindow(t float64, before, after int) []domain.SegmentDescriptor {
	center, ok := ti.findAtTime(t)
	if !ok {
		return nil
	}
	lo := center.Index - before
	hi := center.Index + after
	if lo < 0 {
		lo = 0
	}
	var out []domain.SegmentDescriptor
	for _, s := range ti.segments {
		if s.Index >= lo && s.Index <= hi {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
