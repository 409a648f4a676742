package domain

// StreamID identifies a movie/stream shared by all of its qualities.
type StreamID string

// QualityID identifies a specific (bitrate, resolution, codec) rendition.
type QualityID string

// Quality is immutable once derived from the master playlist.
type Quality struct {
	ID        QualityID
	Bandwidth int // target bitrate, bps
	Width     int
	Height    int
	Codecs    string
	FrameRate float64 // 0 when absent
}

// SegmentDescriptor is stable across the lifetime of its variant playlist.
type SegmentDescriptor struct {
	Stream    StreamID
	Quality   QualityID
	SegmentID string // opaque id including extension, e.g. "seg_0003.m4s"
	Index     int    // position within the variant's sequence
	Duration  float64
	Timestamp float64 // start time relative to the timeline origin, seconds
}

// End returns the exclusive end of the segment's half-open interval.
func (s SegmentDescriptor) End() float64 {
	return s.Timestamp + s.Duration
}

// VariantPlaylist is immutable per load.
type VariantPlaylist struct {
	Quality         Quality
	Segments        []SegmentDescriptor
	TargetDuration  float64
	TotalDuration   float64
}

// FindByIndex returns the segment at the given sequence index, if any.
func (v *VariantPlaylist) FindByIndex(index int) (SegmentDescriptor, bool) {
	if index < 0 || index >= len(v.Segments) {
		return SegmentDescriptor{}, false
	}
	return v.Segments[index], true
}

// MasterPlaylist enumerates the available qualities for a stream.
type MasterPlaylist struct {
	Stream          StreamID
	Qualities       []Quality
	DefaultQuality  QualityID // advertised default, empty if none
}

// InitSegment is one per quality and is always hot-cached.
type InitSegment struct {
	Quality QualityID
	Bytes   []byte
	URL     string
}
