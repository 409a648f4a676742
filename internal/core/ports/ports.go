// Package ports declares the interfaces through which the Coordinator (C9)
// wires the other eight components together, and the interfaces through
// which the engine reaches its three external collaborators (§6).
package ports

import (
	"context"
	"time"

	"swarmplayer/internal/core/domain"
)

// ConfigStore is C1: a validated, observable mapping of tunables.
type ConfigStore interface {
	Snapshot() Config
	Get(key string) (interface{}, bool)
	Set(partial map[string]interface{}) error
	Merge(partial map[string]interface{}) error
	Reset()
	ExportJSON() ([]byte, error)
	ImportJSON(data []byte) error
	Subscribe(fn func(Config)) func()
}

// Config is the full validated tunable set (spec §3/§4.1/§7).
type Config struct {
	BaseURL                 string
	MaxActivePeers          int
	MinActivePeers          int
	PeerConnectionTimeout   time.Duration
	PeerScoreThreshold      float64
	StaggeredRequestDelay   time.Duration
	RetryDelayBase          time.Duration
	FetchTimeout            time.Duration
	MaxRetries              int
	MaxConcurrentFetches    int
	WhoHasTimeout           time.Duration
	CacheSizeLimit          int64
	CacheSegmentTTL         time.Duration
	BufferMinThreshold      float64
	BufferMaxThreshold      float64
	BufferTargetDuration    float64
	PrefetchWindowAhead     float64
	PrefetchWindowBehind    float64
	AbrSwitchDownThreshold  float64
	AbrSwitchUpThreshold    float64
	SegmentRequestWaitMin   time.Duration
	SegmentRequestWaitMax   time.Duration
}

// Cache is C2.
type Cache interface {
	Set(key string, entry domain.CacheEntry) error
	Get(key string) (domain.CacheEntry, bool)
	Has(key string) bool
	Delete(key string)
	Clear()
	FindAtTime(stream domain.StreamID, quality domain.QualityID, t float64) (domain.SegmentDescriptor, bool)
	FindInRange(stream domain.StreamID, quality domain.QualityID, start, end float64) []domain.SegmentDescriptor
	FindWindow(stream domain.StreamID, quality domain.QualityID, t float64, before, after int) []domain.SegmentDescriptor
	IndexVariant(variant *domain.VariantPlaylist)
	OnRemove(fn func(key string))
}

// MediaSink is C3.
type MediaSink interface {
	Initialize(mime string) error
	SetDuration(seconds float64)
	AppendInit(init domain.InitSegment) error
	AppendMedia(bytes []byte) error
	RemoveRange(start, end float64) error
	SwitchQuality(newQuality domain.QualityID, newInit domain.InitSegment) error
	Seek(t float64) error
	Play() error
	Pause() error
	GetBufferedRanges() []domain.BufferRange
	GetBufferedAhead(currentTime float64) float64
	EndOfStream() error
	PlaybackState() domain.PlaybackState
	Destroy()
}

// SignalingClient is C4.
type SignalingClient interface {
	Connect(ctx context.Context, clientID, streamID string) error
	WhoHas(ctx context.Context, quality domain.QualityID, segmentID string) (WhoHasReply, error)
	ReportSegment(movieID string, quality domain.QualityID, segmentID string, source domain.FetchSource, latencyMs float64)
	SendOffer(to, streamID, sdp string)
	SendAnswer(to, streamID, sdp string)
	SendIceCandidate(to, streamID, candidate string)
	Destroy()
}

// WhoHasReply lists peers known to hold a segment.
type WhoHasReply struct {
	SegmentID string
	Peers     []string
}

// PeerManager is C5.
type PeerManager interface {
	ConnectToPeer(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error)
	HandleInboundOffer(ctx context.Context, from, sdp string)
	HandleAnswer(from, sdp string)
	HandleIceCandidate(from, candidate string)
	UpdateAvailability(peer domain.PeerID, segmentKeys []string)
	BestPeersFor(segmentKey string, n int) []*domain.PeerRecord
	FetchFromPeer(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor) ([]byte, error)
	ActiveCount() int
	Destroy()
}

// FetchOptions tunes an individual Fetch Arbiter request.
type FetchOptions struct {
	Critical bool
	Priority int
	ForSeek  bool
}

// FetchArbiter is C6.
type FetchArbiter interface {
	Fetch(ctx context.Context, seg domain.SegmentDescriptor, opts FetchOptions) (domain.FetchResult, error)
	Cancel(quality domain.QualityID, segmentID string)
}

// BandwidthEstimator is a pluggable C7 strategy.
type BandwidthEstimator interface {
	Sample(bytes int64, latencyMs float64)
	Estimate() float64 // bits per second
	Name() string
}

// QualitySelector is a pluggable C7 strategy.
type QualitySelector interface {
	SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID
	Name() string
}

// ABRController is C7.
type ABRController interface {
	Initialize(ctx context.Context, master *domain.MasterPlaylist, variantURIs map[domain.QualityID]string) error
	CurrentQuality() (domain.QualityID, bool)
	SetQuality(ctx context.Context, quality domain.QualityID, reason domain.QualitySwitchReason) error
	FetchSegment(ctx context.Context, seg domain.SegmentDescriptor) (domain.FetchResult, error)
	Seek(ctx context.Context, t float64) (domain.InitSegment, []domain.SegmentDescriptor, error)
	Prefetch(ctx context.Context, currentSegmentID string)
	Tick(ctx context.Context, bufferAhead float64)
	Variant(quality domain.QualityID) (*domain.VariantPlaylist, bool)
	InitSegmentFor(quality domain.QualityID) (domain.InitSegment, bool)
}

// BufferController is C8.
type BufferController interface {
	Start(ctx context.Context)
	Stop()
	OnSeeking()
	OnSeeked(t float64)
	OnQualitySwitch(quality domain.QualityID, segments []domain.SegmentDescriptor, init domain.InitSegment, skipInitAppend bool)
	QueueSegmentForAppend(seg domain.SegmentDescriptor, bytes []byte, priority int, forSeek bool)
}

// EvictionStrategy is a pluggable C2 strategy.
type EvictionStrategy interface {
	SelectVictim(candidates map[string]domain.CacheEntry) (string, bool)
	Name() string
}
