// Package arbiter implements the Fetch Arbiter (C6): it resolves a segment
// request into bytes via cache, then peer, then origin HTTP, enforcing I2
// (at most one in-flight fetch per segment) via an in-flight table of
// subscriber channels. Grounded on the teacher's pkg/retry + pkg/
// circuitbreaker packages (adapted, and used through internal/
// infrastructure/origin) and the get-or-fetch-then-cache shape of the
// teacher's deleted cached_stream_service.go.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/tracing"
)

// OriginClient is the HTTP fallback leg.
type OriginClient interface {
	FetchSegment(ctx context.Context, seg domain.SegmentDescriptor) ([]byte, error)
}

// PeerSource returns up to n best peers advertising a segment key and
// fetches from one of them; used
// instead of the full ports.PeerManager to keep the arbiter's dependency
// surface narrow and mockable.
type PeerSource interface {
	BestPeersFor(segmentKey string, n int) []*domain.PeerRecord
	FetchFromPeer(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor) ([]byte, error)
}

// Reporter is the slice of the Signaling Client the arbiter reports
// resolved sources to.
type Reporter interface {
	ReportSegment(movieID string, quality domain.QualityID, segmentID string, source domain.FetchSource, latencyMs float64)
}

// Metrics is the slice of the Prometheus collector the arbiter records
// resolved fetches to. Optional: a nil Metrics disables recording.
type Metrics interface {
	RecordFetchResult(result domain.FetchResult, duration time.Duration)
}

// Announcer lets the arbiter tell the Peer Manager a segment just entered
// the local cache, so the manager can advertise it to connected peers
// (spec §4.5). Optional: a nil Announcer leaves this client leech-only.
type Announcer interface {
	AnnounceSegment(segmentKey string)
}

const bestPeerCandidates = 3

type inflight struct {
	subscribers []chan domain.FetchResult
	errSubs     []chan error
	cancel      context.CancelFunc
}

// Arbiter is C6.
type Arbiter struct {
	cache    ports.Cache
	peers    PeerSource
	origin   OriginClient
	reporter  Reporter
	metrics   Metrics
	announcer Announcer
	cfg       ports.ConfigStore
	log      *zap.SugaredLogger

	mu        sync.Mutex
	inFlight  map[string]*inflight
	semaphore chan struct{}
}

// New constructs an Arbiter.
func New(cache ports.Cache, peers PeerSource, origin OriginClient, reporter Reporter, cfg ports.ConfigStore, log *zap.SugaredLogger) *Arbiter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	snapshot := cfg.Snapshot()
	maxConcurrent := snapshot.MaxConcurrentFetches
	if maxConcurrent <= 0 {
		maxConcurrent = 6
	}
	return &Arbiter{
		cache:     cache,
		peers:     peers,
		origin:    origin,
		reporter:  reporter,
		cfg:       cfg,
		log:       log,
		inFlight:  make(map[string]*inflight),
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// WithMetrics attaches a Prometheus collector that records every resolved
// fetch's source and latency. Returns the Arbiter for chaining at
// construction time in cmd/player.
func (a *Arbiter) WithMetrics(metrics Metrics) *Arbiter {
	a.metrics = metrics
	return a
}

// WithAnnouncer attaches the Peer Manager as the destination for
// newly-cached-segment announcements, completing the data-channel
// protocol's bidirectional half (§4.5): this client both fetches from
// peers and serves them. Returns the Arbiter for chaining at construction
// time in cmd/player.
func (a *Arbiter) WithAnnouncer(announcer Announcer) *Arbiter {
	a.announcer = announcer
	return a
}

// Fetch resolves seg to bytes via the cache -> peer -> origin chain (§4.6).
func (a *Arbiter) Fetch(ctx context.Context, seg domain.SegmentDescriptor, opts ports.FetchOptions) (domain.FetchResult, error) {
	ctx, span := tracing.TraceFetch(ctx, seg.SegmentID, string(seg.Quality))
	defer span.End()

	start := time.Now()
	key := domain.SegmentKey(seg.Stream, seg.Quality, seg.SegmentID)

	if entry, ok := a.cache.Get(key); ok {
		tracing.AddSpanAttributes(ctx, tracing.FetchSourceKey.String(string(domain.SourceCache)))
		result := domain.FetchResult{Segment: seg, Bytes: entry.Bytes, Source: domain.SourceCache, LatencyMs: 0}
		a.recordMetrics(result, time.Since(start))
		return result, nil
	}

	a.mu.Lock()
	if existing, ok := a.inFlight[key]; ok {
		resultCh := make(chan domain.FetchResult, 1)
		errCh := make(chan error, 1)
		existing.subscribers = append(existing.subscribers, resultCh)
		existing.errSubs = append(existing.errSubs, errCh)
		a.mu.Unlock()
		select {
		case r := <-resultCh:
			return r, nil
		case err := <-errCh:
			return domain.FetchResult{}, err
		case <-ctx.Done():
			return domain.FetchResult{}, apperrors.NewCancelledError("fetch cancelled while waiting on in-flight request")
		}
	}
	fetchCtx, cancel := context.WithCancel(context.Background())
	inf := &inflight{cancel: cancel}
	a.inFlight[key] = inf
	a.mu.Unlock()

	select {
	case a.semaphore <- struct{}{}:
	case <-ctx.Done():
		a.finishInFlight(key, domain.FetchResult{}, apperrors.NewCancelledError("fetch cancelled waiting for a concurrency slot"))
		return domain.FetchResult{}, apperrors.NewCancelledError("fetch cancelled waiting for a concurrency slot")
	}
	defer func() { <-a.semaphore }()

	result, err := a.resolve(fetchCtx, seg, opts, key)
	if err != nil {
		tracing.RecordError(ctx, err)
	} else {
		tracing.AddSpanAttributes(ctx, tracing.FetchSourceKey.String(string(result.Source)))
		a.recordMetrics(result, time.Since(start))
	}
	a.finishInFlight(key, result, err)
	return result, err
}

func (a *Arbiter) recordMetrics(result domain.FetchResult, duration time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordFetchResult(result, duration)
	}
}

func (a *Arbiter) resolve(ctx context.Context, seg domain.SegmentDescriptor, opts ports.FetchOptions, key string) (domain.FetchResult, error) {
	snapshot := a.cfg.Snapshot()

	if !opts.Critical && a.peers != nil {
		peerKey := key
		candidates := a.peers.BestPeersFor(peerKey, bestPeerCandidates)
		if len(candidates) > 0 {
			start := time.Now()
			bytes, err := a.peers.FetchFromPeer(context.WithoutCancel(ctx), candidates[0], seg)
			if err == nil {
				latency := float64(time.Since(start).Milliseconds())
				a.cacheAndReport(seg, bytes, key, domain.SourcePeer, latency, snapshot.CacheSegmentTTL)
				return domain.FetchResult{Segment: seg, Bytes: bytes, Source: domain.SourcePeer, LatencyMs: latency}, nil
			}
			a.log.Debugw("peer fetch failed, falling through to origin", "segment", seg.SegmentID, "error", err)
		}
	}

	start := time.Now()
	bytes, err := a.origin.FetchSegment(ctx, seg)
	if err != nil {
		return domain.FetchResult{}, err
	}
	latency := float64(time.Since(start).Milliseconds())
	a.cacheAndReport(seg, bytes, key, domain.SourceServer, latency, snapshot.CacheSegmentTTL)
	return domain.FetchResult{Segment: seg, Bytes: bytes, Source: domain.SourceServer, LatencyMs: latency}, nil
}

func (a *Arbiter) cacheAndReport(seg domain.SegmentDescriptor, bytes []byte, key string, source domain.FetchSource, latencyMs float64, ttl time.Duration) {
	_ = a.cache.Set(key, domain.CacheEntry{
		Key:   key,
		Kind:  domain.CacheKindSegment,
		Bytes: bytes,
		Size:  int64(len(bytes)),
		TTL:   ttl,
	})
	if a.reporter != nil {
		a.reporter.ReportSegment(string(seg.Stream), seg.Quality, seg.SegmentID, source, latencyMs)
	}
	if a.announcer != nil {
		a.announcer.AnnounceSegment(key)
	}
}

func (a *Arbiter) finishInFlight(key string, result domain.FetchResult, err error) {
	a.mu.Lock()
	inf, ok := a.inFlight[key]
	if ok {
		delete(a.inFlight, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, ch := range inf.subscribers {
		if err == nil {
			ch <- result
		}
	}
	for _, ch := range inf.errSubs {
		if err != nil {
			ch <- err
		}
	}
}

// Cancel aborts any outstanding origin fetch for (quality, segmentID) via
// the in-flight entry's context; peer requests are not aborted since they
// time out cheaply.
func (a *Arbiter) Cancel(quality domain.QualityID, segmentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := fmt.Sprintf(":%s:%s", quality, segmentID)
	for key, inf := range a.inFlight {
		if hasSuffix(key, prefix) {
			inf.cancel()
		}
	}
}

func hasSuffix(s, suffix string) bool {
	n := len(s) - len(suffix)
	return n >= 0 && s[n:] == suffix
}

var _ ports.FetchArbiter = (*Arbiter)(nil)
