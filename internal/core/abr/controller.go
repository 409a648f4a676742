package abr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
)

// PlaylistFetcher is the narrow origin seam the ABR Controller needs: raw
// playlist text and init-segment bytes, both cache-first from the caller's
// perspective but fetched here on a cache miss.
type PlaylistFetcher interface {
	FetchText(ctx context.Context, url string) ([]byte, error)
	FetchInitSegment(ctx context.Context, stream domain.StreamID, quality domain.QualityID, initURL string) ([]byte, error)
}

// Options tunes Controller behavior from the Config Store snapshot.
type Options struct {
	BufferTargetDuration   float64
	PrefetchWindowAhead    float64
	PrefetchWindowBehind   float64
	AbrSwitchDownThreshold float64
	AbrSwitchUpThreshold   float64
	CacheSegmentTTL        time.Duration
}

// Controller is C7.
type Controller struct {
	stream     domain.StreamID
	arbiter    ports.FetchArbiter
	cache      ports.Cache
	fetcher    PlaylistFetcher
	estimator  ports.BandwidthEstimator
	selector   ports.QualitySelector
	opts       Options
	log        *zap.SugaredLogger

	onQualityChanged    func(quality domain.QualityID, reason domain.QualitySwitchReason)
	onPrefetchComplete  func(count int, quality domain.QualityID)

	mu           sync.RWMutex
	master       *domain.MasterPlaylist
	variantURIs  map[domain.QualityID]string
	variants     map[domain.QualityID]*domain.VariantPlaylist
	initSegments map[domain.QualityID]*domain.InitSegment
	current      domain.QualityID
	hasCurrent   bool
	switching    bool
	prefetched   map[string]struct{}
}

// New constructs a Controller. estimator/selector default to EWMA(0.3) and
// DefaultSelector when nil.
func New(stream domain.StreamID, arbiter ports.FetchArbiter, cache ports.Cache, fetcher PlaylistFetcher, estimator ports.BandwidthEstimator, selector ports.QualitySelector, opts Options, log *zap.SugaredLogger) *Controller {
	if estimator == nil {
		estimator = NewEWMAEstimator(0.3)
	}
	if selector == nil {
		selector = NewDefaultSelector(opts.AbrSwitchDownThreshold, opts.AbrSwitchUpThreshold)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{
		stream:       stream,
		arbiter:      arbiter,
		cache:        cache,
		fetcher:      fetcher,
		estimator:    estimator,
		selector:     selector,
		opts:         opts,
		log:          log,
		variantURIs:  make(map[domain.QualityID]string),
		variants:     make(map[domain.QualityID]*domain.VariantPlaylist),
		initSegments: make(map[domain.QualityID]*domain.InitSegment),
		prefetched:   make(map[string]struct{}),
	}
}

// OnQualityChanged registers the callback fired after each successful
// setQuality.
func (c *Controller) OnQualityChanged(fn func(quality domain.QualityID, reason domain.QualitySwitchReason)) {
	c.onQualityChanged = fn
}

// OnPrefetchComplete registers the callback fired once a Prefetch round
// finishes.
func (c *Controller) OnPrefetchComplete(fn func(count int, quality domain.QualityID)) {
	c.onPrefetchComplete = fn
}

// Initialize loads every variant playlist in parallel and installs the
// default quality (advertised default or lowest-bandwidth) per spec §4.7.
// variantURIs maps each quality to the URL ParseMasterPlaylist extracted
// for it.
func (c *Controller) Initialize(ctx context.Context, master *domain.MasterPlaylist, variantURIs map[domain.QualityID]string) error {
	c.mu.Lock()
	c.master = master
	c.variantURIs = variantURIs
	c.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, q := range master.Qualities {
		quality := q
		group.Go(func() error {
			return c.loadVariant(gctx, quality)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	defaultQuality := master.DefaultQuality
	if defaultQuality == "" {
		defaultQuality = lowestBandwidth(master.Qualities)
	}
	return c.SetQuality(ctx, defaultQuality, domain.ReasonInitial)
}

func (c *Controller) loadVariant(ctx context.Context, quality domain.Quality) error {
	key := domain.VariantKey(c.stream, quality.ID)
	if entry, ok := c.cache.Get(key); ok && entry.Variant != nil {
		c.mu.Lock()
		c.variants[quality.ID] = entry.Variant
		c.mu.Unlock()
		return nil
	}

	c.mu.RLock()
	uri := c.variantURIs[quality.ID]
	c.mu.RUnlock()

	raw, err := c.fetcher.FetchText(ctx, uri)
	if err != nil {
		return fmt.Errorf("fetch variant playlist for %s: %w", quality.ID, err)
	}
	variant, err := ParseVariantPlaylist(c.stream, quality, raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.variants[quality.ID] = variant
	c.mu.Unlock()
	c.cache.IndexVariant(variant)
	_ = c.cache.Set(key, domain.CacheEntry{Key: key, Kind: domain.CacheKindVariant, Variant: variant, TTL: c.opts.CacheSegmentTTL})
	return nil
}

func lowestBandwidth(qualities []domain.Quality) domain.QualityID {
	if len(qualities) == 0 {
		return ""
	}
	best := qualities[0]
	for _, q := range qualities[1:] {
		if q.Bandwidth < best.Bandwidth {
			best = q
		}
	}
	return best.ID
}

// CurrentQuality returns the active quality, if any has been set.
func (c *Controller) CurrentQuality() (domain.QualityID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.hasCurrent
}

// Variant returns the loaded variant playlist for quality, if any.
func (c *Controller) Variant(quality domain.QualityID) (*domain.VariantPlaylist, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[quality]
	return v, ok
}

// InitSegmentFor returns the already-loaded init segment for quality, if
// ensureInit has populated it (always true once SetQuality has switched to
// or through that quality).
func (c *Controller) InitSegmentFor(quality domain.QualityID) (domain.InitSegment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	init, ok := c.initSegments[quality]
	if !ok {
		return domain.InitSegment{}, false
	}
	return *init, true
}

// SetQuality switches the active quality under a latch; a no-op if quality
// already matches current.
func (c *Controller) SetQuality(ctx context.Context, quality domain.QualityID, reason domain.QualitySwitchReason) error {
	c.mu.Lock()
	if c.hasCurrent && c.current == quality {
		c.mu.Unlock()
		return nil
	}
	if c.switching {
		c.mu.Unlock()
		return apperrors.NewInvalidStateError("a quality switch is already in progress")
	}
	c.switching = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
	}()

	if err := c.ensureInit(ctx, quality); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = quality
	c.hasCurrent = true
	c.mu.Unlock()

	if c.onQualityChanged != nil {
		c.onQualityChanged(quality, reason)
	}
	return nil
}

// ensureInit fetches and hot-caches the init segment for quality,
// cache-first, else origin.
func (c *Controller) ensureInit(ctx context.Context, quality domain.QualityID) error {
	c.mu.RLock()
	_, have := c.initSegments[quality]
	c.mu.RUnlock()
	if have {
		return nil
	}

	key := domain.InitKey(c.stream, quality)
	if entry, ok := c.cache.Get(key); ok && entry.Bytes != nil {
		init := &domain.InitSegment{Quality: quality, Bytes: entry.Bytes}
		c.mu.Lock()
		c.initSegments[quality] = init
		c.mu.Unlock()
		return nil
	}

	bytes, err := c.fetcher.FetchInitSegment(ctx, c.stream, quality, "")
	if err != nil {
		return fmt.Errorf("fetch init segment for %s: %w", quality, err)
	}
	_ = c.cache.Set(key, domain.CacheEntry{Key: key, Kind: domain.CacheKindInit, Bytes: bytes, IsHot: true})

	c.mu.Lock()
	c.initSegments[quality] = &domain.InitSegment{Quality: quality, Bytes: bytes}
	c.mu.Unlock()
	return nil
}

// FetchSegment is cache-first, then delegates to the Arbiter; on success it
// updates the bandwidth estimator from measured latency/bytes.
func (c *Controller) FetchSegment(ctx context.Context, seg domain.SegmentDescriptor) (domain.FetchResult, error) {
	result, err := c.arbiter.Fetch(ctx, seg, ports.FetchOptions{})
	if err != nil {
		return domain.FetchResult{}, err
	}
	if result.Source != domain.SourceCache {
		c.estimator.Sample(int64(len(result.Bytes)), result.LatencyMs)
	}
	return result, nil
}

// Seek ensures the init segment is loaded, finds the segment containing t,
// and fetches a symmetric window in parallel.
func (c *Controller) Seek(ctx context.Context, t float64) (domain.InitSegment, []domain.SegmentDescriptor, error) {
	quality, ok := c.CurrentQuality()
	if !ok {
		return domain.InitSegment{}, nil, apperrors.NewInvalidStateError("no current quality set")
	}
	if err := c.ensureInit(ctx, quality); err != nil {
		return domain.InitSegment{}, nil, err
	}
	variant, ok := c.Variant(quality)
	if !ok {
		return domain.InitSegment{}, nil, apperrors.NewInvalidStateError("variant playlist not loaded")
	}

	targetDuration := variant.TargetDuration
	if targetDuration <= 0 {
		targetDuration = c.opts.BufferTargetDuration
	}
	windowAhead := windowCount(c.opts.PrefetchWindowAhead, targetDuration)
	windowBehind := windowCount(c.opts.PrefetchWindowBehind, targetDuration)

	window := c.cache.FindWindow(c.stream, quality, t, windowBehind, windowAhead)
	if len(window) == 0 {
		return domain.InitSegment{}, nil, apperrors.NewNotFoundError("segment at seek time")
	}

	group, gctx := errgroup.WithContext(ctx)
	results := make([]domain.FetchResult, len(window))
	for i, s := range window {
		idx, seg := i, s
		group.Go(func() error {
			r, err := c.FetchSegment(gctx, seg)
			if err != nil {
				return err
			}
			results[idx] = r
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return domain.InitSegment{}, nil, err
	}

	c.mu.RLock()
	init := c.initSegments[quality]
	c.mu.RUnlock()
	return *init, window, nil
}

func windowCount(windowSeconds, targetDuration float64) int {
	if targetDuration <= 0 {
		return 0
	}
	return int(math.Ceil(windowSeconds / targetDuration))
}

// Prefetch fetches up to ceil(prefetchWindowAhead/targetDuration) segments
// following currentSegmentID, skipping any already prefetched or cached.
// Runs fire-and-forget; completion fires onPrefetchComplete.
func (c *Controller) Prefetch(ctx context.Context, currentSegmentID string) {
	quality, ok := c.CurrentQuality()
	if !ok {
		return
	}
	variant, ok := c.Variant(quality)
	if !ok {
		return
	}

	targetDuration := variant.TargetDuration
	if targetDuration <= 0 {
		targetDuration = c.opts.BufferTargetDuration
	}
	count := windowCount(c.opts.PrefetchWindowAhead, targetDuration)
	if count <= 0 {
		return
	}

	startIdx := -1
	for i, s := range variant.Segments {
		if s.SegmentID == currentSegmentID {
			startIdx = i + 1
			break
		}
	}
	if startIdx < 0 {
		return
	}

	go func() {
		fetched := 0
		for i := startIdx; i < len(variant.Segments) && fetched < count; i++ {
			seg := variant.Segments[i]
			key := domain.SegmentKey(c.stream, quality, seg.SegmentID)

			c.mu.Lock()
			if _, already := c.prefetched[key]; already {
				c.mu.Unlock()
				continue
			}
			c.prefetched[key] = struct{}{}
			c.mu.Unlock()

			if c.cache.Has(key) {
				continue
			}
			if _, err := c.arbiter.Fetch(ctx, seg, ports.FetchOptions{Priority: -1}); err != nil {
				c.log.Debugw("prefetch fetch failed", "segment", seg.SegmentID, "error", err)
				continue
			}
			fetched++
		}
		if c.onPrefetchComplete != nil {
			c.onPrefetchComplete(fetched, quality)
		}
	}()
}

// Tick evaluates the quality-selector decision given the current bandwidth
// estimate and buffer state and, when the selector picks a different
// quality, performs the switch through SetQuality with reason abr. It
// returns without acting while a switch is already in progress.
func (c *Controller) Tick(ctx context.Context, bufferAhead float64) {
	quality, ok := c.CurrentQuality()
	if !ok {
		return
	}
	c.mu.RLock()
	master := c.master
	switching := c.switching
	c.mu.RUnlock()
	if master == nil || switching {
		return
	}

	targetDuration := c.opts.BufferTargetDuration
	if variant, ok := c.Variant(quality); ok && variant.TargetDuration > 0 {
		targetDuration = variant.TargetDuration
	}

	next := c.selector.SelectQuality(master.Qualities, quality, bufferAhead, targetDuration, c.estimator.Estimate())
	if next == quality {
		return
	}
	if err := c.SetQuality(ctx, next, domain.ReasonABR); err != nil {
		c.log.Warnw("abr quality switch failed", "target", next, "error", err)
	}
}

var _ ports.ABRController = (*Controller)(nil)
