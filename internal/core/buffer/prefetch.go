package buffer

import (
	"context"
	"math"
	"sort"
	"time"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
)

const (
	criticalPrefetchDebounce = time.Second
	criticalBatchSize        = 5
	seekSegmentsBefore       = 5
	seekSegmentsAfter        = 10
	qualitySwitchLookahead   = 3
)

// criticalPrefetch fetches up to criticalBatchSize segments starting at
// the current position with critical=true (the Arbiter skips peers),
// debounced per spec §4.8.
func (c *Controller) criticalPrefetch(ctx context.Context, currentTime float64) {
	c.mu.Lock()
	if c.criticalInFlight || time.Since(c.lastCriticalAttempt) < criticalPrefetchDebounce {
		c.mu.Unlock()
		return
	}
	c.criticalInFlight = true
	c.lastCriticalAttempt = time.Now()
	targets := c.pendingSegmentsFromLocked(currentTime, criticalBatchSize)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.criticalInFlight = false
			c.mu.Unlock()
		}()
		for _, seg := range targets {
			c.fetchAndQueue(ctx, seg, ports.FetchOptions{Critical: true}, 100, false)
		}
	}()
}

// pendingSegmentsFromLocked returns up to n not-yet-appended,
// not-in-flight segments starting at or after currentTime, in order.
// Caller holds c.mu.
func (c *Controller) pendingSegmentsFromLocked(currentTime float64, n int) []domain.SegmentDescriptor {
	var out []domain.SegmentDescriptor
	for _, s := range c.segments {
		if s.End() <= currentTime {
			continue
		}
		if c.isDoneOrInFlightLocked(s) {
			continue
		}
		out = append(out, s)
		if len(out) >= n {
			break
		}
	}
	return out
}

func (c *Controller) isDoneOrInFlightLocked(s domain.SegmentDescriptor) bool {
	appendedKey := domain.AppendedKey(c.quality, s.SegmentID)
	if _, done := c.queue.Appended[appendedKey]; done {
		return true
	}
	fetchKey := domain.SegmentKey(c.stream, s.Quality, s.SegmentID)
	_, inFlight := c.fetchingSegments[fetchKey]
	return inFlight
}

// standardPrefetch enumerates a window around currentTime and fetches the
// closest not-yet-appended/not-in-flight segments, priority
// 50-|distance| per spec §4.8.
func (c *Controller) standardPrefetch(ctx context.Context, currentTime float64) {
	c.mu.Lock()
	targetDuration := c.opts.BufferTargetDuration
	behindCount := windowCount(c.opts.PrefetchWindowBehind, targetDuration)
	aheadCount := windowCount(c.opts.PrefetchWindowAhead, targetDuration)

	type candidate struct {
		seg      domain.SegmentDescriptor
		distance float64
	}
	var candidates []candidate
	for _, s := range c.segments {
		if c.isDoneOrInFlightLocked(s) {
			continue
		}
		distance := (s.Timestamp - currentTime) / maxFloat(targetDuration, 1)
		if distance < -float64(behindCount) || distance > float64(aheadCount) {
			continue
		}
		candidates = append(candidates, candidate{seg: s, distance: distance})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].distance) < math.Abs(candidates[j].distance)
	})
	max := c.opts.MaxConcurrentFetches
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	c.mu.Unlock()

	for _, cand := range candidates {
		priority := 50 - int(math.Abs(cand.distance))
		c.fetchAndQueue(ctx, cand.seg, ports.FetchOptions{}, priority, false)
	}
}

// OnSeeking drains the pending queue since it is now irrelevant.
func (c *Controller) OnSeeking() {
	c.mu.Lock()
	c.seeking = true
	c.queue.Pending = nil
	c.mu.Unlock()
}

// OnSeeked reseats the next-expected index and fetches a symmetric window
// around the seek time, closest first, marked forSeek.
func (c *Controller) OnSeeked(t float64) {
	c.mu.Lock()
	c.currentTime = t
	targetIdx := -1
	for i, s := range c.segments {
		if t >= s.Timestamp && t < s.End() {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		c.seeking = false
		c.mu.Unlock()
		return
	}
	c.queue.NextExpectedIndex = c.segments[targetIdx].Index
	lo := targetIdx - seekSegmentsBefore
	hi := targetIdx + seekSegmentsAfter
	if lo < 0 {
		lo = 0
	}
	if hi >= len(c.segments) {
		hi = len(c.segments) - 1
	}
	window := append([]domain.SegmentDescriptor(nil), c.segments[lo:hi+1]...)
	c.seeking = false
	c.mu.Unlock()

	sort.Slice(window, func(i, j int) bool {
		return absInt(window[i].Index-targetIdx) < absInt(window[j].Index-targetIdx)
	})
	for _, seg := range window {
		distance := seg.Index - targetIdx
		if distance < 0 {
			distance = -distance
		}
		priority := 100 - 5*distance
		c.fetchAndQueue(context.Background(), seg, ports.FetchOptions{ForSeek: true}, priority, true)
	}
}

// OnQualitySwitch installs the new variant's segment list and fetches the
// first qualitySwitchLookahead segments following the current position,
// the first marked critical, per spec §4.8.
func (c *Controller) OnQualitySwitch(quality domain.QualityID, segments []domain.SegmentDescriptor, init domain.InitSegment, skipInitAppend bool) {
	c.mu.Lock()
	c.quality = quality
	c.segments = segments
	currentTime := c.currentTime

	nextIdx := -1
	for i, s := range segments {
		if s.Timestamp > currentTime {
			nextIdx = i
			break
		}
	}
	if nextIdx < 0 {
		c.mu.Unlock()
		return
	}
	c.queue.NextExpectedIndex = segments[nextIdx].Index

	hi := nextIdx + qualitySwitchLookahead
	if hi > len(segments) {
		hi = len(segments)
	}
	targets := append([]domain.SegmentDescriptor(nil), segments[nextIdx:hi]...)
	c.mu.Unlock()

	if !skipInitAppend {
		_ = c.sink.AppendInit(init)
	}

	for offset, seg := range targets {
		if offset == 0 {
			c.fetchAndQueue(context.Background(), seg, ports.FetchOptions{Critical: true}, 120, false)
			continue
		}
		priority := 90 - 10*offset
		c.fetchAndQueue(context.Background(), seg, ports.FetchOptions{}, priority, false)
	}
}

// fetchAndQueue fetches seg via the injected Arbiter callback, suppressing
// duplicate in-flight requests, and queues the result for append on
// success.
func (c *Controller) fetchAndQueue(ctx context.Context, seg domain.SegmentDescriptor, opts ports.FetchOptions, priority int, forSeek bool) {
	key := domain.SegmentKey(c.stream, seg.Quality, seg.SegmentID)

	c.mu.Lock()
	if _, inFlight := c.fetchingSegments[key]; inFlight {
		c.mu.Unlock()
		return
	}
	c.fetchingSegments[key] = struct{}{}
	c.mu.Unlock()

	result, err := c.fetch.Fetch(ctx, seg, opts)
	if err != nil {
		c.mu.Lock()
		delete(c.fetchingSegments, key)
		c.mu.Unlock()
		c.log.Debugw("prefetch fetch failed", "segment", seg.SegmentID, "error", err)
		return
	}
	c.QueueSegmentForAppend(seg, result.Bytes, priority, forSeek)
}

func windowCount(windowSeconds, targetDuration float64) int {
	if targetDuration <= 0 {
		return 0
	}
	return int(math.Ceil(windowSeconds / targetDuration))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
