// Package buffer implements the Buffer Controller (C8): the periodic
// tick loop that classifies buffer health and drives prefetch, and the
// serial append-queue processor that feeds the Media Sink Adapter.
// Grounded on the teacher's internal/core/mediasink actor-mailbox idiom
// for serializing access to shared state, and on pkg/batch/batcher.go's
// periodic-flush-plus-explicit-trigger shape for the tick loop.
package buffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/events"
	"swarmplayer/internal/core/ports"
)

// Fetcher is the narrow seam the Buffer Controller needs from the Fetch
// Arbiter — exactly its Fetch method, injected by the Coordinator per
// spec §4.9 ("injecting the Arbiter's fetch as the Buffer Controller's
// fetch callback").
type Fetcher interface {
	Fetch(ctx context.Context, seg domain.SegmentDescriptor, opts ports.FetchOptions) (domain.FetchResult, error)
}

// Event is emitted by the Buffer Controller for buffer-level transitions,
// append completions, and the periodic ABR-reconsideration signal.
type Event struct {
	Name        string
	Level       domain.BufferLevel
	Segment     domain.SegmentDescriptor
	BufferAhead float64
}

// Options tunes Controller behavior from the Config Store snapshot.
type Options struct {
	BufferMinThreshold   float64
	BufferMaxThreshold   float64
	BufferTargetDuration float64
	PrefetchWindowAhead  float64
	PrefetchWindowBehind float64
	MaxConcurrentFetches int
	TickInterval         time.Duration // default 1s, 500ms for responsive mode
	CleanupInterval      time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Second
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = 6
	}
	return o
}

// Controller is C8.
type Controller struct {
	sink   ports.MediaSink
	fetch  Fetcher
	opts   Options
	log    *zap.SugaredLogger
	events *events.Emitter[Event]

	stream domain.StreamID

	mu                   sync.Mutex
	quality              domain.QualityID
	segments             []domain.SegmentDescriptor
	currentTime          float64
	seeking              bool
	queue                domain.AppendQueueState
	fetchingSegments     map[string]struct{}
	criticalInFlight     bool
	lastCriticalAttempt  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Controller.
func New(stream domain.StreamID, sink ports.MediaSink, fetch Fetcher, opts Options, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{
		sink:   sink,
		fetch:  fetch,
		opts:   opts.withDefaults(),
		log:    log,
		events: events.NewEmitter[Event](log),
		stream: stream,
		queue: domain.AppendQueueState{
			Appended: make(map[string]struct{}),
		},
		fetchingSegments: make(map[string]struct{}),
	}
}

// On subscribes to Controller events (bufferLevel, segmentAppended,
// qualitySwitch, error).
func (c *Controller) On(name string, fn events.Listener[Event]) func() {
	return c.events.On(name, fn)
}

// Start launches the tick and periodic-cleanup loops.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.tickLoop(ctx)
}

// Stop halts the tick and cleanup loops.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	c.wg.Wait()
}

func (c *Controller) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(c.opts.CleanupInterval)
	defer cleanup.Stop()

	c.mu.Lock()
	stopCh := c.stopCh
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-cleanup.C:
			c.periodicCleanup()
		case <-ticker.C:
			c.mu.Lock()
			if !c.seeking {
				c.currentTime += c.opts.TickInterval.Seconds()
			}
			c.mu.Unlock()
			c.tick(ctx)
		}
	}
}

// tick reads the sink's buffer status, classifies it, and triggers the
// matching prefetch algorithm per spec §4.8.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	currentTime := c.currentTime
	c.mu.Unlock()

	bufferedAhead := c.sink.GetBufferedAhead(currentTime)
	level := classifyBufferLevel(bufferedAhead, c.opts)

	if level == domain.BufferCritical || level == domain.BufferLow || level == domain.BufferNormal {
		if c.noUnappendedSegmentsRemain(currentTime) {
			level = domain.BufferNormal
		}
	}

	c.events.Emit("bufferLevel", Event{Name: "bufferLevel", Level: level, BufferAhead: bufferedAhead})
	c.events.Emit("qualitySwitch", Event{Name: "qualitySwitch", BufferAhead: bufferedAhead})

	switch level {
	case domain.BufferCritical:
		c.criticalPrefetch(ctx, currentTime)
	case domain.BufferLow, domain.BufferNormal:
		c.standardPrefetch(ctx, currentTime)
	case domain.BufferHigh:
		// no prefetch
	}

	go c.processAppendQueue()
}

func classifyBufferLevel(bufferedAhead float64, opts Options) domain.BufferLevel {
	switch {
	case bufferedAhead < opts.BufferMinThreshold/3:
		return domain.BufferCritical
	case bufferedAhead < opts.BufferMinThreshold:
		return domain.BufferLow
	case bufferedAhead < opts.BufferTargetDuration:
		return domain.BufferNormal
	case bufferedAhead > opts.BufferMaxThreshold:
		return domain.BufferHigh
	default:
		return domain.BufferNormal
	}
}

// noUnappendedSegmentsRemain suppresses critical/low signals near end of
// stream, when every segment at or after the current position is already
// appended.
func (c *Controller) noUnappendedSegmentsRemain(currentTime float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.segments {
		if s.End() <= currentTime {
			continue
		}
		key := domain.AppendedKey(c.quality, s.SegmentID)
		if _, ok := c.queue.Appended[key]; !ok {
			return false
		}
	}
	return true
}

// periodicCleanup prunes the appended-set outside the window
// [currentTime-(behind+120s), currentTime+(ahead+120s)].
func (c *Controller) periodicCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	currentTime := c.currentTime
	lo := currentTime - (c.opts.PrefetchWindowBehind + 120)
	hi := currentTime + (c.opts.PrefetchWindowAhead + 120)

	for _, s := range c.segments {
		if s.Timestamp < lo || s.Timestamp > hi {
			delete(c.queue.Appended, domain.AppendedKey(c.quality, s.SegmentID))
		}
	}
}

func sortQueue(pending []domain.AppendRequest) {
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
}

var _ ports.BufferController = (*Controller)(nil)
