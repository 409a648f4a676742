// Package mediasink implements the Media Sink Adapter (C3): it owns the
// media-source attachment over a single append buffer and serializes every
// append/remove operation through a single-goroutine actor loop, mirroring
// the source-buffer "updateend" serialization the spec describes.
package mediasink

import (
	"sync"

	"go.uber.org/zap"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/events"
	apperrors "swarmplayer/pkg/errors"
)

// State is the adapter's lifecycle state machine (Design Notes §9).
type State string

const (
	StateIdle      State = "idle"
	StateAppending State = "appending"
	StateSwitching State = "switching"
	StateDestroyed State = "destroyed"
)

// RawSink is the injectable append target — in production this binds to a
// platform media-source attachment; tests supply an in-memory fake.
type RawSink interface {
	SetMimeType(mime string) error
	Append(data []byte) error
	Remove(start, end float64) error
	Abort()
}

// job is one queued mutating operation; run is executed on the actor
// goroutine and done is closed once it (and its simulated update-end)
// completes.
type job struct {
	run  func() error
	done chan error
}

// Adapter is C3.
type Adapter struct {
	mu             sync.Mutex
	state          State
	sink           RawSink
	mime           string
	duration       float64
	currentTime    float64
	currentQuality domain.QualityID
	hasInit        bool
	ranges         []domain.BufferRange
	playback       domain.PlaybackState

	events *events.Emitter[Event]
	log    *zap.SugaredLogger

	mailbox chan job
	stop    chan struct{}
}

// Event is emitted by the adapter for state/quality/playback transitions.
type Event struct {
	Name    string
	Quality domain.QualityID
	State   domain.PlaybackState
}

const safeOffset = 0.5 // seconds, spec §4.3 step 3

// New constructs an Adapter over sink and starts its serial actor loop.
func New(sink RawSink, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Adapter{
		state:   StateIdle,
		sink:    sink,
		events:  events.NewEmitter[Event](log),
		log:     log,
		mailbox: make(chan job, 64),
		stop:    make(chan struct{}),
	}
	go a.run()
	return a
}

// On subscribes to adapter events (qualityChanged, playbackStateChanged, error).
func (a *Adapter) On(name string, fn events.Listener[Event]) func() {
	return a.events.On(name, fn)
}

func (a *Adapter) run() {
	for {
		select {
		case j := <-a.mailbox:
			j.done <- j.run()
		case <-a.stop:
			return
		}
	}
}

// enqueue submits fn to the serial actor and blocks for its completion,
// modeling "queues behind any in-flight update and resolves only after its
// update-end event".
func (a *Adapter) enqueue(fn func() error) error {
	j := job{run: fn, done: make(chan error, 1)}
	select {
	case a.mailbox <- j:
	case <-a.stop:
		return apperrors.NewMediaSinkError(nil, "adapter destroyed")
	}
	select {
	case err := <-j.done:
		return err
	case <-a.stop:
		return apperrors.NewMediaSinkError(nil, "adapter destroyed")
	}
}

// Initialize sets the declared codec mime type.
func (a *Adapter) Initialize(mime string) error {
	return a.enqueue(func() error {
		a.mu.Lock()
		a.mime = mime
		a.mu.Unlock()
		return a.sink.SetMimeType(mime)
	})
}

// SetDuration records the total known duration.
func (a *Adapter) SetDuration(seconds float64) {
	a.mu.Lock()
	a.duration = seconds
	a.mu.Unlock()
}

// AppendInit appends an init segment for quality, marking hasInit.
func (a *Adapter) AppendInit(init domain.InitSegment) error {
	return a.enqueue(func() error {
		if err := a.sink.Append(init.Bytes); err != nil {
			a.emitError(err)
			return apperrors.NewMediaSinkError(err, "init append failed")
		}
		a.mu.Lock()
		a.hasInit = true
		a.currentQuality = init.Quality
		a.mu.Unlock()
		return nil
	})
}

// AppendMedia appends a media segment; rejects if no init has been appended.
func (a *Adapter) AppendMedia(bytes []byte) error {
	a.mu.Lock()
	hasInit := a.hasInit
	a.mu.Unlock()
	if !hasInit {
		return apperrors.NewInternalError("appendMedia called before an init segment")
	}
	return a.enqueue(func() error {
		a.setState(StateAppending)
		defer a.setState(StateIdle)
		if err := a.sink.Append(bytes); err != nil {
			a.emitError(err)
			return apperrors.NewMediaSinkError(err, "media append failed")
		}
		return nil
	})
}

// RemoveRange removes [start,end) from the append buffer.
func (a *Adapter) RemoveRange(start, end float64) error {
	return a.enqueue(func() error {
		if err := a.sink.Remove(start, end); err != nil {
			a.emitError(err)
			return apperrors.NewMediaSinkError(err, "remove range failed")
		}
		a.mu.Lock()
		a.ranges = trimRanges(a.ranges, start, end)
		a.mu.Unlock()
		return nil
	})
}

// SwitchQuality runs the five-step quality-switch protocol (spec §4.3),
// preserving I1 and I5.
func (a *Adapter) SwitchQuality(newQuality domain.QualityID, newInit domain.InitSegment) error {
	return a.enqueue(func() error {
		a.setState(StateSwitching)
		defer a.setState(StateIdle)

		a.mu.Lock()
		currentTime := a.currentTime
		ranges := append([]domain.BufferRange(nil), a.ranges...)
		a.mu.Unlock()

		cut := currentTime + safeOffset
		var kept []domain.BufferRange
		for _, r := range ranges {
			if r.End > cut {
				if err := a.sink.Remove(cut, r.End); err != nil {
					a.emitError(err)
					return apperrors.NewMediaSinkError(err, "remove during quality switch failed")
				}
				if r.Start < cut {
					kept = append(kept, domain.BufferRange{Start: r.Start, End: cut})
				}
				continue
			}
			kept = append(kept, r)
		}

		a.mu.Lock()
		a.ranges = kept
		a.mu.Unlock()

		if err := a.sink.Append(newInit.Bytes); err != nil {
			a.emitError(err)
			return apperrors.NewMediaSinkError(err, "init append during quality switch failed")
		}

		a.mu.Lock()
		a.currentQuality = newQuality
		a.mu.Unlock()

		a.events.Emit("qualityChanged", Event{Name: "qualityChanged", Quality: newQuality})
		return nil
	})
}

// Seek updates the tracked playback position; the Buffer Controller reacts
// to the accompanying seeking/seeked signal separately.
func (a *Adapter) Seek(t float64) error {
	a.mu.Lock()
	a.currentTime = t
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Play() error {
	a.setPlayback(domain.PlaybackPlaying)
	return nil
}

func (a *Adapter) Pause() error {
	a.mu.Lock()
	ended := a.playback == domain.PlaybackEnded
	a.mu.Unlock()
	if ended {
		return nil
	}
	a.setPlayback(domain.PlaybackPaused)
	return nil
}

func (a *Adapter) GetBufferedRanges() []domain.BufferRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.BufferRange, len(a.ranges))
	copy(out, a.ranges)
	return out
}

func (a *Adapter) GetBufferedAhead(currentTime float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.ranges {
		if currentTime >= r.Start && currentTime <= r.End {
			return r.End - currentTime
		}
	}
	return 0
}

func (a *Adapter) EndOfStream() error {
	return a.enqueue(func() error {
		a.setPlayback(domain.PlaybackEnded)
		return nil
	})
}

func (a *Adapter) PlaybackState() domain.PlaybackState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playback
}

// Destroy tears down the adapter: the run loop is stopped and any
// in-flight jobs unblock with a destroyed error.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.state == StateDestroyed {
		a.mu.Unlock()
		return
	}
	a.state = StateDestroyed
	a.mu.Unlock()
	a.sink.Abort()
	close(a.stop)
}

// RecordAppendedRange extends the buffered ranges to reflect bytes the
// caller just appended via AppendMedia, coalescing with the prior range
// when contiguous. Exposed for the Buffer Controller / ABR Controller to
// call after a successful append, since this adapter has no real
// media-element update-end event to read ranges from.
func (a *Adapter) RecordAppendedRange(start, end float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = mergeRange(a.ranges, domain.BufferRange{Start: start, End: end})
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) setPlayback(s domain.PlaybackState) {
	a.mu.Lock()
	a.playback = s
	a.mu.Unlock()
	a.events.Emit("playbackStateChanged", Event{Name: "playbackStateChanged", State: s})
}

func (a *Adapter) emitError(err error) {
	a.log.Errorw("media sink error", "error", err)
	a.events.Emit("error", Event{Name: "error"})
}

func trimRanges(ranges []domain.BufferRange, cutStart, cutEnd float64) []domain.BufferRange {
	var out []domain.BufferRange
	for _, r := range ranges {
		if r.End <= cutStart || r.Start >= cutEnd {
			out = append(out, r)
			continue
		}
		if r.Start < cutStart {
			out = append(out, domain.BufferRange{Start: r.Start, End: cutStart})
		}
		if r.End > cutEnd {
			out = append(out, domain.BufferRange{Start: cutEnd, End: r.End})
		}
	}
	return out
}

func mergeRange(ranges []domain.BufferRange, next domain.BufferRange) []domain.BufferRange {
	for i, r := range ranges {
		if next.Start <= r.End+0.01 && next.End >= r.Start-0.01 {
			merged := domain.BufferRange{Start: minF(r.Start, next.Start), End: maxF(r.End, next.End)}
			ranges[i] = merged
			return ranges
		}
	}
	return append(ranges, next)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
