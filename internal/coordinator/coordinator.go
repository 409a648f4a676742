// Package coordinator implements the Coordinator (C9): it wires the other
// eight components together, drives the startup sequence, and brokers
// runtime events between them (who-has replies, buffer-driven ABR ticks,
// manual quality overrides, seeks). Grounded on the teacher's
// cmd/ingest/main.go wiring order (config → repositories → services →
// transport → routes), adapted from an HTTP-API-server boot sequence to a
// single playback session's component graph.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"swarmplayer/internal/core/abr"
	"swarmplayer/internal/core/buffer"
	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/events"
	"swarmplayer/internal/core/ports"
	"swarmplayer/internal/infrastructure/signaling"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/tracing"
)

// PlaylistFetcher is the narrow seam the Coordinator needs to load the
// master playlist; the ABR Controller owns variant/init/segment fetching
// once initialized.
type PlaylistFetcher interface {
	FetchText(ctx context.Context, url string) ([]byte, error)
}

// BufferController extends ports.BufferController with the event
// subscription the Coordinator needs to react to buffer-level transitions;
// ports.go omits it because the Buffer Controller's event feed is wiring,
// not a client-facing operation.
type BufferController interface {
	ports.BufferController
	On(name string, fn events.Listener[buffer.Event]) func()
}

// SignalingClient likewise extends ports.SignalingClient with the inbound
// event feed (who-has replies, forwarded SDP/ICE) the Coordinator dispatches.
type SignalingClient interface {
	ports.SignalingClient
	On(name string, fn events.Listener[signaling.Event]) func()
}

// ABRController likewise extends ports.ABRController with the
// quality-changed callback the Coordinator uses to drive the media sink and
// buffer controller side of a quality switch.
type ABRController interface {
	ports.ABRController
	OnQualityChanged(fn func(quality domain.QualityID, reason domain.QualitySwitchReason))
}

// Event is emitted for session-level lifecycle and is what a host
// application (player UI, test harness) subscribes to.
type Event struct {
	Name    string
	Quality domain.QualityID
	Err     error
}

// Options configures a Coordinator from the Config Store snapshot plus
// session-specific identifiers.
type Options struct {
	Stream            domain.StreamID
	ClientID          string
	MasterPlaylistURL string
}

// Coordinator is C9.
type Coordinator struct {
	opts Options
	log  *zap.SugaredLogger

	cfg       ports.ConfigStore
	cache     ports.Cache
	sink      ports.MediaSink
	signaling SignalingClient
	peers     ports.PeerManager
	abrCtrl   ABRController
	bufCtrl   BufferController
	fetcher   PlaylistFetcher

	events *events.Emitter[Event]

	mu         sync.Mutex
	manualMode bool
	master     *domain.MasterPlaylist
}

// New constructs a Coordinator and wires runtime event subscriptions
// between the components (spec §4.9). Every dependency beyond the
// event-emitting three is a narrow port so tests can substitute fakes for
// all eight dependencies.
func New(
	opts Options,
	cfg ports.ConfigStore,
	cache ports.Cache,
	sink ports.MediaSink,
	sig SignalingClient,
	peers ports.PeerManager,
	abrCtrl ABRController,
	bufCtrl BufferController,
	fetcher PlaylistFetcher,
	log *zap.SugaredLogger,
) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	co := &Coordinator{
		opts:      opts,
		log:       log,
		cfg:       cfg,
		cache:     cache,
		sink:      sink,
		signaling: sig,
		peers:     peers,
		abrCtrl:   abrCtrl,
		bufCtrl:   bufCtrl,
		fetcher:   fetcher,
		events:    events.NewEmitter[Event](log),
	}

	co.signaling.On("whoHasReply", func(ev signaling.Event) {
		for _, peerID := range ev.WhoHas.Peers {
			co.peers.UpdateAvailability(domain.PeerID(peerID), []string{ev.WhoHas.SegmentID})
		}
	})
	co.bufCtrl.On("qualitySwitch", func(ev buffer.Event) {
		co.OnBufferSignal(context.Background(), ev.BufferAhead)
	})
	co.abrCtrl.OnQualityChanged(co.OnABRQualityChanged)
	co.cfg.Subscribe(func(snapshot ports.Config) {
		co.log.Debugw("config updated", "base_url", snapshot.BaseURL, "max_active_peers", snapshot.MaxActivePeers)
	})

	return co
}

// On subscribes to Coordinator events ("ready", "error", "qualityChanged").
func (co *Coordinator) On(name string, fn events.Listener[Event]) func() {
	return co.events.On(name, fn)
}

// Initialize runs the startup sequence from spec §4.9: connect signaling,
// fetch and parse the master playlist, initialize ABR (which loads every
// variant and installs a starting quality), attach the Media Sink, append
// the starting init segment, and start the Buffer Controller.
func (co *Coordinator) Initialize(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.initialize",
		trace.WithAttributes(tracing.StreamIDKey.String(string(co.opts.Stream))))
	defer span.End()

	if err := co.signaling.Connect(ctx, co.opts.ClientID, string(co.opts.Stream)); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("connect signaling: %w", err)
	}

	raw, err := co.fetcher.FetchText(ctx, co.opts.MasterPlaylistURL)
	if err != nil {
		return fmt.Errorf("fetch master playlist: %w", err)
	}
	master, variantURIs, err := abr.ParseMasterPlaylist(co.opts.Stream, raw)
	if err != nil {
		return fmt.Errorf("parse master playlist: %w", err)
	}
	co.mu.Lock()
	co.master = master
	co.mu.Unlock()
	_ = co.cache.Set(domain.MasterKey(co.opts.Stream), domain.CacheEntry{
		Key: domain.MasterKey(co.opts.Stream), Kind: domain.CacheKindMaster, Master: master, IsHot: true,
	})

	if err := co.abrCtrl.Initialize(ctx, master, variantURIs); err != nil {
		return fmt.Errorf("initialize abr: %w", err)
	}

	quality, ok := co.abrCtrl.CurrentQuality()
	if !ok {
		return apperrors.NewInvalidStateError("abr did not settle on a starting quality")
	}
	variant, ok := co.abrCtrl.Variant(quality)
	if !ok {
		return apperrors.NewInvalidStateError("starting variant playlist not loaded")
	}
	init, ok := co.abrCtrl.InitSegmentFor(quality)
	if !ok {
		return apperrors.NewInvalidStateError("starting init segment not loaded")
	}

	mime := mimeFor(master, quality)
	if err := co.sink.Initialize(mime); err != nil {
		return fmt.Errorf("initialize media sink: %w", err)
	}
	co.sink.SetDuration(variant.TotalDuration)
	if err := co.sink.AppendInit(init); err != nil {
		return fmt.Errorf("append starting init segment: %w", err)
	}

	co.bufCtrl.OnQualitySwitch(quality, variant.Segments, init, true)
	co.bufCtrl.Start(ctx)

	co.events.Emit("ready", Event{Name: "ready", Quality: quality})
	return nil
}

// OnBufferSignal is invoked on the Buffer Controller's periodic
// "qualitySwitch" event; it asks the ABR Controller to reconsider unless a
// manual override is active, per spec §4.9 ("ABR decisions are suppressed
// while in manual mode").
func (co *Coordinator) OnBufferSignal(ctx context.Context, bufferAhead float64) {
	co.mu.Lock()
	manual := co.manualMode
	co.mu.Unlock()
	if manual {
		return
	}
	co.abrCtrl.Tick(ctx, bufferAhead)
}

// OnABRQualityChanged is wired as the ABR Controller's OnQualityChanged
// callback; it performs the quality-switch orchestration from spec §4.2:
// Media Sink switchQuality, then inform the Buffer Controller of the new
// (quality, segments, init) triple with skipInitAppend=true (the sink
// already has the init from the ABR-driven ensureInit).
func (co *Coordinator) OnABRQualityChanged(quality domain.QualityID, reason domain.QualitySwitchReason) {
	init, ok := co.abrCtrl.InitSegmentFor(quality)
	if !ok {
		co.events.Emit("error", Event{Name: "error", Err: apperrors.NewInvalidStateError("quality switch with no init segment")})
		return
	}
	if err := co.sink.SwitchQuality(quality, init); err != nil {
		co.events.Emit("error", Event{Name: "error", Err: err})
		return
	}

	variant, ok := co.abrCtrl.Variant(quality)
	if !ok {
		co.events.Emit("error", Event{Name: "error", Err: apperrors.NewInvalidStateError("quality switch with no variant playlist")})
		return
	}
	co.bufCtrl.OnQualitySwitch(quality, variant.Segments, init, true)
	co.events.Emit("qualityChanged", Event{Name: "qualityChanged", Quality: quality})
}

// SetManualQuality disables ABR and switches directly to quality, per spec
// §4.9's manual-override latch.
func (co *Coordinator) SetManualQuality(ctx context.Context, quality domain.QualityID) error {
	co.mu.Lock()
	co.manualMode = true
	co.mu.Unlock()
	return co.abrCtrl.SetQuality(ctx, quality, domain.ReasonManual)
}

// ClearManualQuality re-enables ABR-driven switching.
func (co *Coordinator) ClearManualQuality() {
	co.mu.Lock()
	co.manualMode = false
	co.mu.Unlock()
}

// Seek drives the media sink and both playback-feeding components through a
// user-initiated seek: the Buffer Controller drops its stale pending queue
// first, then the ABR Controller resolves and caches a window around t, and
// finally the Buffer Controller rebuilds its own prefetch window from the
// current position.
func (co *Coordinator) Seek(ctx context.Context, t float64) error {
	co.bufCtrl.OnSeeking()
	if err := co.sink.Seek(t); err != nil {
		return fmt.Errorf("seek media sink: %w", err)
	}
	// ABR.Seek resolves and caches the seek window itself; the sink's init
	// segment doesn't change on a same-quality seek, so init is unused here.
	// The Buffer Controller's own OnSeeked rebuilds its prefetch window and
	// picks those segments up from the cache without a duplicate fetch.
	if _, _, err := co.abrCtrl.Seek(ctx, t); err != nil {
		return fmt.Errorf("abr seek: %w", err)
	}
	co.bufCtrl.OnSeeked(t)
	return nil
}

// Play resumes playback.
func (co *Coordinator) Play() error { return co.sink.Play() }

// Pause pauses playback.
func (co *Coordinator) Pause() error { return co.sink.Pause() }

// Destroy tears the session down in reverse dependency order.
func (co *Coordinator) Destroy() {
	co.bufCtrl.Stop()
	co.sink.Destroy()
	co.peers.Destroy()
	co.signaling.Destroy()
	co.events.RemoveAll()
}

func mimeFor(master *domain.MasterPlaylist, quality domain.QualityID) string {
	for _, q := range master.Qualities {
		if q.ID == quality && q.Codecs != "" {
			return fmt.Sprintf(`video/mp4; codecs="%s"`, q.Codecs)
		}
	}
	return "video/mp4"
}
