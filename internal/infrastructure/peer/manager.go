// Package peer implements the Peer Manager (C5): it owns remote peer
// connections and the data-channel segment-fetch protocol. Grounded on the
// teacher's internal/infrastructure/webrtc/sfu.go — the same
// zap.SugaredLogger field style and OnICEConnectionStateChange/
// OnConnectionStateChange handler wiring, repurposed from RTP-track SFU
// forwarding to ordered-data-channel segment requests.
package peer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/tracing"
	"swarmplayer/pkg/validation"
)

// SegmentProvider is the read side of the Cache (C2) the Peer Manager needs
// to serve segments to requesting peers, mirroring the Fetch Arbiter's own
// cache lookup (internal/core/arbiter/arbiter.go). A narrow interface keeps
// the manager testable against a fake without importing the concrete cache.
type SegmentProvider interface {
	Get(key string) (domain.CacheEntry, bool)
}

// DataChannel is the subset of *webrtc.DataChannel the manager depends on;
// abstracted so the fetch/protocol/scoring logic can be exercised against a
// fake in tests, mirroring the Media Sink Adapter's RawSink seam.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(webrtc.DataChannelMessage))
}

// Signaler is the slice of the Signaling Client the Peer Manager drives.
type Signaler interface {
	SendOffer(to, streamID, sdp string)
	SendAnswer(to, streamID, sdp string)
	SendIceCandidate(to, streamID, candidate string)
}

type fetchOutcome struct {
	bytes []byte
	err   error
}

type conn struct {
	record      *domain.PeerRecord
	pc          *webrtc.PeerConnection
	dc          DataChannel
	mu          sync.Mutex
	pending     map[string]chan fetchOutcome
	lastOfferAt time.Time
	idleTimer   *time.Timer
}

// Options configures a Manager.
type Options struct {
	MaxActivePeers        int
	MinActivePeers        int
	PeerScoreThreshold    float64
	ConnectionTimeout     time.Duration
	StaggeredRequestDelay time.Duration
	RetryDelayBase        time.Duration
	FetchTimeout          time.Duration
	ICEServers            []webrtc.ICEServer
	IdleDisconnectAfter   time.Duration
	InboundOfferDebounce  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxActivePeers <= 0 {
		o.MaxActivePeers = 6
	}
	if o.StaggeredRequestDelay <= 0 {
		o.StaggeredRequestDelay = 50 * time.Millisecond
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = 200 * time.Millisecond
	}
	if o.FetchTimeout <= 0 || o.FetchTimeout > 3*time.Second {
		o.FetchTimeout = 3 * time.Second
	}
	if o.IdleDisconnectAfter <= 0 {
		o.IdleDisconnectAfter = 30 * time.Second
	}
	if o.InboundOfferDebounce <= 0 {
		o.InboundOfferDebounce = 500 * time.Millisecond
	}
	return o
}

// Manager is C5.
type Manager struct {
	opts     Options
	streamID string
	signaler Signaler
	log      *zap.SugaredLogger
	provider SegmentProvider

	mu    sync.Mutex
	conns map[domain.PeerID]*conn

	localAvailability map[string]struct{}

	requestCounter uint32
	staggerLimiter *rate.Limiter
}

// New constructs a Manager for the given stream.
func New(streamID string, opts Options, signaler Signaler, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	return &Manager{
		opts:              opts,
		streamID:          streamID,
		signaler:          signaler,
		log:               log,
		conns:             make(map[domain.PeerID]*conn),
		localAvailability: make(map[string]struct{}),
		staggerLimiter:    rate.NewLimiter(rate.Every(opts.StaggeredRequestDelay), 1),
	}
}

// WithSegmentProvider attaches the cache this manager serves segmentRequest
// frames from. Without it, the manager is leech-only: every
// "segmentRequest" it receives gets an error frame instead of segment
// bytes (spec §4.5 is still satisfied for the
// fetch-from-peer direction, but this peer never fetches-to-peer).
func (m *Manager) WithSegmentProvider(provider SegmentProvider) *Manager {
	m.provider = provider
	return m
}

// ConnectToPeer returns an existing usable record or creates one, evicting
// the lowest-scored connected peer first if the active count is at cap (I7).
func (m *Manager) ConnectToPeer(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "connect", string(id), m.streamID)
	defer span.End()

	m.mu.Lock()
	if existing, ok := m.conns[id]; ok {
		phase := existing.record.Phase
		if phase == domain.PhaseConnecting || phase == domain.PhaseConnected {
			m.mu.Unlock()
			return existing.record, nil
		}
	}
	if m.activeCountLocked() >= m.opts.MaxActivePeers {
		m.evictLowestScoredLocked()
	}
	m.mu.Unlock()

	pc, err := m.newPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewPeerError(fmt.Sprintf("create peer connection: %v", err))
	}

	dc, err := pc.CreateDataChannel("segments", nil)
	if err != nil {
		pc.Close()
		return nil, apperrors.NewPeerError(fmt.Sprintf("create data channel: %v", err))
	}

	record := &domain.PeerRecord{
		ID:           id,
		Phase:        domain.PhaseConnecting,
		Score:        0.5,
		Availability: make(map[string]struct{}),
		LastActiveAt: time.Now(),
	}
	c := &conn{record: record, pc: pc, dc: dc, pending: make(map[string]chan fetchOutcome)}
	m.wireConnectionHandlers(c)
	m.wireDataChannel(c, dc)

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, apperrors.NewPeerError(fmt.Sprintf("create offer: %v", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, apperrors.NewPeerError(fmt.Sprintf("set local description: %v", err))
	}
	m.signaler.SendOffer(string(id), m.streamID, offer.SDP)

	return record, nil
}

// HandleInboundOffer accepts an offer only if under the cap and outside the
// debounce window for a repeat from the same peer; tears down any existing
// record for the identity first.
func (m *Manager) HandleInboundOffer(ctx context.Context, from, sdp string) {
	if err := validation.ValidatePeerID(from); err != nil {
		m.log.Warnw("inbound offer rejected, invalid peer id", "peer_id", from, "error", err)
		return
	}
	id := domain.PeerID(from)

	m.mu.Lock()
	if existing, ok := m.conns[id]; ok {
		if time.Since(existing.lastOfferAt) < m.opts.InboundOfferDebounce {
			m.mu.Unlock()
			m.log.Debugw("duplicate inbound offer ignored (debounce)", "peer_id", from)
			return
		}
		existing.pc.Close()
		delete(m.conns, id)
	}
	if m.activeCountLocked() >= m.opts.MaxActivePeers {
		m.mu.Unlock()
		m.log.Warnw("inbound offer rejected, at capacity", "peer_id", from)
		return
	}
	m.mu.Unlock()

	pc, err := m.newPeerConnection()
	if err != nil {
		m.log.Warnw("failed to create peer connection for inbound offer", "peer_id", from, "error", err)
		return
	}

	record := &domain.PeerRecord{
		ID:           id,
		Phase:        domain.PhaseConnecting,
		Score:        0.5,
		Availability: make(map[string]struct{}),
		LastActiveAt: time.Now(),
	}
	c := &conn{record: record, pc: pc, pending: make(map[string]chan fetchOutcome), lastOfferAt: time.Now()}
	m.wireConnectionHandlers(c)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		c.dc = dc
		c.mu.Unlock()
		m.wireDataChannel(c, dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		m.log.Warnw("failed to set remote description for inbound offer", "peer_id", from, "error", err)
		pc.Close()
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.log.Warnw("failed to create answer", "peer_id", from, "error", err)
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.log.Warnw("failed to set local description for answer", "peer_id", from, "error", err)
		pc.Close()
		return
	}

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	m.signaler.SendAnswer(from, m.streamID, answer.SDP)
}

// HandleAnswer applies a remote answer only when the connection is
// awaiting one; otherwise logs and ignores.
func (m *Manager) HandleAnswer(from, sdp string) {
	c, ok := m.lookup(domain.PeerID(from))
	if !ok || c.record.Phase != domain.PhaseConnecting {
		m.log.Warnw("answer ignored, no connecting peer for identity", "peer_id", from)
		return
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		m.log.Warnw("failed to apply answer", "peer_id", from, "error", err)
	}
}

// HandleIceCandidate applies a remote ICE candidate only in a compatible
// phase; otherwise logs and ignores.
func (m *Manager) HandleIceCandidate(from, candidate string) {
	c, ok := m.lookup(domain.PeerID(from))
	if !ok || (c.record.Phase != domain.PhaseConnecting && c.record.Phase != domain.PhaseConnected) {
		m.log.Warnw("ice candidate ignored, peer not in a compatible phase", "peer_id", from)
		return
	}
	if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		m.log.Warnw("failed to add ice candidate", "peer_id", from, "error", err)
	}
}

// UpdateAvailability replaces the peer's advertised segment-key set.
func (m *Manager) UpdateAvailability(peerID domain.PeerID, segmentKeys []string) {
	c, ok := m.lookup(peerID)
	if !ok {
		return
	}
	c.mu.Lock()
	avail := make(map[string]struct{}, len(segmentKeys))
	for _, k := range segmentKeys {
		avail[k] = struct{}{}
	}
	c.record.Availability = avail
	c.mu.Unlock()
}

// BestPeersFor returns up to n connected peers advertising segmentKey,
// sorted by score desc then latency asc.
func (m *Manager) BestPeersFor(segmentKey string, n int) []*domain.PeerRecord {
	m.mu.Lock()
	candidates := make([]*domain.PeerRecord, 0, len(m.conns))
	for _, c := range m.conns {
		if c.record.Phase == domain.PhaseConnected && c.record.HasSegment(segmentKey) {
			candidates = append(candidates, c.record)
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Metrics.EWMALatencyMs < candidates[j].Metrics.EWMALatencyMs
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// FetchFromPeer runs the bounded-wait fetch protocol: stagger, verify the
// data channel is still open, send the request, wait for a response or
// timeout, and retry once (with backoff) for non-data-channel failures.
func (m *Manager) FetchFromPeer(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor) ([]byte, error) {
	return m.fetchFromPeerAttempt(ctx, peer, seg, 0)
}

func (m *Manager) fetchFromPeerAttempt(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor, attempt int) ([]byte, error) {
	c, ok := m.lookup(peer.ID)
	if !ok {
		return nil, apperrors.NewPeerError("peer connection no longer present")
	}

	delay := m.staggerDelay()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, apperrors.NewCancelledError("fetch from peer cancelled during stagger")
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, apperrors.NewPeerError("data channel not open")
	}

	requestID := fmt.Sprintf("%d", atomic.AddUint32(&m.requestCounter, 1))
	outcome := make(chan fetchOutcome, 1)
	c.mu.Lock()
	c.pending[requestID] = outcome
	c.mu.Unlock()

	frame, err := encodeSegmentRequest(requestID, seg.SegmentID, string(seg.Quality))
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, apperrors.NewInternalError("encode segment request failed")
	}
	if err := dc.SendText(string(frame)); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, apperrors.NewPeerError("data channel send failed")
	}

	timeout := m.opts.FetchTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case result := <-outcome:
		if result.err != nil {
			return m.onFetchFailure(ctx, peer, seg, attempt, result.err, true)
		}
		m.onFetchSuccess(c, len(result.bytes), time.Since(start))
		return result.bytes, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return m.onFetchFailure(ctx, peer, seg, attempt, apperrors.NewCancelledError("peer fetch timed out"), true)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, apperrors.NewCancelledError("peer fetch cancelled")
	}
}

// onFetchFailure classifies the error: data-channel errors (isDCError or a
// *AppError tagged ErrCodePeer from a send/open check) bypass retry; other
// errors (remote error frame, timeout) allow exactly one retry.
func (m *Manager) onFetchFailure(ctx context.Context, peer *domain.PeerRecord, seg domain.SegmentDescriptor, attempt int, cause error, retryable bool) ([]byte, error) {
	c, ok := m.lookup(peer.ID)
	if ok {
		c.mu.Lock()
		c.record.Metrics.FailureCount++
		c.record.Score = computeScore(c.record.Metrics)
		disconnect := shouldDisconnectForScore(c.record.Metrics, c.record.Score, m.opts.PeerScoreThreshold)
		c.mu.Unlock()
		if disconnect {
			m.disconnect(peer.ID)
		}
	}

	appErr := apperrors.GetAppError(cause)
	isDCError := appErr != nil && appErr.Code == apperrors.ErrCodePeer && !retryable

	if isDCError || attempt >= 1 {
		return nil, cause
	}

	backoff := time.Duration(float64(m.opts.RetryDelayBase) * pow2(attempt+1))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, apperrors.NewCancelledError("peer fetch cancelled during retry backoff")
	}
	return m.fetchFromPeerAttempt(ctx, peer, seg, attempt+1)
}

func (m *Manager) onFetchSuccess(c *conn, bytesLen int, latency time.Duration) {
	c.mu.Lock()
	c.record.Metrics.SuccessCount++
	c.record.Metrics.CumulativeBytes += int64(bytesLen)
	latencyMs := float64(latency.Milliseconds())
	if c.record.Metrics.EWMALatencyMs == 0 {
		c.record.Metrics.EWMALatencyMs = latencyMs
	} else {
		c.record.Metrics.EWMALatencyMs = 0.7*c.record.Metrics.EWMALatencyMs + 0.3*latencyMs
	}
	c.record.Score = computeScore(c.record.Metrics)
	c.record.LastActiveAt = time.Now()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	peerID := c.record.ID
	c.idleTimer = time.AfterFunc(m.opts.IdleDisconnectAfter, func() { m.disconnect(peerID) })
	c.mu.Unlock()
}

// AnnounceSegment records segmentKey as locally servable and broadcasts the
// updated availability set to every connected peer (spec §4.5,
// segmentAvailability). Satisfies arbiter.Announcer: the Fetch Arbiter
// calls this whenever a segment enters the cache, so other players running
// FetchFromPeer can discover this client as a source.
func (m *Manager) AnnounceSegment(segmentKey string) {
	m.mu.Lock()
	if _, ok := m.localAvailability[segmentKey]; ok {
		m.mu.Unlock()
		return
	}
	m.localAvailability[segmentKey] = struct{}{}
	keys := m.availabilitySnapshotLocked()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	frame, err := encodeSegmentAvailability(keys)
	if err != nil {
		return
	}
	for _, c := range conns {
		m.sendAvailabilityFrame(c, frame)
	}
}

func (m *Manager) availabilitySnapshotLocked() []string {
	keys := make([]string, 0, len(m.localAvailability))
	for k := range m.localAvailability {
		keys = append(keys, k)
	}
	return keys
}

func (m *Manager) sendAvailabilityFrame(c *conn, frame []byte) {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		dc.SendText(string(frame))
	}
}

// ActiveCount returns the number of peers currently in the connected phase.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// Destroy closes every peer connection after nulling event handlers, to
// silence callbacks firing during teardown.
func (m *Manager) Destroy() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[domain.PeerID]*conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		for _, ch := range c.pending {
			ch <- fetchOutcome{err: apperrors.NewCancelledError("peer manager destroyed")}
		}
		c.mu.Unlock()
		c.pc.OnICEConnectionStateChange(nil)
		c.pc.OnConnectionStateChange(nil)
		c.pc.OnDataChannel(nil)
		c.pc.Close()
	}
}

func (m *Manager) disconnect(id domain.PeerID) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.record.Phase = domain.PhaseDisconnected
	c.mu.Unlock()
	c.pc.Close()
}

func (m *Manager) lookup(id domain.PeerID) (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, c := range m.conns {
		if c.record.Phase == domain.PhaseConnected || c.record.Phase == domain.PhaseConnecting {
			n++
		}
	}
	return n
}

// evictLowestScoredLocked disconnects the lowest-scored connected peer to
// make room for a new one (I7). Must be called with m.mu held; it releases
// and reacquires it around the actual close.
func (m *Manager) evictLowestScoredLocked() {
	var worst *conn
	for _, c := range m.conns {
		if c.record.Phase != domain.PhaseConnected {
			continue
		}
		if worst == nil || c.record.Score < worst.record.Score {
			worst = c
		}
	}
	if worst == nil {
		return
	}
	id := worst.record.ID
	m.mu.Unlock()
	m.disconnect(id)
	m.mu.Lock()
}

func (m *Manager) wireConnectionHandlers(c *conn) {
	peerID := c.record.ID
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected {
			c.mu.Lock()
			c.record.Phase = domain.PhaseConnected
			c.record.ConnectedAt = time.Now()
			c.mu.Unlock()
		}
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
			m.disconnect(peerID)
		}
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			m.disconnect(peerID)
		}
	})
}

func (m *Manager) wireDataChannel(c *conn, dc DataChannel) {
	dc.OnOpen(func() {
		m.mu.Lock()
		keys := m.availabilitySnapshotLocked()
		m.mu.Unlock()
		if len(keys) == 0 {
			return
		}
		frame, err := encodeSegmentAvailability(keys)
		if err != nil {
			return
		}
		m.sendAvailabilityFrame(c, frame)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			m.handleTextFrame(c, msg.Data)
			return
		}
		m.handleBinaryFrame(c, msg.Data)
	})
}

func (m *Manager) handleTextFrame(c *conn, data []byte) {
	kind, _, avail, errF, err := decodeTextFrame(data)
	if err != nil {
		m.log.Warnw("malformed data channel frame, discarding", "peer_id", c.record.ID, "error", err)
		return
	}
	switch kind {
	case "segmentAvailability":
		m.UpdateAvailability(c.record.ID, avail.Segments)
	case "error":
		c.mu.Lock()
		ch, ok := c.pending[errF.RequestID]
		if ok {
			delete(c.pending, errF.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- fetchOutcome{err: apperrors.NewPeerError(errF.Error)}
		}
	case "segmentRequest":
		m.serveSegmentRequest(c, data)
	}
}

// serveSegmentRequest answers a peer's "segmentRequest" frame from the
// local cache (acting as an upload source for the requesting peer, the
// other half of FetchFromPeer's request/response exchange). Misses and
// malformed requests get an errorFrame so the peer's pending-request
// channel unblocks instead of hanging for its full timeout.
func (m *Manager) serveSegmentRequest(c *conn, data []byte) {
	_, segReq, _, _, err := decodeTextFrame(data)
	if err != nil {
		return
	}

	reply := func(message string) {
		frame, ferr := encodeErrorFrame(segReq.RequestID, message)
		if ferr != nil {
			return
		}
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			dc.SendText(string(frame))
		}
	}

	requestID, err := strconv.ParseUint(segReq.RequestID, 10, 32)
	if err != nil {
		m.log.Warnw("segmentRequest with non-numeric request id, discarding", "peer_id", c.record.ID, "request_id", segReq.RequestID)
		return
	}

	if m.provider == nil {
		reply("peer does not serve segments")
		return
	}

	key := domain.SegmentKey(domain.StreamID(m.streamID), domain.QualityID(segReq.QualityID), segReq.SegmentID)
	entry, ok := m.provider.Get(key)
	if !ok {
		reply("segment not available")
		return
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return
	}
	if err := dc.Send(encodeBinaryResponse(uint32(requestID), entry.Bytes)); err != nil {
		m.log.Warnw("failed to send segment response", "peer_id", c.record.ID, "error", err)
	}
}

func (m *Manager) handleBinaryFrame(c *conn, data []byte) {
	requestID, payload, ok := decodeBinaryResponse(data)
	if !ok {
		return
	}
	key := fmt.Sprintf("%d", requestID)
	c.mu.Lock()
	ch, found := c.pending[key]
	if found {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if found {
		ch <- fetchOutcome{bytes: payload}
	}
}

// staggerDelay jitters 50-150% of StaggeredRequestDelay; if a stagger ran
// more recently than the base interval allows, the delay is multiplied by
// 1.5 as a rate-limiting penalty.
func (m *Manager) staggerDelay() time.Duration {
	jitter := 0.5 + rand.Float64()
	d := time.Duration(float64(m.opts.StaggeredRequestDelay) * jitter)
	if !m.staggerLimiter.Allow() {
		d = time.Duration(float64(d) * 1.5)
	}
	return d
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{ICEServers: m.opts.ICEServers}
	return webrtc.NewPeerConnection(config)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

var _ ports.PeerManager = (*Manager)(nil)
