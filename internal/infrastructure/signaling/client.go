// Package signaling implements the Signaling Client (C4): a persistent
// full-duplex text channel that brokers peer discovery, segment-availability
// queries, and WebRTC SDP/ICE exchange. Grounded on the teacher's
// internal/infrastructure/signal/websocket_server.go, inverted from an
// inbound Upgrade server into an outbound dialer client — same type-tagged
// JSON envelope, same read-loop-in-goroutine idiom.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/events"
	"swarmplayer/internal/core/ports"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/utils"
)

// Event is emitted for connection lifecycle and inbound-message notifications
// the Coordinator reacts to (whoHasReply, peerList, rtcOffer, ...).
type Event struct {
	Name      string
	WhoHas    WhoHasReplyEvent
	PeerList  []string
	RTCOffer  RTCSignal
	RTCAnswer RTCSignal
	ICE       ICESignal
	Message   string
}

// WhoHasReplyEvent carries an unsolicited or correlated whoHasReply.
type WhoHasReplyEvent struct {
	SegmentID string
	Peers     []string
}

// RTCSignal carries a forwarded offer/answer.
type RTCSignal struct {
	From string
	SDP  string
}

// ICESignal carries a forwarded ICE candidate.
type ICESignal struct {
	From      string
	Candidate string
}

type whoHasOutcome struct {
	reply WhoHasReplyEvent
	err   error
}

type pendingWhoHas struct {
	resolve  chan whoHasOutcome
	deadline time.Time
}

type replyCacheEntry struct {
	reply     WhoHasReplyEvent
	expiresAt time.Time
}

// Options configures a Client.
type Options struct {
	URL             string
	ConnectTimeout  time.Duration
	WhoHasTimeout   time.Duration
	ReplyCacheTTL   time.Duration
	HeartbeatPeriod time.Duration // <= 0 disables heartbeats
	ReconnectDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.WhoHasTimeout <= 0 {
		o.WhoHasTimeout = 2 * time.Second
	}
	if o.ReplyCacheTTL <= 0 {
		o.ReplyCacheTTL = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	return o
}

// Client is C4.
type Client struct {
	opts   Options
	log    *zap.SugaredLogger
	events *events.Emitter[Event]

	clientID string
	streamID string
	dialer   *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	destroyed   bool
	pending     map[string]*pendingWhoHas // keyed by "quality:segmentId"
	replyCache  map[string]replyCacheEntry
	heartbeatOK *rate.Limiter

	stopHeartbeat chan struct{}
	stopReader    chan struct{}
}

// New constructs a Client; Connect must be called before use.
func New(opts Options, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	return &Client{
		opts:       opts,
		log:        log,
		events:     events.NewEmitter[Event](log),
		dialer:     websocket.DefaultDialer,
		pending:    make(map[string]*pendingWhoHas),
		replyCache: make(map[string]replyCacheEntry),
	}
}

// On subscribes to lifecycle/dispatch events.
func (c *Client) On(name string, fn events.Listener[Event]) func() {
	return c.events.On(name, fn)
}

// Connect dials the signaling URL with clientId/movieId query parameters and
// starts the read loop. Bounded by ConnectTimeout.
func (c *Client) Connect(ctx context.Context, clientID, streamID string) error {
	c.clientID = clientID
	c.streamID = streamID

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return apperrors.NewConfigInvalidError(fmt.Sprintf("invalid signaling url: %v", err))
	}
	q := u.Query()
	q.Set("clientId", clientID)
	q.Set("movieId", streamID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return apperrors.NewTransientNetworkError(err, "signaling connect failed")
	}

	c.mu.Lock()
	c.conn = conn
	c.stopReader = make(chan struct{})
	c.stopHeartbeat = make(chan struct{})
	if c.opts.HeartbeatPeriod > 0 {
		c.heartbeatOK = rate.NewLimiter(rate.Every(c.opts.HeartbeatPeriod), 1)
	}
	c.mu.Unlock()

	go c.readLoop(conn, c.stopReader)
	if c.opts.HeartbeatPeriod > 0 {
		go c.heartbeatLoop(c.opts.HeartbeatPeriod, c.stopHeartbeat)
	}

	c.events.Emit("connected", Event{Name: "connected"})
	return nil
}

// WhoHas creates a pending request and blocks until whoHasReply correlates,
// the request deadline passes, or ctx is cancelled. A short-TTL reply cache
// coalesces repeated queries for the same segment.
func (c *Client) WhoHas(ctx context.Context, quality domain.QualityID, segmentID string) (ports.WhoHasReply, error) {
	key := string(quality) + ":" + segmentID

	c.mu.Lock()
	if cached, ok := c.replyCache[key]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		return ports.WhoHasReply{SegmentID: cached.reply.SegmentID, Peers: cached.reply.Peers}, nil
	}
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.WhoHasTimeout)
	p := &pendingWhoHas{resolve: make(chan whoHasOutcome, 1), deadline: deadline}

	c.mu.Lock()
	if c.conn == nil || c.destroyed {
		c.mu.Unlock()
		return ports.WhoHasReply{}, apperrors.NewTransientNetworkError(nil, "signaling not connected")
	}
	c.pending[key] = p
	conn := c.conn
	c.mu.Unlock()

	req := whoHasRequest{MovieID: c.streamID, QualityID: string(quality), SegmentID: segmentID}
	if err := writeEnvelope(conn, "whoHas", req); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ports.WhoHasReply{}, apperrors.NewTransientNetworkError(err, "whoHas send failed")
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case outcome := <-p.resolve:
		if outcome.err != nil {
			return ports.WhoHasReply{}, outcome.err
		}
		c.mu.Lock()
		c.replyCache[key] = replyCacheEntry{reply: outcome.reply, expiresAt: time.Now().Add(c.opts.ReplyCacheTTL)}
		c.mu.Unlock()
		return ports.WhoHasReply{SegmentID: outcome.reply.SegmentID, Peers: outcome.reply.Peers}, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ports.WhoHasReply{}, apperrors.NewCancelledError("whoHas timed out")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ports.WhoHasReply{}, apperrors.NewCancelledError("whoHas cancelled")
	}
}

// ReportSegment is fire-and-forget.
func (c *Client) ReportSegment(movieID string, quality domain.QualityID, segmentID string, source domain.FetchSource, latencyMs float64) {
	c.sendFireAndForget("reportSegment", reportSegmentMessage{
		MovieID:   movieID,
		QualityID: string(quality),
		SegmentID: segmentID,
		Source:    string(source),
		Latency:   latencyMs,
	})
}

// SendOffer is fire-and-forget.
func (c *Client) SendOffer(to, streamID, sdp string) {
	c.sendFireAndForget("rtcOffer", rtcOfferOut{To: to, StreamID: streamID, SDP: sdp})
}

// SendAnswer is fire-and-forget.
func (c *Client) SendAnswer(to, streamID, sdp string) {
	c.sendFireAndForget("rtcAnswer", rtcAnswerOut{To: to, StreamID: streamID, SDP: sdp})
}

// SendIceCandidate is fire-and-forget.
func (c *Client) SendIceCandidate(to, streamID, candidate string) {
	c.sendFireAndForget("iceCandidate", iceCandidateOut{To: to, StreamID: streamID, Candidate: candidate})
}

func (c *Client) sendFireAndForget(msgType string, payload interface{}) {
	c.mu.Lock()
	conn := c.conn
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed || conn == nil {
		return
	}
	if err := writeEnvelope(conn, msgType, payload); err != nil {
		c.log.Warnw("signaling send failed", "type", msgType, "error", err)
	}
}

// Destroy rejects all pending requests and closes the socket.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	pending := c.pending
	c.pending = make(map[string]*pendingWhoHas)
	if c.stopReader != nil {
		close(c.stopReader)
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve <- whoHasOutcome{err: apperrors.NewCancelledError("signaling client destroyed")}
	}
	if conn != nil {
		conn.Close()
	}
	c.events.RemoveAll()
}

func (c *Client) heartbeatLoop(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			limiter := c.heartbeatOK
			c.mu.Unlock()
			if limiter != nil && !limiter.Allow() {
				continue
			}
			c.sendFireAndForget("ping", pingMessage{ClientID: c.clientID, MovieID: c.streamID, Timestamp: time.Now().Unix()})
		case <-stop:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect()
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	c.log.Debugw("signaling message received",
		"type", env.Type,
		"payload", utils.TruncateString(utils.SanitizeString(string(env.Payload)), 256))
	switch env.Type {
	case "whoHasReply":
		var payload whoHasReplyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.log.Warnw("malformed whoHasReply", "error", err)
			return
		}
		peers := make([]string, 0, len(payload.Peers))
		for _, p := range payload.Peers {
			peers = append(peers, p.PeerID)
		}
		ev := WhoHasReplyEvent{SegmentID: payload.SegmentID, Peers: peers}
		c.resolvePending(payload.SegmentID, ev)
		c.events.Emit("whoHasReply", Event{Name: "whoHasReply", WhoHas: ev})
	case "peerList":
		var payload peerListPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.log.Warnw("malformed peerList", "error", err)
			return
		}
		c.events.Emit("peerList", Event{Name: "peerList", PeerList: payload.Peers})
	case "reportAck":
		// no-op, fire-and-forget acknowledgement
	case "rtcOffer":
		var payload rtcOfferIn
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.events.Emit("rtcOffer", Event{Name: "rtcOffer", RTCOffer: RTCSignal{From: payload.From, SDP: payload.SDP}})
	case "rtcAnswer":
		var payload rtcAnswerIn
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.events.Emit("rtcAnswer", Event{Name: "rtcAnswer", RTCAnswer: RTCSignal{From: payload.From, SDP: payload.SDP}})
	case "iceCandidate":
		var payload iceCandidateIn
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.events.Emit("iceCandidate", Event{Name: "iceCandidate", ICE: ICESignal{From: payload.From, Candidate: payload.Candidate}})
	case "error":
		var payload errorPayload
		_ = json.Unmarshal(env.Payload, &payload)
		c.events.Emit("error", Event{Name: "error", Message: payload.Message})
	default:
		c.log.Warnw("unknown signaling message type, discarding", "type", env.Type)
	}
}

// resolvePending matches a whoHasReply to its pending request by segment
// identity; the reply does not carry the quality, so every pending entry
// for this segmentID is resolved (there is at most one per quality in
// flight at a time per I2-adjacent invariant on the Fetch Arbiter side).
func (c *Client) resolvePending(segmentID string, ev WhoHasReplyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.pending {
		if hasSuffixSegment(key, segmentID) {
			select {
			case p.resolve <- whoHasOutcome{reply: ev}:
			default:
			}
			delete(c.pending, key)
		}
	}
}

func hasSuffixSegment(key, segmentID string) bool {
	n := len(key) - len(segmentID)
	return n >= 0 && key[n:] == segmentID
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	delay := c.opts.ReconnectDelay
	c.mu.Unlock()

	c.events.Emit("disconnected", Event{Name: "disconnected"})

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		destroyed := c.destroyed
		c.mu.Unlock()
		if destroyed {
			return
		}
		if err := c.Connect(context.Background(), c.clientID, c.streamID); err != nil {
			c.log.Warnw("signaling reconnect failed", "error", err)
		}
	})
}

func writeEnvelope(conn *websocket.Conn, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Type: msgType, Payload: raw})
}
