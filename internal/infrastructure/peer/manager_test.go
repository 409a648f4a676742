package peer

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmplayer/internal/core/domain"
)

// fakeDataChannel is a minimal in-memory DataChannel for exercising the
// Peer Manager's serving/announcement paths without a real WebRTC stack.
type fakeDataChannel struct {
	state      webrtc.DataChannelState
	sentText   []string
	sentBinary [][]byte
	sendErr    error
}

func (f *fakeDataChannel) Label() string                       { return "segments" }
func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState  { return f.state }
func (f *fakeDataChannel) OnOpen(fn func())                     {}
func (f *fakeDataChannel) OnClose(fn func())                    {}
func (f *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {}
func (f *fakeDataChannel) SendText(s string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentText = append(f.sentText, s)
	return nil
}
func (f *fakeDataChannel) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentBinary = append(f.sentBinary, append([]byte(nil), data...))
	return nil
}

type fakeSegmentProvider struct {
	entries map[string]domain.CacheEntry
}

func (f *fakeSegmentProvider) Get(key string) (domain.CacheEntry, bool) {
	e, ok := f.entries[key]
	return e, ok
}

func newTestManagerWithConn(t *testing.T, streamID string) (*Manager, *conn, *fakeDataChannel) {
	t.Helper()
	m := New(streamID, Options{}, nil, nil)
	dc := &fakeDataChannel{state: webrtc.DataChannelStateOpen}
	c := &conn{
		record:  &domain.PeerRecord{ID: "peer-1", Phase: domain.PhaseConnected},
		dc:      dc,
		pending: make(map[string]chan fetchOutcome),
	}
	m.conns[c.record.ID] = c
	return m, c, dc
}

func TestServeSegmentRequest_RespondsWithCachedBytesOnHit(t *testing.T) {
	m, c, dc := newTestManagerWithConn(t, "movie1")
	key := domain.SegmentKey("movie1", "720p", "seg_0001.m4s")
	m.WithSegmentProvider(&fakeSegmentProvider{entries: map[string]domain.CacheEntry{
		key: {Bytes: []byte("segment-bytes")},
	}})

	frame, err := encodeSegmentRequest("42", "seg_0001.m4s", "720p")
	require.NoError(t, err)

	m.handleTextFrame(c, frame)

	require.Len(t, dc.sentBinary, 1)
	id, payload, ok := decodeBinaryResponse(dc.sentBinary[0])
	require.True(t, ok)
	assert.Equal(t, uint32(42), id)
	assert.Equal(t, "segment-bytes", string(payload))
}

func TestServeSegmentRequest_RepliesWithErrorFrameOnCacheMiss(t *testing.T) {
	m, c, dc := newTestManagerWithConn(t, "movie1")
	m.WithSegmentProvider(&fakeSegmentProvider{entries: map[string]domain.CacheEntry{}})

	frame, err := encodeSegmentRequest("7", "seg_missing.m4s", "720p")
	require.NoError(t, err)

	m.handleTextFrame(c, frame)

	require.Empty(t, dc.sentBinary)
	require.Len(t, dc.sentText, 1)
	kind, _, _, errF, err := decodeTextFrame([]byte(dc.sentText[0]))
	require.NoError(t, err)
	assert.Equal(t, "error", kind)
	assert.Equal(t, "7", errF.RequestID)
}

func TestServeSegmentRequest_NoProviderRepliesWithError(t *testing.T) {
	m, c, dc := newTestManagerWithConn(t, "movie1")

	frame, err := encodeSegmentRequest("3", "seg_0001.m4s", "720p")
	require.NoError(t, err)

	m.handleTextFrame(c, frame)

	require.Empty(t, dc.sentBinary)
	require.Len(t, dc.sentText, 1)
}

func TestAnnounceSegment_BroadcastsToConnectedPeers(t *testing.T) {
	m, _, dc := newTestManagerWithConn(t, "movie1")

	m.AnnounceSegment("segment:movie1:720p:seg_0001.m4s")

	require.Len(t, dc.sentText, 1)
	kind, _, avail, _, err := decodeTextFrame([]byte(dc.sentText[0]))
	require.NoError(t, err)
	assert.Equal(t, "segmentAvailability", kind)
	assert.Equal(t, []string{"segment:movie1:720p:seg_0001.m4s"}, avail.Segments)
}

func TestComputeScore_NoObservationsIsNeutral(t *testing.T) {
	assert.Equal(t, 0.5, computeScore(domain.PeerMetrics{}))
}

func TestComputeScore_PerfectPeerScoresNearOne(t *testing.T) {
	m := domain.PeerMetrics{
		SuccessCount:    10,
		FailureCount:    0,
		EWMALatencyMs:   100, // at the floor -> latency score 1.0
		CumulativeBytes: 10 * (1 << 20),
	}
	score := computeScore(m)
	assert.InDelta(t, 1.0, score, 0.01)
}

func TestComputeScore_HighLatencyAndFailuresScoreLow(t *testing.T) {
	m := domain.PeerMetrics{
		SuccessCount:  1,
		FailureCount:  9,
		EWMALatencyMs: 3000, // beyond ceiling, clamps to 0
	}
	score := computeScore(m)
	assert.Less(t, score, 0.2)
}

func TestShouldDisconnectForScore(t *testing.T) {
	low := domain.PeerMetrics{SuccessCount: 1, FailureCount: 4}
	assert.True(t, shouldDisconnectForScore(low, 0.1, 0.5))

	fewRequests := domain.PeerMetrics{SuccessCount: 1, FailureCount: 1}
	assert.False(t, shouldDisconnectForScore(fewRequests, 0.1, 0.5), "fewer than 5 total requests must not trigger disconnect")

	goodScore := domain.PeerMetrics{SuccessCount: 5, FailureCount: 0}
	assert.False(t, shouldDisconnectForScore(goodScore, 0.9, 0.5))
}

func TestProtocol_SegmentRequestRoundTrip(t *testing.T) {
	frame, err := encodeSegmentRequest("42", "seg_0001.m4s", "720p")
	assert.NoError(t, err)

	kind, req, _, _, err := decodeTextFrame(frame)
	assert.NoError(t, err)
	assert.Equal(t, "segmentRequest", kind)
	assert.Equal(t, "42", req.RequestID)
	assert.Equal(t, "seg_0001.m4s", req.SegmentID)
	assert.Equal(t, "720p", req.QualityID)
}

func TestProtocol_SegmentAvailabilityRoundTrip(t *testing.T) {
	frame, err := encodeSegmentAvailability([]string{"a", "b"})
	assert.NoError(t, err)

	kind, _, avail, _, err := decodeTextFrame(frame)
	assert.NoError(t, err)
	assert.Equal(t, "segmentAvailability", kind)
	assert.Equal(t, []string{"a", "b"}, avail.Segments)
}

func TestProtocol_ErrorFrameRoundTrip(t *testing.T) {
	frame, err := encodeErrorFrame("7", "not found")
	assert.NoError(t, err)

	kind, _, _, errF, err := decodeTextFrame(frame)
	assert.NoError(t, err)
	assert.Equal(t, "error", kind)
	assert.Equal(t, "7", errF.RequestID)
	assert.Equal(t, "not found", errF.Error)
}

func TestProtocol_UnknownFrameTypeErrors(t *testing.T) {
	_, _, _, _, err := decodeTextFrame([]byte(`{"type":"somethingElse"}`))
	assert.Error(t, err)
}

func TestProtocol_BinaryResponseRoundTrip(t *testing.T) {
	payload := []byte("segment bytes")
	frame := encodeBinaryResponse(99, payload)

	id, got, ok := decodeBinaryResponse(frame)
	assert.True(t, ok)
	assert.Equal(t, uint32(99), id)
	assert.Equal(t, payload, got)
}

func TestProtocol_AltReassembler_CompletesOnceAllChunksSeen(t *testing.T) {
	r := newAltReassembler()

	out, done := r.Add(altChunk{ID: "x", Index: 1, Total: 3, Payload: []byte("B")})
	assert.False(t, done)
	assert.Nil(t, out)

	out, done = r.Add(altChunk{ID: "x", Index: 0, Total: 3, Payload: []byte("A")})
	assert.False(t, done)
	assert.Nil(t, out)

	out, done = r.Add(altChunk{ID: "x", Index: 2, Total: 3, Payload: []byte("C")})
	assert.True(t, done)
	assert.Equal(t, []byte("ABC"), out)
}

func TestProtocol_AltFrame_DecodeRequestAndDone(t *testing.T) {
	req := encodeAltRequest("seg1")
	frameType, id, _, err := decodeAltFrame(req)
	assert.NoError(t, err)
	assert.Equal(t, altFrameRequest, frameType)
	assert.Equal(t, "seg1", id)

	done := append([]byte{byte(altFrameDone), byte(len("seg1"))}, "seg1"...)
	frameType, id, _, err = decodeAltFrame(done)
	assert.NoError(t, err)
	assert.Equal(t, altFrameDone, frameType)
	assert.Equal(t, "seg1", id)
}
