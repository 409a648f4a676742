package signaling

import "encoding/json"

// envelope is the wire shape of every signaling message: a type discriminator
// plus a type-specific payload, matching the newer (authoritative) protocol
// variant described in Design Notes §6.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound payloads.

type whoHasRequest struct {
	MovieID   string `json:"movieId"`
	QualityID string `json:"qualityId"`
	SegmentID string `json:"segmentId"`
}

type reportSegmentMessage struct {
	MovieID   string  `json:"movieId"`
	QualityID string  `json:"qualityId"`
	SegmentID string  `json:"segmentId"`
	Source    string  `json:"source"`
	Latency   float64 `json:"latency,omitempty"`
}

type rtcOfferOut struct {
	To       string `json:"to"`
	StreamID string `json:"streamId"`
	SDP      string `json:"sdp"`
}

type rtcAnswerOut struct {
	To       string `json:"to"`
	StreamID string `json:"streamId"`
	SDP      string `json:"sdp"`
}

type iceCandidateOut struct {
	To        string `json:"to"`
	StreamID  string `json:"streamId"`
	Candidate string `json:"candidate"`
}

type pingMessage struct {
	ClientID  string `json:"clientId"`
	MovieID   string `json:"movieId"`
	Timestamp int64  `json:"timestamp"`
}

// Inbound payloads.

type whoHasReplyPeer struct {
	PeerID string `json:"peerId"`
}

type whoHasReplyPayload struct {
	SegmentID string            `json:"segmentId"`
	Peers     []whoHasReplyPeer `json:"peers"`
}

type peerListPayload struct {
	Peers []string `json:"peers"`
}

type rtcOfferIn struct {
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

type rtcAnswerIn struct {
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

type iceCandidateIn struct {
	From      string `json:"from"`
	Candidate string `json:"candidate"`
}

type errorPayload struct {
	Message string `json:"message"`
}
