package domain

import "time"

// PeerID identifies a remote swarm participant.
type PeerID string

// ConnectionPhase is the lifecycle state of a peer connection.
type ConnectionPhase string

const (
	PhaseNew          ConnectionPhase = "new"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseFailed       ConnectionPhase = "failed"
)

// PeerMetrics accumulates the raw counters scoring is derived from.
type PeerMetrics struct {
	SuccessCount     int64
	FailureCount     int64
	EWMALatencyMs    float64
	CumulativeBytes  int64
}

// TotalRequests is success+failure observations.
func (m PeerMetrics) TotalRequests() int64 {
	return m.SuccessCount + m.FailureCount
}

// PeerRecord is the Peer Manager's view of one remote peer.
type PeerRecord struct {
	ID             PeerID
	Phase          ConnectionPhase
	Score          float64
	Availability   map[string]struct{} // segment keys the peer advertised
	LastActiveAt   time.Time
	Metrics        PeerMetrics
	ConnectedAt    time.Time
}

// HasSegment reports whether the peer has advertised the given key.
func (p *PeerRecord) HasSegment(key string) bool {
	_, ok := p.Availability[key]
	return ok
}
