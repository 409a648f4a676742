package peer

import "swarmplayer/internal/core/domain"

const (
	reliabilityWeight = 0.5
	latencyWeight     = 0.3
	uploadWeight      = 0.2

	latencyFloorMs    = 100.0
	latencyCeilingMs  = 2000.0
	uploadTargetBytes = 1 << 20 // 1 MiB per successful fetch
)

// computeScore implements the weighted scoring formula of spec §4.5. A peer
// with no observations yet (TotalRequests() == 0) gets the neutral 0.5.
func computeScore(m domain.PeerMetrics) float64 {
	total := m.TotalRequests()
	if total == 0 {
		return 0.5
	}

	reliability := float64(m.SuccessCount) / float64(total)

	latencyScore := 1 - (m.EWMALatencyMs-latencyFloorMs)/(latencyCeilingMs-latencyFloorMs)
	latencyScore = clamp01(latencyScore)

	var avgBytesPerSuccess float64
	if m.SuccessCount > 0 {
		avgBytesPerSuccess = float64(m.CumulativeBytes) / float64(m.SuccessCount)
	}
	uploadScore := avgBytesPerSuccess / uploadTargetBytes
	if uploadScore > 1 {
		uploadScore = 1
	}

	return reliability*reliabilityWeight + latencyScore*latencyWeight + uploadScore*uploadWeight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// shouldDisconnectForScore is I7's companion rule: a sufficiently-observed
// peer whose score has fallen below threshold is dropped.
func shouldDisconnectForScore(m domain.PeerMetrics, score, threshold float64) bool {
	return m.TotalRequests() >= 5 && score < threshold
}
