package abr

import (
	"math"
	"sort"

	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/ports"
)

func sortedByBandwidth(qualities []domain.Quality) []domain.Quality {
	out := make([]domain.Quality, len(qualities))
	copy(out, qualities)
	sort.Slice(out, func(i, j int) bool { return out[i].Bandwidth < out[j].Bandwidth })
	return out
}

func indexOf(qualities []domain.Quality, id domain.QualityID) int {
	for i, q := range qualities {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// DefaultSelector implements spec §4.7's baseline step-up/step-down rule.
type DefaultSelector struct {
	DownThreshold float64
	UpThreshold   float64
}

func NewDefaultSelector(downThreshold, upThreshold float64) *DefaultSelector {
	return &DefaultSelector{DownThreshold: downThreshold, UpThreshold: upThreshold}
}

func (s *DefaultSelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	curIdx := indexOf(sorted, current)
	if curIdx < 0 {
		curIdx = 0
	}
	ratio := ratioOf(bufferAhead, targetDuration)

	if ratio < s.DownThreshold && curIdx > 0 {
		return sorted[curIdx-1].ID
	}
	if ratio > s.UpThreshold {
		best := curIdx
		for i := len(sorted) - 1; i > curIdx; i-- {
			if estimatedBandwidth > 1.2*float64(sorted[i].Bandwidth) {
				best = i
				break
			}
		}
		return sorted[best].ID
	}
	return sorted[curIdx].ID
}

func (s *DefaultSelector) Name() string { return "default" }

// ConservativeSelector requires a larger safety margin and a fuller buffer
// before stepping up.
type ConservativeSelector struct{}

func NewConservativeSelector() *ConservativeSelector { return &ConservativeSelector{} }

func (s *ConservativeSelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	curIdx := indexOf(sorted, current)
	if curIdx < 0 {
		curIdx = 0
	}
	ratio := ratioOf(bufferAhead, targetDuration)

	if ratio < 0.3 && curIdx > 0 {
		return sorted[curIdx-1].ID
	}
	if ratio > 0.8 {
		best := curIdx
		for i := len(sorted) - 1; i > curIdx; i-- {
			if estimatedBandwidth > 1.5*float64(sorted[i].Bandwidth) {
				best = i
				break
			}
		}
		return sorted[best].ID
	}
	return sorted[curIdx].ID
}

func (s *ConservativeSelector) Name() string { return "conservative" }

// AggressiveSelector switches up sooner with a smaller safety margin.
type AggressiveSelector struct{}

func NewAggressiveSelector() *AggressiveSelector { return &AggressiveSelector{} }

func (s *AggressiveSelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	curIdx := indexOf(sorted, current)
	if curIdx < 0 {
		curIdx = 0
	}
	ratio := ratioOf(bufferAhead, targetDuration)

	if ratio < 0.25 && curIdx > 0 {
		return sorted[curIdx-1].ID
	}
	if ratio > 0.5 {
		best := curIdx
		for i := len(sorted) - 1; i > curIdx; i-- {
			if estimatedBandwidth > 1.2*float64(sorted[i].Bandwidth) {
				best = i
				break
			}
		}
		return sorted[best].ID
	}
	return sorted[curIdx].ID
}

func (s *AggressiveSelector) Name() string { return "aggressive" }

// BufferBasedSelector maps the buffer ratio directly to a quality index,
// ignoring bandwidth.
type BufferBasedSelector struct{}

func NewBufferBasedSelector() *BufferBasedSelector { return &BufferBasedSelector{} }

func (s *BufferBasedSelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	ratio := clamp(ratioOf(bufferAhead, targetDuration), 0, 1)
	idx := int(ratio * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].ID
}

func (s *BufferBasedSelector) Name() string { return "bufferBased" }

// HybridSelector blends a bandwidth-only pick with a buffer-only pick.
type HybridSelector struct {
	BandwidthWeight float64
	BufferWeight    float64
}

func NewHybridSelector() *HybridSelector {
	return &HybridSelector{BandwidthWeight: 0.6, BufferWeight: 0.4}
}

func (s *HybridSelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	ratio := clamp(ratioOf(bufferAhead, targetDuration), 0, 1)
	bufferIdx := ratio * float64(len(sorted)-1)

	bandwidthIdx := 0.0
	for i, q := range sorted {
		if estimatedBandwidth >= float64(q.Bandwidth) {
			bandwidthIdx = float64(i)
		}
	}
	composite := s.BandwidthWeight*bandwidthIdx + s.BufferWeight*bufferIdx
	idx := int(math.Round(composite))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].ID
}

func (s *HybridSelector) Name() string { return "hybrid" }

// BOLASelector implements a simplified Buffer Occupancy based Lyapunov
// Algorithm: utility = V*log(bitrate/min) - buffer*bitrate, picking the
// quality that maximizes utility.
type BOLASelector struct {
	MinBufferSeconds float64
	MaxBufferSeconds float64
}

func NewBOLASelector(minBuffer, maxBuffer float64) *BOLASelector {
	return &BOLASelector{MinBufferSeconds: minBuffer, MaxBufferSeconds: maxBuffer}
}

func (s *BOLASelector) SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID {
	sorted := sortedByBandwidth(qualities)
	if len(sorted) == 0 {
		return current
	}
	minBandwidth := float64(sorted[0].Bandwidth)
	if minBandwidth <= 0 {
		minBandwidth = 1
	}
	v := (s.MaxBufferSeconds - s.MinBufferSeconds) / math.Log(2)
	if v <= 0 {
		v = 1
	}

	best := sorted[0].ID
	bestUtility := math.Inf(-1)
	for _, q := range sorted {
		if float64(q.Bandwidth) > estimatedBandwidth*1.1 {
			continue
		}
		utility := v*math.Log(float64(q.Bandwidth)/minBandwidth) - bufferAhead*float64(q.Bandwidth)
		if utility > bestUtility {
			bestUtility = utility
			best = q.ID
		}
	}
	return best
}

func (s *BOLASelector) Name() string { return "bola" }

func ratioOf(bufferAhead, targetDuration float64) float64 {
	if targetDuration <= 0 {
		return 0
	}
	return bufferAhead / targetDuration
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	_ ports.QualitySelector = (*DefaultSelector)(nil)
	_ ports.QualitySelector = (*ConservativeSelector)(nil)
	_ ports.QualitySelector = (*AggressiveSelector)(nil)
	_ ports.QualitySelector = (*BufferBasedSelector)(nil)
	_ ports.QualitySelector = (*HybridSelector)(nil)
	_ ports.QualitySelector = (*BOLASelector)(nil)
)
