package abr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"swarmplayer/internal/core/domain"
)

var testQualities = []domain.Quality{
	{ID: "360p", Bandwidth: 1_000_000},
	{ID: "720p", Bandwidth: 5_000_000},
	{ID: "1080p", Bandwidth: 8_000_000},
}

func TestDefaultSelector_StepsDownWhenBufferLow(t *testing.T) {
	s := NewDefaultSelector(0.5, 1.5)
	got := s.SelectQuality(testQualities, "720p", 1, 30, 5_000_000) // ratio = 1/30 << 0.5
	assert.Equal(t, domain.QualityID("360p"), got)
}

func TestDefaultSelector_StepsUpWhenBufferHighAndBandwidthSufficient(t *testing.T) {
	s := NewDefaultSelector(0.5, 0.9)
	got := s.SelectQuality(testQualities, "360p", 28, 30, 7_000_000) // ratio = 0.933
	assert.Equal(t, domain.QualityID("720p"), got)
}

func TestDefaultSelector_HoldsWhenRatioInRange(t *testing.T) {
	s := NewDefaultSelector(0.3, 1.5)
	got := s.SelectQuality(testQualities, "720p", 15, 30, 5_000_000) // ratio = 0.5
	assert.Equal(t, domain.QualityID("720p"), got)
}

func TestStability_ConsecutiveCallsWithConstantConditionsDoNotFlap(t *testing.T) {
	selectors := []interface {
		SelectQuality(qualities []domain.Quality, current domain.QualityID, bufferAhead, targetDuration, estimatedBandwidth float64) domain.QualityID
	}{
		NewDefaultSelector(0.5, 1.5),
		NewConservativeSelector(),
		NewAggressiveSelector(),
		NewBufferBasedSelector(),
		NewHybridSelector(),
		NewBOLASelector(10, 40),
	}

	for _, sel := range selectors {
		first := sel.SelectQuality(testQualities, "720p", 15, 30, 5_000_000)
		second := sel.SelectQuality(testQualities, first, 15, 30, 5_000_000)
		assert.Equal(t, first, second)
	}
}

func TestConservativeSelector_RequiresFullerBufferThanDefault(t *testing.T) {
	s := NewConservativeSelector()
	got := s.SelectQuality(testQualities, "360p", 22, 30, 20_000_000) // ratio 0.73 < 0.8
	assert.Equal(t, domain.QualityID("360p"), got)
}

func TestAggressiveSelector_SwitchesUpSoonerThanConservative(t *testing.T) {
	s := NewAggressiveSelector()
	got := s.SelectQuality(testQualities, "360p", 16, 30, 7_000_000) // ratio 0.53 > 0.5
	assert.Equal(t, domain.QualityID("720p"), got)
}

func TestBufferBasedSelector_MapsRatioToIndex(t *testing.T) {
	s := NewBufferBasedSelector()
	got := s.SelectQuality(testQualities, "360p", 29, 30, 0) // ratio ~0.97 -> top index
	assert.Equal(t, domain.QualityID("1080p"), got)
}

func TestBOLASelector_NeverExceedsEstimatedBandwidth(t *testing.T) {
	s := NewBOLASelector(10, 40)
	got := s.SelectQuality(testQualities, "1080p", 5, 30, 2_000_000)
	assert.Equal(t, domain.QualityID("360p"), got)
}
