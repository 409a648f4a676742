package abr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEWMAEstimator_ConvergesTowardSteadyRate(t *testing.T) {
	e := NewEWMAEstimator(0.5)
	for i := 0; i < 10; i++ {
		e.Sample(1_000_000, 1000) // 8 Mbps every sample
	}
	assert.InDelta(t, 8_000_000, e.Estimate(), 1000)
}

func TestEWMAEstimator_DefaultsAlphaWhenOutOfRange(t *testing.T) {
	e := NewEWMAEstimator(0)
	assert.Equal(t, 0.3, e.alpha)
}

func TestMovingAverageEstimator_WeightsRecentSamplesMore(t *testing.T) {
	e := NewMovingAverageEstimator()
	e.Sample(100, 1000)   // 800 bps, oldest
	e.Sample(10_000_000, 1000) // 80_000_000 bps, newest
	estimate := e.Estimate()
	assert.Greater(t, estimate, float64(800))
}

func TestHarmonicMeanEstimator_PenalizesSlowOutliers(t *testing.T) {
	e := NewHarmonicMeanEstimator()
	e.Sample(10_000_000, 1000) // fast
	e.Sample(10_000_000, 1000) // fast
	e.Sample(100_000, 1000)    // one slow sample
	harmonic := e.Estimate()

	arithmetic := NewMovingAverageEstimator()
	arithmetic.Sample(10_000_000, 1000)
	arithmetic.Sample(10_000_000, 1000)
	arithmetic.Sample(100_000, 1000)

	assert.Less(t, harmonic, arithmetic.Estimate())
}

func TestPercentileEstimator_DefaultsToMedian(t *testing.T) {
	e := NewPercentileEstimator(0) // out of range -> default 50th percentile
	for _, bps := range []int64{1, 2, 3, 4, 5} {
		e.Sample(bps*125_000, 1000) // 1,2,3,4,5 Mbps
	}
	assert.InDelta(t, 3_000_000, e.Estimate(), 1)
}

func TestAdaptiveEstimator_NoSamplesIsZero(t *testing.T) {
	e := NewAdaptiveEstimator()
	assert.Equal(t, float64(0), e.Estimate())
}

func TestAdaptiveEstimator_SwitchesToMovingAverageUnderHighVariance(t *testing.T) {
	e := NewAdaptiveEstimator()
	rates := []int64{1, 10, 1, 10, 1, 10} // alternating -> high variance
	for _, mbps := range rates {
		e.Sample(mbps*125_000, 1000)
	}
	cv := coefficientOfVariation(e.samples)
	assert.Greater(t, cv, e.threshold)
	assert.Equal(t, e.moving.Estimate(), e.Estimate())
}
