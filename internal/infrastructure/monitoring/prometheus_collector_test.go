package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"swarmplayer/internal/core/domain"
)

func TestRecordPeerConnected_IncrementsGaugeAndCounter(t *testing.T) {
	c := newTestCollector()
	c.RecordPeerConnected()
	c.RecordPeerConnected()
	c.RecordPeerDisconnected()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.connectionsTotal))
}

func TestRecordFetchResult_SplitsPeerAndServerBytes(t *testing.T) {
	c := newTestCollector()

	c.RecordFetchResult(domain.FetchResult{
		Source: domain.SourcePeer,
		Bytes:  make([]byte, 100),
	}, 10*time.Millisecond)
	c.RecordFetchResult(domain.FetchResult{
		Source: domain.SourceServer,
		Bytes:  make([]byte, 300),
	}, 20*time.Millisecond)

	assert.Equal(t, float64(100), testutil.ToFloat64(c.p2pDataTransferred))
	assert.Equal(t, float64(300), testutil.ToFloat64(c.serverDataTransferred))
}

func TestRecordFetchResult_RefreshesP2PEfficiencyGauge(t *testing.T) {
	c := newTestCollector()
	c.RecordFetchResult(domain.FetchResult{Source: domain.SourcePeer, Bytes: make([]byte, 75)}, time.Millisecond)
	c.RecordFetchResult(domain.FetchResult{Source: domain.SourceServer, Bytes: make([]byte, 25)}, time.Millisecond)

	assert.Equal(t, float64(75), testutil.ToFloat64(c.p2pEfficiencyPercent))
}

func TestSetBufferLevel_ReportsGaugeValue(t *testing.T) {
	c := newTestCollector()
	c.SetBufferLevel(12.5)
	assert.Equal(t, 12.5, testutil.ToFloat64(c.bufferLevelSeconds))
}

func TestRecordQualitySwitch_IncrementsByReason(t *testing.T) {
	c := newTestCollector()
	c.RecordQualitySwitch(domain.ReasonABR)
	c.RecordQualitySwitch(domain.ReasonABR)
	c.RecordQualitySwitch(domain.ReasonManual)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.qualitySwitches.WithLabelValues("abr")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.qualitySwitches.WithLabelValues("manual")))
}

// newTestCollector builds a collector against a fresh registry so repeated
// construction across test functions doesn't collide on metric names.
func newTestCollector() *PrometheusCollector {
	return NewPrometheusCollectorWithRegisterer(prometheus.NewRegistry())
}
