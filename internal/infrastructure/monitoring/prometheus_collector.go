// Package monitoring exposes the player session's runtime health as
// Prometheus metrics. Grounded on the teacher's
// internal/infrastructure/monitoring/prometheus_collector.go, trimmed from a
// multi-stream SFU's viewer/session metrics down to the single playback
// session this engine drives, and extended with the buffer-level and
// quality-switch metrics that engine has but the teacher's server didn't.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"swarmplayer/internal/core/domain"
)

// PrometheusCollector collects metrics for a single player session: peer
// connectivity, segment fetch performance, buffer health, and the P2P vs.
// origin split of served bytes.
type PrometheusCollector struct {
	peersConnected       prometheus.Gauge
	connectionsTotal     prometheus.Counter
	webrtcConnDuration   prometheus.Histogram
	segmentFetchDuration *prometheus.HistogramVec
	networkLatency       prometheus.Histogram

	bufferLevelSeconds prometheus.Gauge
	qualitySwitches    *prometheus.CounterVec

	p2pDataTransferred    prometheus.Counter
	serverDataTransferred prometheus.Counter
	p2pEfficiencyPercent  prometheus.Gauge
}

// NewPrometheusCollector registers the session's metric set against the
// default global registry, for use by cmd/player's /metrics endpoint.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPrometheusCollectorWithRegisterer registers the session's metric set
// against reg. Tests pass a fresh prometheus.NewRegistry() so repeated
// construction doesn't collide on metric names in the global registry.
func NewPrometheusCollectorWithRegisterer(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplayer_peers_connected",
			Help: "Number of currently connected peers",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmplayer_peer_connections_total",
			Help: "Total number of WebRTC peer connections established",
		}),

		webrtcConnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmplayer_webrtc_connection_duration_seconds",
			Help:    "Time from offer creation to a peer connection entering the connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		segmentFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmplayer_segment_fetch_duration_seconds",
			Help:    "Duration of a resolved segment fetch, by source",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"source"}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmplayer_peer_latency_seconds",
			Help:    "Round-trip latency observed on peer data-channel requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		bufferLevelSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplayer_buffer_level_seconds",
			Help: "Seconds of media currently buffered ahead of playback position",
		}),

		qualitySwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmplayer_quality_switches_total",
			Help: "Total number of ABR quality switches, by reason",
		}, []string{"reason"}),

		p2pDataTransferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmplayer_p2p_data_transferred_bytes_total",
			Help: "Total segment bytes served through peer connections",
		}),

		serverDataTransferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmplayer_origin_data_transferred_bytes_total",
			Help: "Total segment bytes served directly from the origin server",
		}),

		p2pEfficiencyPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplayer_p2p_efficiency_percent",
			Help: "Percentage of served segment bytes that came from peers rather than origin",
		}),
	}
}

// RecordPeerConnected increments the connected-peer gauge and the lifetime
// connection counter.
func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnected.Inc()
	p.connectionsTotal.Inc()
}

// RecordPeerDisconnected decrements the connected-peer gauge.
func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnected.Dec()
}

// RecordWebRTCConnection observes the time a connection took to reach the
// connected state.
func (p *PrometheusCollector) RecordWebRTCConnection(duration time.Duration) {
	p.webrtcConnDuration.Observe(duration.Seconds())
}

// RecordSegmentFetch observes a resolved fetch's latency, labeled by source.
func (p *PrometheusCollector) RecordSegmentFetch(source domain.FetchSource, duration time.Duration) {
	p.segmentFetchDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
}

// RecordNetworkLatency observes a peer data-channel round-trip latency.
func (p *PrometheusCollector) RecordNetworkLatency(latency time.Duration) {
	p.networkLatency.Observe(latency.Seconds())
}

// SetBufferLevel reports the Buffer Controller's current buffer-ahead level.
func (p *PrometheusCollector) SetBufferLevel(seconds float64) {
	p.bufferLevelSeconds.Set(seconds)
}

// RecordQualitySwitch increments the switch counter for the given reason.
func (p *PrometheusCollector) RecordQualitySwitch(reason domain.QualitySwitchReason) {
	p.qualitySwitches.WithLabelValues(string(reason)).Inc()
}

// RecordP2PDataTransferred records segment bytes served through a peer.
func (p *PrometheusCollector) RecordP2PDataTransferred(bytes int64) {
	p.p2pDataTransferred.Add(float64(bytes))
}

// RecordServerDataTransferred records segment bytes served from origin.
func (p *PrometheusCollector) RecordServerDataTransferred(bytes int64) {
	p.serverDataTransferred.Add(float64(bytes))
}

// RecordFetchResult records both the per-source fetch duration and the
// P2P/origin byte-transfer split for one resolved fetch, then recalculates
// the rolling efficiency gauge from the cumulative counters.
func (p *PrometheusCollector) RecordFetchResult(result domain.FetchResult, duration time.Duration) {
	p.RecordSegmentFetch(result.Source, duration)
	switch result.Source {
	case domain.SourcePeer:
		p.RecordP2PDataTransferred(int64(len(result.Bytes)))
	case domain.SourceServer:
		p.RecordServerDataTransferred(int64(len(result.Bytes)))
	}
	p.refreshP2PEfficiency()
}

// refreshP2PEfficiency recomputes the P2P-share gauge from the cumulative
// transferred-bytes counters. Counter values can only be read back through
// the collector's own Write, so a zero total (no fetches yet) leaves the
// gauge at its default rather than dividing by zero.
func (p *PrometheusCollector) refreshP2PEfficiency() {
	var peerMetric, serverMetric dto.Metric
	if err := p.p2pDataTransferred.Write(&peerMetric); err != nil {
		return
	}
	if err := p.serverDataTransferred.Write(&serverMetric); err != nil {
		return
	}
	peerBytes := peerMetric.GetCounter().GetValue()
	serverBytes := serverMetric.GetCounter().GetValue()
	total := peerBytes + serverBytes
	if total == 0 {
		return
	}
	p.p2pEfficiencyPercent.Set(100 * peerBytes / total)
}
