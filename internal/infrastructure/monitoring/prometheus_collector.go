package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lanlink/internal/core/domain"
)

// PrometheusCollector owns every lanlink metric. Components receive it
// through their narrow metrics interfaces.
type PrometheusCollector struct {
	// Discovery
	peersKnown   *prometheus.GaugeVec
	scanCycles   prometheus.Counter
	scanDuration prometheus.Histogram
	scanChanges  prometheus.Counter
	probesTotal  *prometheus.CounterVec
	tableVersion prometheus.Gauge

	// Control protocol
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	connectionsDropped *prometheus.CounterVec

	// Media
	framesCaptured *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec

	// Admin API
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the metrics with reg. Passing nil
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		peersKnown: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanlink_peers",
			Help: "Peers in the table by status",
		}, []string{"status"}),

		scanCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "lanlink_discovery_cycles_total",
			Help: "Completed discovery cycles",
		}),

		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanlink_discovery_cycle_duration_seconds",
			Help:    "Duration of discovery cycles",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		scanChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "lanlink_discovery_changes_total",
			Help: "Peer table changes committed by discovery",
		}),

		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_discovery_probes_total",
			Help: "Probed addresses by outcome",
		}, []string{"result"}),

		tableVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "lanlink_peer_table_version",
			Help: "Current peer table version",
		}),

		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_protocol_requests_total",
			Help: "Control requests served by status and outcome",
		}, []string{"status", "outcome"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanlink_protocol_request_duration_seconds",
			Help:    "Handler time of control requests",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"status"}),

		connectionsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_protocol_connections_dropped_total",
			Help: "Control connections closed without a response",
		}, []string{"reason"}),

		framesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_media_frames_captured_total",
			Help: "Frames read from capture devices",
		}, []string{"kind"}),

		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_media_frames_sent_total",
			Help: "Frames written to stream connections",
		}, []string{"kind"}),

		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_media_frames_dropped_total",
			Help: "Frames lost before reaching the network",
		}, []string{"kind", "reason"}),

		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_media_bytes_sent_total",
			Help: "Media payload bytes sent",
		}, []string{"kind"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lanlink_http_requests_total",
			Help: "Admin API requests",
		}, []string{"method", "path", "code"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanlink_http_request_duration_seconds",
			Help:    "Admin API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (p *PrometheusCollector) CycleCompleted(report domain.ScanReport) {
	p.scanCycles.Inc()
	p.scanDuration.Observe(report.Duration.Seconds())
	p.scanChanges.Add(float64(report.Changed))
	p.tableVersion.Set(float64(report.Version))
}

func (p *PrometheusCollector) ProbeCompleted(reachable bool) {
	result := "silent"
	if reachable {
		result = "reachable"
	}
	p.probesTotal.WithLabelValues(result).Inc()
}

// UpdatePeers refreshes the per-status peer gauges from a table
// snapshot.
func (p *PrometheusCollector) UpdatePeers(peers []domain.Peer) {
	counts := map[domain.PeerStatus]int{
		domain.PeerReachable:   0,
		domain.PeerUnreachable: 0,
	}
	for _, peer := range peers {
		counts[peer.Status]++
	}
	for status, n := range counts {
		p.peersKnown.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (p *PrometheusCollector) RequestHandled(status string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.requestsTotal.WithLabelValues(status, outcome).Inc()
	p.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ConnectionDropped(reason string) {
	p.connectionsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FrameCaptured(kind string) {
	p.framesCaptured.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) FrameDropped(kind, reason string) {
	p.framesDropped.WithLabelValues(kind, reason).Inc()
}

func (p *PrometheusCollector) FrameSent(kind string, bytes int) {
	p.framesSent.WithLabelValues(kind).Inc()
	p.bytesSent.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) FrameFailed(kind string) {
	p.framesDropped.WithLabelValues(kind, "network").Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
