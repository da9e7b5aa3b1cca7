package udpstmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udpst"
	subsystem = "session"
)

// Label names for UDPST metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelDirection = "direction" // upstream | downstream (cmd/udpstd's session gauge passes client | server)
	labelPDUType   = "pdu_type"  // setup | test-activation | control-response | load | status | unknown
)

// -------------------------------------------------------------------------
// Collector — Prometheus UDPST Metrics
// -------------------------------------------------------------------------

// Collector holds all UDPST Prometheus metrics.
//
//   - Sessions gauges track currently active test sessions.
//   - PDU counters track control/data-plane volumes per peer and PDU type.
//   - AuthFailures flags rejected auth tails for alerting.
//   - RateIndexChanges counts sending-rate adjustments (up or down) during
//     a rate-adaptive test, useful for spotting noisy paths.
//   - SubIntervalMbps records the achieved throughput of each reported
//     sub-interval, so Grafana can chart a test's ramp curve live.
type Collector struct {
	// Sessions tracks the number of currently active test sessions.
	// Incremented on session creation, decremented on session destruction.
	Sessions *prometheus.GaugeVec

	// PDUsSent counts control-plane and data-plane PDUs transmitted per peer.
	PDUsSent *prometheus.CounterVec

	// PDUsReceived counts control-plane and data-plane PDUs received per peer.
	PDUsReceived *prometheus.CounterVec

	// PDUsDropped counts PDUs dropped (validation failures, full receive
	// channel, demux miss) per peer.
	PDUsDropped *prometheus.CounterVec

	// AuthFailures counts authentication tail verification failures per peer.
	AuthFailures *prometheus.CounterVec

	// RateIndexChanges counts sending-rate index adjustments during a test.
	RateIndexChanges *prometheus.CounterVec

	// SubIntervalMbps records the achieved throughput of each sub-interval.
	SubIntervalMbps *prometheus.HistogramVec
}

// NewCollector creates a Collector with all UDPST metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "udpst_session_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PDUsSent,
		c.PDUsReceived,
		c.PDUsDropped,
		c.AuthFailures,
		c.RateIndexChanges,
		c.SubIntervalMbps,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelPeerAddr, labelLocalAddr, labelDirection}
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	pduLabels := []string{labelPeerAddr, labelLocalAddr, labelPDUType}
	throughputLabels := []string{labelPeerAddr, labelLocalAddr, labelDirection}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of currently active UDPST test sessions.",
		}, sessionLabels),

		PDUsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_sent_total",
			Help:      "Total UDPST PDUs transmitted, by PDU type.",
		}, pduLabels),

		PDUsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_received_total",
			Help:      "Total UDPST PDUs received, by PDU type.",
		}, pduLabels),

		PDUsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_dropped_total",
			Help:      "Total UDPST PDUs dropped due to validation or buffer overflow.",
		}, pduLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total UDPST authentication tail verification failures.",
		}, peerLabels),

		RateIndexChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_index_changes_total",
			Help:      "Total sending-rate index adjustments made during rate-adaptive tests.",
		}, peerLabels),

		SubIntervalMbps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sub_interval_mbps",
			Help:      "Achieved throughput of each reported sub-interval, in Mbps.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1 Mbps .. ~32 Gbps
		}, throughputLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for the given peer.
func (c *Collector) RegisterSession(peer, local netip.Addr, direction string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), direction).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
func (c *Collector) UnregisterSession(peer, local netip.Addr, direction string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), direction).Dec()
}

// -------------------------------------------------------------------------
// PDU Counters
// -------------------------------------------------------------------------

// IncPDUsSent increments the transmitted PDU counter for the given peer and
// PDU type.
func (c *Collector) IncPDUsSent(peer, local netip.Addr, pduType string) {
	c.PDUsSent.WithLabelValues(peer.String(), local.String(), pduType).Inc()
}

// IncPDUsReceived increments the received PDU counter for the given peer and
// PDU type.
func (c *Collector) IncPDUsReceived(peer, local netip.Addr, pduType string) {
	c.PDUsReceived.WithLabelValues(peer.String(), local.String(), pduType).Inc()
}

// IncPDUsDropped increments the dropped PDU counter for the given peer and
// PDU type.
func (c *Collector) IncPDUsDropped(peer, local netip.Addr, pduType string) {
	c.PDUsDropped.WithLabelValues(peer.String(), local.String(), pduType).Inc()
}

// -------------------------------------------------------------------------
// Authentication
// -------------------------------------------------------------------------

// IncAuthFailures increments the authentication failure counter for the
// given peer.
func (c *Collector) IncAuthFailures(peer, local netip.Addr) {
	c.AuthFailures.WithLabelValues(peer.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// Rate Adjustment
// -------------------------------------------------------------------------

// IncRateIndexChanges increments the rate-index-change counter for the given
// peer, counting one move to a different sending-rate table index.
func (c *Collector) IncRateIndexChanges(peer, local netip.Addr) {
	c.RateIndexChanges.WithLabelValues(peer.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// Throughput
// -------------------------------------------------------------------------

// ObserveSubIntervalMbps records the achieved throughput of a completed
// sub-interval.
func (c *Collector) ObserveSubIntervalMbps(peer, local netip.Addr, direction string, mbps float64) {
	c.SubIntervalMbps.WithLabelValues(peer.String(), local.String(), direction).Observe(mbps)
}
