// Package netmetrics exposes the server's Prometheus metrics.
package netmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "netmeasure"
	subsystem = "experiment"
)

// Label names.
const (
	labelPeerAddr = "peer_addr"
	labelState    = "state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus netmeasure metrics
// -------------------------------------------------------------------------

// Collector holds all netmeasure Prometheus metrics: experiment
// throughput, the server's current state machine position, and the
// derived statistics of the most recently completed experiment per
// peer.
type Collector struct {
	// ExperimentsTotal counts experiments accepted per peer.
	ExperimentsTotal *prometheus.CounterVec

	// PacketsSent counts data frames transmitted per peer.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts data frames received per peer.
	PacketsReceived *prometheus.CounterVec

	// SendSideLoss counts data frames dropped on the sending side
	// before reaching the wire, per peer (§4.3, §4.5).
	SendSideLoss *prometheus.CounterVec

	// CurrentState reports the server's state machine position
	// (0=idle, 1=ongoing) as a gauge, labeled by peer once an
	// experiment has been seen from it.
	CurrentState *prometheus.GaugeVec

	// LossProbability is the most recently computed loss probability
	// per peer (§4.5 LossModel.LossProb).
	LossProbability *prometheus.GaugeVec

	// MeanDelayMs is the most recently computed mean one-way delay in
	// milliseconds per peer (§4.5 DelayModel.MeanDelayMs).
	MeanDelayMs *prometheus.GaugeVec

	// QualityScore is the most recently computed quality score
	// (0..10) per peer (§8).
	QualityScore *prometheus.GaugeVec
}

// NewCollector creates a Collector with all netmeasure metrics
// registered against reg. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ExperimentsTotal,
		c.PacketsSent,
		c.PacketsReceived,
		c.SendSideLoss,
		c.CurrentState,
		c.LossProbability,
		c.MeanDelayMs,
		c.QualityScore,
	)

	return c
}

func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr}

	return &Collector{
		ExperimentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "accepted_total",
			Help:      "Total experiments accepted, labeled by peer.",
		}, peerLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total data frames transmitted.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total data frames received.",
		}, peerLabels),

		SendSideLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_side_loss_total",
			Help:      "Total data frames dropped before reaching the wire.",
		}, peerLabels),

		CurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Server state machine position per peer (0=idle, 1=ongoing).",
		}, []string{labelPeerAddr, labelState}),

		LossProbability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loss_probability",
			Help:      "Most recently computed loss probability, per peer.",
		}, peerLabels),

		MeanDelayMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mean_delay_ms",
			Help:      "Most recently computed mean one-way delay in milliseconds, per peer.",
		}, peerLabels),

		QualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quality_score",
			Help:      "Most recently computed quality score (0-10), per peer.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Experiment lifecycle
// -------------------------------------------------------------------------

// RecordAccepted increments the accepted-experiments counter for peer.
func (c *Collector) RecordAccepted(peer netip.AddrPort) {
	c.ExperimentsTotal.WithLabelValues(peer.String()).Inc()
}

// AddPacketsSent adds n to the transmitted data frame counter for peer.
func (c *Collector) AddPacketsSent(peer netip.AddrPort, n uint32) {
	c.PacketsSent.WithLabelValues(peer.String()).Add(float64(n))
}

// AddPacketsReceived adds n to the received data frame counter for peer.
func (c *Collector) AddPacketsReceived(peer netip.AddrPort, n uint32) {
	c.PacketsReceived.WithLabelValues(peer.String()).Add(float64(n))
}

// AddSendSideLoss adds n to the send-side-loss counter for peer.
func (c *Collector) AddSendSideLoss(peer netip.AddrPort, n uint32) {
	c.SendSideLoss.WithLabelValues(peer.String()).Add(float64(n))
}

// SetState records the server's current state machine position for peer.
func (c *Collector) SetState(peer netip.AddrPort, idle bool) {
	if idle {
		c.CurrentState.WithLabelValues(peer.String(), "idle").Set(0)
		c.CurrentState.WithLabelValues(peer.String(), "ongoing").Set(0)
	} else {
		c.CurrentState.WithLabelValues(peer.String(), "idle").Set(0)
		c.CurrentState.WithLabelValues(peer.String(), "ongoing").Set(1)
	}
}

// RecordResults updates the loss/delay/quality gauges for peer from a
// completed experiment's derived scalars.
func (c *Collector) RecordResults(peer netip.AddrPort, lossProb, meanDelayMs, qualityScore float64) {
	c.LossProbability.WithLabelValues(peer.String()).Set(lossProb)
	c.MeanDelayMs.WithLabelValues(peer.String()).Set(meanDelayMs)
	c.QualityScore.WithLabelValues(peer.String()).Set(qualityScore)
}
