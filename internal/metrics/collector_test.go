package netmetrics_test

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	netmetrics "github.com/vi/netmeasure2/internal/metrics"
)

func testPeer() netip.AddrPort {
	return netip.MustParseAddrPort("10.0.0.1:9100")
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := netmetrics.NewCollector(reg)

	if c.ExperimentsTotal == nil {
		t.Error("ExperimentsTotal is nil")
	}
	if c.PacketsSent == nil {
		t.Error("PacketsSent is nil")
	}
	if c.PacketsReceived == nil {
		t.Error("PacketsReceived is nil")
	}
	if c.SendSideLoss == nil {
		t.Error("SendSideLoss is nil")
	}
	if c.CurrentState == nil {
		t.Error("CurrentState is nil")
	}
	if c.LossProbability == nil {
		t.Error("LossProbability is nil")
	}
	if c.MeanDelayMs == nil {
		t.Error("MeanDelayMs is nil")
	}
	if c.QualityScore == nil {
		t.Error("QualityScore is nil")
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordAccepted(t *testing.T) {
	t.Parallel()

	c := netmetrics.NewCollector(prometheus.NewRegistry())
	peer := testPeer()

	c.RecordAccepted(peer)
	c.RecordAccepted(peer)

	if got := counterValue(t, c.ExperimentsTotal, peer.String()); got != 2 {
		t.Errorf("ExperimentsTotal = %v, want 2", got)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	c := netmetrics.NewCollector(prometheus.NewRegistry())
	peer := testPeer()

	c.AddPacketsSent(peer, 100)
	c.AddPacketsReceived(peer, 97)
	c.AddSendSideLoss(peer, 3)

	if got := counterValue(t, c.PacketsSent, peer.String()); got != 100 {
		t.Errorf("PacketsSent = %v, want 100", got)
	}
	if got := counterValue(t, c.PacketsReceived, peer.String()); got != 97 {
		t.Errorf("PacketsReceived = %v, want 97", got)
	}
	if got := counterValue(t, c.SendSideLoss, peer.String()); got != 3 {
		t.Errorf("SendSideLoss = %v, want 3", got)
	}
}

func TestSetState(t *testing.T) {
	t.Parallel()

	c := netmetrics.NewCollector(prometheus.NewRegistry())
	peer := testPeer()

	c.SetState(peer, true)
	if got := gaugeValue(t, c.CurrentState, peer.String(), "ongoing"); got != 0 {
		t.Errorf("ongoing gauge = %v, want 0 while idle", got)
	}

	c.SetState(peer, false)
	if got := gaugeValue(t, c.CurrentState, peer.String(), "ongoing"); got != 1 {
		t.Errorf("ongoing gauge = %v, want 1 while ongoing", got)
	}
}

func TestRecordResults(t *testing.T) {
	t.Parallel()

	c := netmetrics.NewCollector(prometheus.NewRegistry())
	peer := testPeer()

	c.RecordResults(peer, 0.05, 42.5, 8.75)

	if got := gaugeValue(t, c.LossProbability, peer.String()); got != 0.05 {
		t.Errorf("LossProbability = %v, want 0.05", got)
	}
	if got := gaugeValue(t, c.MeanDelayMs, peer.String()); got != 42.5 {
		t.Errorf("MeanDelayMs = %v, want 42.5", got)
	}
	if got := gaugeValue(t, c.QualityScore, peer.String()); got != 8.75 {
		t.Errorf("QualityScore = %v, want 8.75", got)
	}
}
