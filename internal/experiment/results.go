package experiment

// Clusters is the sorted set of run-length bucket centers used for the
// loss and non-loss histograms (§3). The final entry, 65535, is the
// "and above" bucket.
//
//nolint:gochecknoglobals // fixed bucket registry, read-only after init
var Clusters = [30]int{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
	12, 15, 20, 25, 30, 35, 40, 45, 50, 60,
	70, 80, 90, 100, 120, 150, 200, 300, 400, 65535,
}

// DelayValues is the sorted set of one-way-delay bucket centers, in
// milliseconds (§3).
//
//nolint:gochecknoglobals // fixed bucket registry, read-only after init
var DelayValues = [30]int{
	0, 10, 20, 40, 70, 100, 150, 200, 250, 300,
	350, 400, 500, 600, 700, 800, 900, 1000, 1200, 1400,
	1600, 1800, 2000, 2500, 3000, 4000, 5000, 7000, 10000, 65535,
}

// DelayDeltas is the sorted, symmetric set of delay-delta bucket
// centers, in milliseconds; index 15 is exactly 0 (§3).
//
//nolint:gochecknoglobals // fixed bucket registry, read-only after init
var DelayDeltas = [31]int{
	-1000, -500, -300, -200, -100, -90, -80, -70, -60, -50,
	-40, -30, -20, -10, -5, 0, 5, 10, 20, 30,
	40, 50, 60, 70, 80, 90, 100, 200, 300, 500,
	1000,
}

// LossModel is the normalized loss/non-loss run-length distribution of
// one direction of one experiment (§3).
type LossModel struct {
	// NonLoss is the histogram over run-lengths of consecutively
	// received packets, normalized to sum to 1.
	NonLoss [30]float64 `json:"nonloss"`
	// Loss is the histogram over run-lengths of missing packets,
	// normalized to sum to 1.
	Loss [30]float64 `json:"loss"`
	// LossProb is 1 - received/total.
	LossProb float64 `json:"loss_prob"`
	// SendSideLoss is the fraction the *sender* reported as dropped
	// before the wire. Stamped after analysis, not by the analyser.
	SendSideLoss float64 `json:"sendside_loss"`
	// BeginLP is the loss cluster before the first received packet,
	// measured from seqn 0: a stream first received at seqn k gives k-1.
	BeginLP uint32 `json:"begin_lp"`
	// EndLP is packets missing at the tail of the stream.
	EndLP uint32 `json:"end_lp"`
}

// DelayModel is the normalized one-way-delay distribution of one
// direction of one experiment (§3).
type DelayModel struct {
	// ValuePopularity is the histogram of one-way delays.
	ValuePopularity [30]float64 `json:"value_popularity"`
	// DeltaNoLoss is the delay-delta histogram for consecutive
	// packets with no intervening loss (gap<=1).
	DeltaNoLoss [31]float64 `json:"delta_noloss"`
	// DeltaLoss1 is the delay-delta histogram across a single-packet
	// loss (gap==2).
	DeltaLoss1 [31]float64 `json:"delta_loss1"`
	// DeltaLoss2To20 is the delay-delta histogram across a 2..20
	// packet loss cluster (gap in 3..21).
	DeltaLoss2To20 [31]float64 `json:"delta_loss2_20"`
	// DeltaLossMany is the delay-delta histogram across loss
	// clusters larger than 20 packets (gap>21).
	DeltaLossMany [31]float64 `json:"delta_lossmany"`
	// MeanDelayMs is the mean one-way delay across received packets.
	MeanDelayMs float64 `json:"mean_delay_ms"`
}

// Results is the analyser's output for one direction of one
// experiment (§3).
type Results struct {
	LossModel            LossModel  `json:"loss_model"`
	DelayModel           DelayModel `json:"delay_model"`
	SessionID            uint64     `json:"session_id"`
	TotalReceivedPackets uint32     `json:"total_received_packets"`
}

// Latchiness aggregates the positive-jump delay mass of DeltaNoLoss —
// a proxy for mobile-style network stalls (§4.5, glossary).
func (r *Results) Latchiness() float64 {
	var sum float64
	for i, c := range DelayDeltas {
		if c > 200 {
			sum += float64(c) * r.DelayModel.DeltaNoLoss[i]
		}
	}
	return sum / (100.0 / float64(max32(r.TotalReceivedPackets, 1)))
}

// AbruptDecrease aggregates the negative-jump delay mass of
// DeltaNoLoss (§4.5).
func (r *Results) AbruptDecrease() float64 {
	var sum float64
	for i, c := range DelayDeltas {
		if c < -200 {
			sum += float64(c) * r.DelayModel.DeltaNoLoss[i]
		}
	}
	return -sum / (100.0 / float64(max32(r.TotalReceivedPackets, 1)))
}

func max32(a uint32, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// ResultsForStoring is the final per-experiment document persisted to
// disk by the probe and battery drivers (§3, §6).
type ResultsForStoring struct {
	// ToServer is the server-side analyser output, carried in the
	// HereAreResults reply.
	ToServer *Results `json:"to_server,omitempty"`
	// FromServer is the probe-side analyser output, computed locally.
	FromServer *Results `json:"from_server,omitempty"`
	Conditions Info     `json:"conditions"`
	RTTUs      int64    `json:"rtt_us"`
	APIVersion uint32   `json:"api_version"`
}

// register places a value x into hist, a histogram over the sorted
// bucket centers in registry, using linear interpolation between
// neighboring bucket centers (§4.5 "Bucket registration"):
//
//   - x at or below registry[0]: bucket 0 gets the full weight.
//   - x at or above the last entry: the last bucket gets the full weight.
//   - x exactly on registry[i]: bucket i gets the full weight.
//   - otherwise, x falls between registry[i-1]=p and registry[i]=n: let
//     q = (n-x)/((x-p)+(n-x)); bucket i-1 gets q, bucket i gets 1-q.
//
// This preserves the first moment of x within the straddled interval,
// and must be replicated exactly: it determines stored fractions that
// downstream consumers (quality score, visualiser) depend on bit-for-bit.
func register(hist []float64, registry []int, x int, weight float64) {
	n := len(registry)
	if x <= registry[0] {
		hist[0] += weight
		return
	}
	if x >= registry[n-1] {
		hist[n-1] += weight
		return
	}
	for i := 1; i < n; i++ {
		switch {
		case registry[i] == x:
			hist[i] += weight
			return
		case registry[i] > x:
			p := float64(registry[i-1])
			next := float64(x)
			q := (float64(registry[i]) - next) / ((next - p) + (float64(registry[i]) - next))
			hist[i-1] += q * weight
			hist[i] += (1 - q) * weight
			return
		}
	}
}

// RegisterCluster places a run-length into a Clusters-indexed histogram.
func RegisterCluster(hist *[30]float64, length int, weight float64) {
	register(hist[:], Clusters[:], length, weight)
}

// RegisterDelayValue places a one-way delay (ms) into a
// DelayValues-indexed histogram.
func RegisterDelayValue(hist *[30]float64, delayMs int, weight float64) {
	register(hist[:], DelayValues[:], delayMs, weight)
}

// RegisterDelayDelta places a delay delta (ms) into a
// DelayDeltas-indexed histogram.
func RegisterDelayDelta(hist *[31]float64, deltaMs int, weight float64) {
	register(hist[:], DelayDeltas[:], deltaMs, weight)
}

// Normalize scales hist so its entries sum to 1, leaving it unchanged
// if the sum is zero (should not happen given the analyser's seeding —
// see internal/analyser).
func Normalize(hist []float64) {
	var sum float64
	for _, v := range hist {
		sum += v
	}
	if sum == 0 {
		return
	}
	for i := range hist {
		hist[i] /= sum
	}
}
