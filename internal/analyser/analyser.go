// Package analyser turns one direction's raw received-packet records
// into the normalized loss and delay histograms of experiment.Results
// (§4.5). It is a pure function over a slice plus a packet count —
// nothing here touches the network, the clock, or a file, which is
// what makes it safe to run both live (internal/receiver.Analyse) and
// offline against a replayed dump (internal/receiver.ReadAndAnalyse).
package analyser

import (
	"sort"

	"github.com/vi/netmeasure2/internal/experiment"
)

// Record is one received data frame: its sequence number, the
// sender-local microsecond timestamp it carried, and the receiver-
// local microsecond timestamp it arrived at. The two timestamps share
// no epoch — only differences between them, relative to each other,
// carry information (§4.5 "clocks are never synchronized").
type Record struct {
	Seqn   uint32
	SendUs uint32
	RecvUs int64
}

// gap buckets select which delta histogram a consecutive pair of
// received packets contributes to, based on how many sequence numbers
// separate them (§4.5):
//
//	gap == 1              : no loss between them            -> DeltaNoLoss
//	gap == 2              : exactly one packet lost          -> DeltaLoss1
//	3 <= gap <= 21         : a short loss burst (2..20 lost)  -> DeltaLoss2To20
//	gap > 21              : a long loss burst (21+ lost)      -> DeltaLossMany
const (
	gapNoLoss    = 1
	gapLoss1     = 2
	gapLoss2To20 = 21
)

// seed is the small non-zero weight every histogram is primed with
// before the walk (§4.5 step 3), so Normalize is always defined even
// when a histogram receives no samples in a given run — e.g. a
// zero-loss experiment leaves DeltaLoss1/DeltaLoss2To20/DeltaLossMany
// empty, and a loss-free run leaves Loss empty.
const seed = 0.0001

// deltaZeroBucket is the index of the zero-centered bucket shared by
// every 31-wide delay-delta histogram (experiment.DelayDeltas[15] == 0).
const deltaZeroBucket = 15

// Analyse implements §4.5 in full: delay renormalization, loss/nonloss
// run-length clustering, delta-histogram bucketing by loss-gap size,
// and the derived scalars (loss_prob, mean_delay_ms).
//
// records need not arrive sorted or deduplicated; Analyse sorts by
// Seqn and keeps the first occurrence of each sequence number, so
// re-ordered or duplicated frames never double-count.
func Analyse(records []Record, totalPackets uint32, sessionID uint64) experiment.Results {
	recs := dedupeSorted(records)

	res := experiment.Results{
		SessionID:            sessionID,
		TotalReceivedPackets: uint32(len(recs)),
	}

	if totalPackets > 0 {
		res.LossModel.LossProb = 1.0 - float64(len(recs))/float64(totalPackets)
	}

	seedHistograms(&res)

	delaysMs := shiftedDelaysMs(recs)
	walk(recs, delaysMs, totalPackets, &res)

	experiment.Normalize(res.LossModel.NonLoss[:])
	experiment.Normalize(res.LossModel.Loss[:])
	experiment.Normalize(res.DelayModel.ValuePopularity[:])
	experiment.Normalize(res.DelayModel.DeltaNoLoss[:])
	experiment.Normalize(res.DelayModel.DeltaLoss1[:])
	experiment.Normalize(res.DelayModel.DeltaLoss2To20[:])
	experiment.Normalize(res.DelayModel.DeltaLossMany[:])

	return res
}

// seedHistograms places §4.5 step 3's seed in nonloss[last], loss[0],
// value_popularity[0], and each delta histogram's zero bucket.
func seedHistograms(res *experiment.Results) {
	lm := &res.LossModel
	dm := &res.DelayModel

	lm.NonLoss[len(lm.NonLoss)-1] += seed
	lm.Loss[0] += seed
	dm.ValuePopularity[0] += seed
	dm.DeltaNoLoss[deltaZeroBucket] += seed
	dm.DeltaLoss1[deltaZeroBucket] += seed
	dm.DeltaLoss2To20[deltaZeroBucket] += seed
	dm.DeltaLossMany[deltaZeroBucket] += seed
}

// dedupeSorted sorts records by Seqn and drops every repeat of a
// sequence number after its first appearance.
func dedupeSorted(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seqn < sorted[j].Seqn })

	out := sorted[:1]
	for _, r := range sorted[1:] {
		if r.Seqn != out[len(out)-1].Seqn {
			out = append(out, r)
		}
	}
	return out
}

// shiftedDelaysMs computes each record's one-way delay in milliseconds,
// shifted so the minimum observed delay across the run reads as zero
// (§4.5 step 1): the sender and receiver clocks share no epoch, so only
// the relative delay within one run carries information.
func shiftedDelaysMs(recs []Record) []float64 {
	if len(recs) == 0 {
		return nil
	}

	raw := make([]int64, len(recs))
	minRaw := int64(1) << 62
	for i, r := range recs {
		d := r.RecvUs - int64(r.SendUs)
		raw[i] = d
		if d < minRaw {
			minRaw = d
		}
	}

	delays := make([]float64, len(recs))
	for i, d := range raw {
		delays[i] = float64(d-minRaw) / 1000.0
	}
	return delays
}

// walk replicates §4.5 steps 4-5: a single incremental pass over the
// sorted, deduplicated records starting from the zero sentinel
// (prev_seqn=0), clustering consecutive receives into loss/nonloss
// run-length histograms and bucketing delay deltas by the gap that
// separates each pair.
//
// A received record immediately following a loss gap is not folded
// into the nonloss run it starts: the gap>1 branch below flushes and
// registers the loss cluster without incrementing nonloss_run, so that
// record only begins counting from the next one.
func walk(recs []Record, delaysMs []float64, totalPackets uint32, res *experiment.Results) {
	lm := &res.LossModel
	dm := &res.DelayModel

	var prevSeqn uint32
	var prevDelay float64
	var nonlossRun int
	first := true
	var sumMs float64

	for i, r := range recs {
		d := delaysMs[i]
		gap := r.Seqn - prevSeqn

		if gap <= gapNoLoss {
			nonlossRun++
		} else {
			if nonlossRun > 0 {
				experiment.RegisterCluster(&lm.NonLoss, nonlossRun, 1.0)
				nonlossRun = 0
			}
			lossLen := int(gap - 1)
			if first {
				lm.BeginLP = uint32(lossLen)
			} else {
				experiment.RegisterCluster(&lm.Loss, lossLen, 1.0)
			}
		}

		experiment.RegisterDelayValue(&dm.ValuePopularity, int(d), 1.0)
		experiment.RegisterDelayDelta(deltaTarget(dm, gap), int(d-prevDelay), 1.0)

		sumMs += d
		prevSeqn = r.Seqn
		prevDelay = d
		first = false
	}

	if nonlossRun > 0 {
		experiment.RegisterCluster(&lm.NonLoss, nonlossRun, 1.0)
	}
	if totalPackets > 0 && prevSeqn < totalPackets-1 {
		lm.EndLP = totalPackets - prevSeqn - 1
	}
	if len(recs) > 0 {
		dm.MeanDelayMs = sumMs / float64(len(recs))
	}
}

func deltaTarget(dm *experiment.DelayModel, gap uint32) *[31]float64 {
	switch {
	case gap <= gapNoLoss:
		return &dm.DeltaNoLoss
	case gap == gapLoss1:
		return &dm.DeltaLoss1
	case gap <= gapLoss2To20:
		return &dm.DeltaLoss2To20
	default:
		return &dm.DeltaLossMany
	}
}
