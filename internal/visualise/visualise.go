// Package visualise renders an experiment.Results histogram as a
// compact textual bar chart, and a battery's documents as a
// one-line-per-experiment summary table. Grounded on the original
// implementation's bar/visualise_loss/visualise_delay/short_summary
// helpers; the rendering is cosmetic and carries no normative weight
// for the analyser itself.
package visualise

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vi/netmeasure2/internal/experiment"
)

// bar renders a normalized histogram fraction as a fixed vocabulary of
// bar-chart glyphs.
func bar(x float64) string {
	switch {
	case x < 0.005:
		return ""
	case x < 0.01:
		return "-"
	case x < 0.02:
		return "+"
	case x < 0.05:
		return "#"
	case x < 0.10:
		return "#-"
	case x < 0.15:
		return "#+"
	case x < 0.20:
		return "##"
	case x < 0.25:
		return "##-"
	case x < 0.30:
		return "##+"
	case x < 0.35:
		return "###"
	case x < 0.40:
		return "###-"
	case x < 0.45:
		return "###+"
	case x < 0.50:
		return "####"
	case x < 0.55:
		return "####-"
	case x < 0.60:
		return "####+"
	case x < 0.65:
		return "#####"
	case x < 0.70:
		return "#####-"
	case x < 0.75:
		return "#####+"
	case x < 0.80:
		return "######"
	case x < 0.850:
		return "######-"
	case x < 0.900:
		return "######+"
	case x < 0.950:
		return "#######"
	case x < 0.990:
		return "#######-"
	case x < 0.995:
		return "#######+"
	default:
		return "########"
	}
}

// Loss writes the loss/non-loss run-length histogram side by side,
// skipping runs of all-but-empty buckets with a single "...".
func Loss(w io.Writer, r *experiment.Results) {
	fmt.Fprintln(w, "      Loss:         |  Nonloss: ")
	prevSkipped := false
	for i, c := range experiment.Clusters {
		l := r.LossModel.Loss[i]
		nl := r.LossModel.NonLoss[i]

		if l < 0.001 && nl < 0.001 {
			if !prevSkipped {
				fmt.Fprintln(w, "...")
				prevSkipped = true
			}
			continue
		}
		prevSkipped = false

		label := fmt.Sprintf("%3d", c)
		if c == 65535 {
			label = "UUU"
		}
		fmt.Fprintf(w, "%s %1.4f %-8s | %1.4f %-8s\n", label, l, bar(l), nl, bar(nl))
	}
}

// Delay writes the one-way-delay histogram and the delay-delta
// histogram (sorted by bucket center) as two side-by-side columns.
func Delay(w io.Writer, r *experiment.Results) {
	var delayReport []string
	delayReport = append(delayReport, "Delay:")
	prevSkipped := false
	for i, c := range experiment.DelayValues {
		v := r.DelayModel.ValuePopularity[i]
		if v < 0.001 {
			if !prevSkipped {
				delayReport = append(delayReport, "...")
				prevSkipped = true
			}
			continue
		}
		prevSkipped = false

		header := fmt.Sprintf("%4d", c)
		if c == 65535 {
			header = "UUUU"
		}
		delayReport = append(delayReport, fmt.Sprintf("%s %1.4f %-8s", header, v, bar(v)))
	}

	type deltaEntry struct {
		center int
		v      float64
	}
	deltas := make([]deltaEntry, 0, len(experiment.DelayDeltas))
	for i, c := range experiment.DelayDeltas {
		deltas = append(deltas, deltaEntry{center: c, v: r.DelayModel.DeltaNoLoss[i]})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].center < deltas[j].center })

	var deltasReport []string
	deltasReport = append(deltasReport, "Delay deltas:")
	prevSkipped = false
	for _, d := range deltas {
		if d.v < 0.001 {
			if !prevSkipped {
				deltasReport = append(deltasReport, "...")
				prevSkipped = true
			}
			continue
		}
		prevSkipped = false
		deltasReport = append(deltasReport, fmt.Sprintf("%5d %1.4f %-8s", d.center, d.v, bar(d.v)))
	}

	n := len(delayReport)
	if len(deltasReport) > n {
		n = len(deltasReport)
	}
	for i := 0; i < n; i++ {
		var left, right string
		if i < len(delayReport) {
			left = delayReport[i]
		}
		if i < len(deltasReport) {
			right = deltasReport[i]
		}
		fmt.Fprintf(w, "%-24s | %-24s\n", left, right)
	}
}

// markers for Summary's loss/recoverability/latch columns.
const (
	markerClean = " "
)

func lossSendsideMarker(lm experiment.LossModel) string {
	if lm.SendSideLoss*2.0 <= lm.LossProb {
		return markerClean
	}
	return "*"
}

func lossRecoverabilityMarker(lm experiment.LossModel) string {
	switch {
	case lm.LossProb < 0.01:
		return markerClean
	case (lm.Loss[0]+lm.Loss[1]+lm.Loss[2]+lm.Loss[3]+lm.Loss[4]+
		lm.Loss[5]+lm.Loss[6]+lm.Loss[7]+lm.Loss[8]+lm.Loss[9])*lm.LossProb >= 0.3:
		return "!"
	case lm.Loss[0] >= 0.8:
		return "R"
	case lm.Loss[0]+lm.Loss[1]+lm.Loss[2] >= 0.7:
		return "r"
	default:
		return markerClean
	}
}

func lostAtTheEndMarker(lm experiment.LossModel) string {
	if lm.EndLP > 100 {
		return "$"
	}
	return markerClean
}

func latchupMarker(r *experiment.Results) string {
	latch := r.Latchiness() * 1000.0
	abrupt := r.AbruptDecrease() * 1000.0

	switch {
	case latch >= 10_000:
		return "LL"
	case latch >= 5_000:
		if abrupt >= 5000 {
			return "LR"
		}
		return withSecond("L", abrupt)
	case latch >= 2_000:
		return withSecond("l", abrupt)
	case latch >= 200:
		return withSecond(".", abrupt)
	default:
		return withSecond(" ", abrupt)
	}
}

func withSecond(first string, abrupt float64) string {
	switch {
	case abrupt >= 5000:
		return first + "R"
	case abrupt >= 2000:
		return first + "r"
	case abrupt >= 200:
		return first + ","
	default:
		return first + " "
	}
}

// SummaryLine renders one ResultsForStoring as the single-line
// to_server/from_server column format of §4.8, with ekbps stamped in
// from the negotiated conditions (the original implementation derives
// it there too, since Results itself has no bandwidth field).
func SummaryLine(doc experiment.ResultsForStoring) string {
	toServ := strings.Repeat(" ", 29)
	fromServ := strings.Repeat(" ", 29)

	if doc.ToServer != nil {
		toServ = directionColumnWithEkbps(doc.ToServer, doc.Conditions)
	}
	if doc.FromServer != nil {
		fromServ = directionColumnWithEkbps(doc.FromServer, doc.Conditions)
	}

	rtpMim := " "
	if doc.Conditions.RTPMimic {
		rtpMim = "R"
	}

	return fmt.Sprintf("%s%6d | %5d || %-29s || %-29s",
		rtpMim, doc.Conditions.Kbps(), doc.Conditions.PacketSize, toServ, fromServ)
}

func directionColumnWithEkbps(r *experiment.Results, conditions experiment.Info) string {
	lm := r.LossModel
	ekbps := float64(conditions.Kbps()) * (1.0 - lm.LossProb)
	return fmt.Sprintf("%7.0f | %4.1f%s%s%s| %7.0f %s",
		ekbps,
		lm.LossProb*100.0,
		lossSendsideMarker(lm),
		lossRecoverabilityMarker(lm),
		lostAtTheEndMarker(lm),
		r.DelayModel.MeanDelayMs,
		latchupMarker(r),
	)
}

// SummaryHeader is the header line printed once above a table of
// SummaryLine rows.
const SummaryHeader = "  kbps  | pktsz || ekbps_^ | loss_^ | delay_^    || ekbps_v | loss_v | delay_v  "

// SortKey selects the ordering print_summary applies to a battery's
// documents (§4.8).
type SortKey int

const (
	SortByKbps SortKey = iota
	SortByTime
	SortBySize
	SortByRate
)

// ParseSortKey parses the CLI vocabulary for --sort.
func ParseSortKey(s string) SortKey {
	switch s {
	case "time":
		return SortByTime
	case "size":
		return SortBySize
	case "rate":
		return SortByRate
	default:
		return SortByKbps
	}
}

// Summary writes the sorted battery summary table to w.
func Summary(w io.Writer, docs []experiment.ResultsForStoring, key SortKey) {
	sorted := make([]experiment.ResultsForStoring, len(docs))
	copy(sorted, docs)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Conditions, sorted[j].Conditions
		switch key {
		case SortByTime:
			return a.Duration() < b.Duration()
		case SortBySize:
			return a.PacketSize < b.PacketSize
		case SortByRate:
			return a.PacketDelayUs > b.PacketDelayUs
		default:
			return a.Kbps() < b.Kbps()
		}
	})

	fmt.Fprintln(w, SummaryHeader)
	for _, doc := range sorted {
		fmt.Fprintln(w, SummaryLine(doc))
	}
}
