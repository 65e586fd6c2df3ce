package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vi/netmeasure2/internal/experiment"
)

// ErrMalformed is wrapped by every decode error in this package.
var ErrMalformed = errors.New("wire: malformed frame")

// Histogram entries are quantized to 16-bit fixed point (0..65535 maps
// linearly to 0.0..1.0) rather than carried as float64 or float32: the
// control frame budget is 1420 bytes (§3) and every entry is already
// normalized to [0,1], so the extra float precision buys nothing a
// probe or battery summary would ever notice. This keeps one complete
// Results at 460 bytes, about a third of the budget.
const fixedPointScale = 65535.0

func quantize(x float64) uint16 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return math.MaxUint16
	}
	return uint16(x * fixedPointScale)
}

func dequantize(q uint16) float64 {
	return float64(q) / fixedPointScale
}

func putHist30(buf []byte, h [30]float64) {
	for i, v := range h {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], quantize(v))
	}
}

func getHist30(buf []byte) [30]float64 {
	var h [30]float64
	for i := range h {
		h[i] = dequantize(binary.BigEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return h
}

func putHist31(buf []byte, h [31]float64) {
	for i, v := range h {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], quantize(v))
	}
}

func getHist31(buf []byte) [31]float64 {
	var h [31]float64
	for i := range h {
		h[i] = dequantize(binary.BigEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return h
}

// resultsEncodedLen is the fixed size of one encoded experiment.Results:
// 2 histograms of 30 entries (loss model) + 1 of 30 + 4 of 31 (delay
// model) at 2 bytes each, plus the scalar fields.
const resultsEncodedLen = (30+30+30+31*4)*2 + 4 + 4 + 4 + 4 + 4 + 8 + 4

func encodeResults(r *experiment.Results) []byte {
	buf := make([]byte, resultsEncodedLen)
	off := 0
	putHist30(buf[off:], r.LossModel.NonLoss)
	off += 60
	putHist30(buf[off:], r.LossModel.Loss)
	off += 60
	binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(r.LossModel.LossProb)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(r.LossModel.SendSideLoss)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.LossModel.BeginLP)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.LossModel.EndLP)
	off += 4
	putHist30(buf[off:], r.DelayModel.ValuePopularity)
	off += 60
	putHist31(buf[off:], r.DelayModel.DeltaNoLoss)
	off += 62
	putHist31(buf[off:], r.DelayModel.DeltaLoss1)
	off += 62
	putHist31(buf[off:], r.DelayModel.DeltaLoss2To20)
	off += 62
	putHist31(buf[off:], r.DelayModel.DeltaLossMany)
	off += 62
	binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(r.DelayModel.MeanDelayMs)))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], r.SessionID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], r.TotalReceivedPackets)
	off += 4
	if off != resultsEncodedLen {
		panic(fmt.Sprintf("wire: resultsEncodedLen mismatch: wrote %d, want %d", off, resultsEncodedLen))
	}
	return buf
}

func decodeResults(buf []byte) (*experiment.Results, int, error) {
	if len(buf) < resultsEncodedLen {
		return nil, 0, fmt.Errorf("%w: truncated results", ErrMalformed)
	}
	r := &experiment.Results{}
	off := 0
	r.LossModel.NonLoss = getHist30(buf[off:])
	off += 60
	r.LossModel.Loss = getHist30(buf[off:])
	off += 60
	r.LossModel.LossProb = float64(math.Float32frombits(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	r.LossModel.SendSideLoss = float64(math.Float32frombits(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	r.LossModel.BeginLP = binary.BigEndian.Uint32(buf[off:])
	off += 4
	r.LossModel.EndLP = binary.BigEndian.Uint32(buf[off:])
	off += 4
	r.DelayModel.ValuePopularity = getHist30(buf[off:])
	off += 60
	r.DelayModel.DeltaNoLoss = getHist31(buf[off:])
	off += 62
	r.DelayModel.DeltaLoss1 = getHist31(buf[off:])
	off += 62
	r.DelayModel.DeltaLoss2To20 = getHist31(buf[off:])
	off += 62
	r.DelayModel.DeltaLossMany = getHist31(buf[off:])
	off += 62
	r.DelayModel.MeanDelayMs = float64(math.Float32frombits(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	r.SessionID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	r.TotalReceivedPackets = binary.BigEndian.Uint32(buf[off:])
	off += 4
	return r, off, nil
}

// encodeHereAreResults renders the idempotent results reply (§4.6):
// independently-optional Stats and SendLost, each preceded by a
// presence byte.
func encodeHereAreResults(r Reply) []byte {
	var statsBuf []byte
	if r.Stats != nil {
		statsBuf = encodeResults(r.Stats)
	}
	total := 1 + 1 + len(statsBuf) + 1 + 4
	buf := make([]byte, total)
	buf[0] = byte(ReplyHereAreResults)
	off := 1
	if r.Stats != nil {
		buf[off] = 1
		off++
		copy(buf[off:], statsBuf)
		off += len(statsBuf)
	} else {
		buf[off] = 0
		off++
	}
	if r.SendLost != nil {
		buf[off] = 1
		off++
		binary.BigEndian.PutUint32(buf[off:], *r.SendLost)
		off += 4
	} else {
		buf[off] = 0
		off++
		off += 4
	}
	return buf[:off]
}

func decodeHereAreResults(buf []byte) (Reply, error) {
	if len(buf) < 1 {
		return Reply{}, fmt.Errorf("%w: truncated HereAreResults", ErrMalformed)
	}
	reply := Reply{Kind: ReplyHereAreResults}
	hasStats := buf[0] != 0
	buf = buf[1:]
	if hasStats {
		stats, n, err := decodeResults(buf)
		if err != nil {
			return Reply{}, err
		}
		reply.Stats = stats
		buf = buf[n:]
	}
	if len(buf) < 1 {
		return Reply{}, fmt.Errorf("%w: truncated HereAreResults send_lost flag", ErrMalformed)
	}
	hasSendLost := buf[0] != 0
	buf = buf[1:]
	if hasSendLost {
		if len(buf) < 4 {
			return Reply{}, fmt.Errorf("%w: truncated HereAreResults send_lost", ErrMalformed)
		}
		v := binary.BigEndian.Uint32(buf[0:4])
		reply.SendLost = &v
	}
	return reply, nil
}
