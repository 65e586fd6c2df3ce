// Package receiver collects the data frames of one experiment
// direction and hands them to internal/analyser once the run is over.
// It never grows its backing storage mid-experiment: the record slice
// is preallocated to totalpackets up front, so a misbehaving or
// malicious peer sending more data frames than negotiated cannot make
// a receiver's memory grow unbounded (§5, §6).
package receiver

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/vi/netmeasure2/internal/analyser"
	"github.com/vi/netmeasure2/internal/clock"
	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/wire"
)

// PacketReceiver accumulates (seqn, send timestamp, receive timestamp)
// triples for one experiment direction.
type PacketReceiver struct {
	records    []analyser.Record
	sessionID  uint64
	lastSeqn   uint32
	haveSeqn   bool
	emaDelayUs float64
	haveEMA    bool
}

// emaAlpha is the smoothing factor for CurrentDelay's exponential
// moving average — recent samples dominate, matching the way a probe
// operator actually wants to watch delay drift live.
const emaAlpha = 0.2

// New preallocates a PacketReceiver for an experiment that expects at
// most capacity data frames.
func New(sessionID uint64, capacity uint32) *PacketReceiver {
	return &PacketReceiver{
		records:   make([]analyser.Record, 0, capacity),
		sessionID: sessionID,
	}
}

// Recv records one data frame, identified by its already-classified
// wire payload. Frames arriving after the preallocated capacity is
// exhausted are silently ignored rather than grown into (§6): a peer
// that overshoots its negotiated totalpackets gets a smaller sample,
// not an unbounded allocation.
func (r *PacketReceiver) Recv(payload []byte) {
	seqn, sendUs := wire.ReadDataHeader(payload)
	recvUs := clock.Now()

	if len(r.records) < cap(r.records) {
		r.records = append(r.records, analyser.Record{
			Seqn:   seqn,
			SendUs: sendUs,
			RecvUs: recvUs,
		})
	}

	r.lastSeqn = seqn
	r.haveSeqn = true

	delay := float64(int64(sendUs) - recvUs)
	if delay < 0 {
		delay = -delay
	}
	if !r.haveEMA {
		r.emaDelayUs = delay
		r.haveEMA = true
	} else {
		r.emaDelayUs = emaAlpha*delay + (1-emaAlpha)*r.emaDelayUs
	}
}

// LastSqn returns the sequence number of the most recently received
// data frame and whether any frame has been received yet.
func (r *PacketReceiver) LastSqn() (seqn uint32, ok bool) {
	return r.lastSeqn, r.haveSeqn
}

// CurrentDelay returns the live exponential-moving-average delay
// estimate in microseconds, for progress reporting during a run; it
// is not the analyser's authoritative mean delay.
func (r *PacketReceiver) CurrentDelay() float64 {
	return r.emaDelayUs
}

// Count reports how many data frames have been recorded so far.
func (r *PacketReceiver) Count() int {
	return len(r.records)
}

// Analyse runs the full statistical analysis over every frame received
// so far (§4.5).
func (r *PacketReceiver) Analyse(totalPackets uint32) experiment.Results {
	return analyser.Analyse(r.records, totalPackets, r.sessionID)
}

// rawDumpMagic tags files written by SaveRawData so ReadAndAnalyse can
// refuse to replay an unrelated file.
const rawDumpMagic uint32 = 0x6e6d7231 // "nmr1"

// SaveRawData persists every recorded frame plus totalPackets to path
// in a simple length-prefixed binary format, so a run can be
// re-analysed offline without repeating the network experiment (§6,
// "postmortem replay").
func (r *PacketReceiver) SaveRawData(path string, totalPackets uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save raw data: %w", err)
	}
	defer f.Close()

	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], rawDumpMagic)
	binary.BigEndian.PutUint64(header[4:12], r.sessionID)
	binary.BigEndian.PutUint32(header[12:16], totalPackets)
	if _, err := f.Write(header[:]); err != nil {
		return fmt.Errorf("save raw data: write header: %w", err)
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(r.records)))
	if _, err := f.Write(countBuf[:]); err != nil {
		return fmt.Errorf("save raw data: write count: %w", err)
	}

	rec := make([]byte, 16)
	for _, rr := range r.records {
		binary.BigEndian.PutUint32(rec[0:4], rr.Seqn)
		binary.BigEndian.PutUint32(rec[4:8], rr.SendUs)
		binary.BigEndian.PutUint64(rec[8:16], uint64(rr.RecvUs))
		if _, err := f.Write(rec); err != nil {
			return fmt.Errorf("save raw data: write record: %w", err)
		}
	}
	return nil
}

// ReadAndAnalyse replays a dump written by SaveRawData and runs the
// analyser over it, for postmortem investigation of a run whose live
// process already exited (§6).
func ReadAndAnalyse(path string) (experiment.Results, error) {
	f, err := os.Open(path)
	if err != nil {
		return experiment.Results{}, fmt.Errorf("read raw data: %w", err)
	}
	defer f.Close()

	var header [16]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return experiment.Results{}, fmt.Errorf("read raw data: header: %w", err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != rawDumpMagic {
		return experiment.Results{}, fmt.Errorf("read raw data: not a netmeasure dump")
	}
	sessionID := binary.BigEndian.Uint64(header[4:12])
	totalPackets := binary.BigEndian.Uint32(header[12:16])

	var countBuf [4]byte
	if _, err := io.ReadFull(f, countBuf[:]); err != nil {
		return experiment.Results{}, fmt.Errorf("read raw data: count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	records := make([]analyser.Record, 0, count)
	rec := make([]byte, 16)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, rec); err != nil {
			return experiment.Results{}, fmt.Errorf("read raw data: record %d: %w", i, err)
		}
		records = append(records, analyser.Record{
			Seqn:   binary.BigEndian.Uint32(rec[0:4]),
			SendUs: binary.BigEndian.Uint32(rec[4:8]),
			RecvUs: int64(binary.BigEndian.Uint64(rec[8:16])),
		})
	}

	return analyser.Analyse(records, totalPackets, sessionID), nil
}
