// Package wire implements the single-socket framing and control-frame
// codec shared by the server and the probe (§3, §4.1). A single UDP
// socket on each peer carries both the low-rate control exchange and
// the high-rate data stream of one experiment; every inbound datagram
// is classified by its first few bytes before either peer decides what
// to do with it.
package wire

import "encoding/binary"

// ControlTag is the 3-byte prefix that marks a control frame. It is
// also, not coincidentally, the CBOR "self-describing" tag (55799):
// the original implementation this was grounded on CBOR-encoded its
// control frames and this repo keeps the same tag bytes for wire
// compatibility with dumps taken from that era, even though the
// payload that follows here is a hand-rolled fixed-layout encoding
// rather than CBOR (see DESIGN.md).
var ControlTag = [3]byte{0xd9, 0xd9, 0xf7}

// dataTagPlain is the first 3 bytes of a non-RTP data frame.
var dataTagPlain = [3]byte{0x00, 0x00, 0x00}

// dataTagRTP is the first 2 bytes of an RTP-mimic data frame.
var dataTagRTP = [2]byte{0x80, 0x64}

// MinFrameLen is the shortest payload the dispatcher will look at
// (§3, §4.1); anything shorter is dropped unconditionally.
const MinFrameLen = 20

// Kind classifies one inbound UDP datagram.
type Kind int

const (
	// KindUnknown is returned for datagrams too short to classify, or
	// whose tag bytes match none of the known frames.
	KindUnknown Kind = iota
	// KindControl is a control frame (ControlTag prefix).
	KindControl
	// KindDataPlain is a non-RTP data frame.
	KindDataPlain
	// KindDataRTP is an RTP-mimic data frame.
	KindDataRTP
)

// Classify implements the inbound dispatcher of §4.1:
//
//  1. length < MinFrameLen -> KindUnknown (caller drops)
//  2. bytes 0..3 == ControlTag -> KindControl
//  3. bytes 0..3 == 0x00 0x00 0x00, or bytes 0..2 == 0x80 0x64 -> data frame
//  4. otherwise -> KindUnknown (caller logs and drops)
//
// The RTP-mimic match looks at the two tag bytes only: any other RTP
// traffic on the same port that starts with 0x80 0x64 is classified as
// a data frame too.
func Classify(payload []byte) Kind {
	if len(payload) < MinFrameLen {
		return KindUnknown
	}
	switch {
	case payload[0] == ControlTag[0] && payload[1] == ControlTag[1] && payload[2] == ControlTag[2]:
		return KindControl
	case payload[0] == dataTagPlain[0] && payload[1] == dataTagPlain[1] && payload[2] == dataTagPlain[2]:
		return KindDataPlain
	case payload[0] == dataTagRTP[0] && payload[1] == dataTagRTP[1]:
		return KindDataRTP
	default:
		return KindUnknown
	}
}

// dataSeqnOffset and dataSendUsOffset locate the authoritative
// sequence number and sender-local timestamp within a data frame,
// identical in both plain and RTP-mimic mode (§3).
const (
	dataSeqnOffset  = 12
	dataSendUsOffset = 16
	dataHeaderLen   = 20
)

// WriteDataHeader fills the first dataHeaderLen bytes of buf with the
// data-frame header described in §3. buf must be at least
// dataHeaderLen bytes (callers pass the full packetsize buffer; bytes
// beyond dataHeaderLen are left untouched, i.e. zero padding).
func WriteDataHeader(buf []byte, seqn uint32, sendUs uint32, rtpMimic bool, sessionID uint64) {
	if rtpMimic {
		buf[0] = 0x80
		buf[1] = 0x64
		binary.BigEndian.PutUint16(buf[2:4], uint16(seqn))
		binary.BigEndian.PutUint32(buf[4:8], sendUs*90/1000)
		binary.BigEndian.PutUint32(buf[8:12], uint32(sessionID&0xFFFFFFFF))
	} else {
		buf[0], buf[1], buf[2] = 0, 0, 0
	}
	binary.BigEndian.PutUint32(buf[dataSeqnOffset:dataSeqnOffset+4], seqn)
	binary.BigEndian.PutUint32(buf[dataSendUsOffset:dataSendUsOffset+4], sendUs)
}

// ReadDataHeader extracts the authoritative sequence number and
// sender-local timestamp from a data frame payload. The caller must
// have already classified the frame as KindDataPlain or KindDataRTP
// (payload is at least MinFrameLen bytes, which is >= dataHeaderLen).
func ReadDataHeader(payload []byte) (seqn uint32, sendUs uint32) {
	seqn = binary.BigEndian.Uint32(payload[dataSeqnOffset : dataSeqnOffset+4])
	sendUs = binary.BigEndian.Uint32(payload[dataSendUsOffset : dataSendUsOffset+4])
	return seqn, sendUs
}
