package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vi/netmeasure2/internal/experiment"
)

// Control frame layout, following ControlTag (§4.1):
//
//	byte  3       message kind (1=ClientToServer, 2=ServerToClient)
//	bytes 4..8    api_version (uint32 BE)
//	bytes 8..12   seqn_for_rtt (uint32 BE)
//	bytes 12..    kind-specific body
//
// ClientToServer body is the fixed-width encoding of experiment.Info;
// ServerToClient body is a one-byte reply discriminant followed by a
// reply-specific payload. Both are hand-rolled with encoding/binary
// rather than a general serializer (see DESIGN.md): the message set is
// small, fixed, and versioned by APIVersion, so a schema library buys
// nothing a few PutUint32 calls don't already give us.
const controlHeaderLen = 3 + 1 + 4 + 4

// MessageKind discriminates a control frame's body.
type MessageKind byte

const (
	KindClientToServer MessageKind = 1
	KindServerToClient MessageKind = 2
)

// ClientToServer is the probe's half of the rendezvous handshake.
type ClientToServer struct {
	Experiment experiment.Info
	APIVersion uint32
	SeqnForRTT uint32
}

// ReplyKind discriminates the body of a ServerToClient reply.
type ReplyKind byte

const (
	ReplyBusy ReplyKind = iota
	ReplyRetryWithSessionID
	ReplyAccepted
	ReplyIsOngoing
	ReplyHereAreResults
	ReplyResourceLimits
	ReplyFailed
)

// Reply is the tagged-union body of a ServerToClient control frame
// (§4.1, §4.6). Only the fields relevant to Kind are meaningful.
type Reply struct {
	Kind ReplyKind

	// RetryWithSessionID, Accepted, IsOngoing
	SessionID uint64

	// Accepted
	RemainingWarmupUs uint64

	// IsOngoing
	ElapsedUs uint64

	// HereAreResults: Stats and SendLost are independently optional —
	// a server that ran no receiver for this direction sends no Stats;
	// the server in internal/server always sends SendLost (zero when it
	// ran no sender).
	Stats    *experiment.Results
	SendLost *uint32

	// ResourceLimits, Failed
	Msg string
}

// ServerToClient is the server's half of the rendezvous handshake and
// the results/ongoing/failure notifications that follow it.
type ServerToClient struct {
	Reply      Reply
	APIVersion uint32
	SeqnForRTT uint32
}

// EncodeClientToServer renders c2s as a control frame.
func EncodeClientToServer(c2s ClientToServer) []byte {
	buf := make([]byte, controlHeaderLen+infoEncodedLen)
	writeControlHeader(buf, KindClientToServer, c2s.APIVersion, c2s.SeqnForRTT)
	encodeInfo(buf[controlHeaderLen:], c2s.Experiment)
	return buf
}

// DecodeClientToServer parses a control frame previously produced by
// EncodeClientToServer.
func DecodeClientToServer(payload []byte) (ClientToServer, error) {
	kind, apiVersion, seqn, body, err := readControlHeader(payload)
	if err != nil {
		return ClientToServer{}, err
	}
	if kind != KindClientToServer {
		return ClientToServer{}, fmt.Errorf("%w: got kind %d, want ClientToServer", ErrMalformed, kind)
	}
	info, err := decodeInfo(body)
	if err != nil {
		return ClientToServer{}, err
	}
	return ClientToServer{Experiment: info, APIVersion: apiVersion, SeqnForRTT: seqn}, nil
}

// EncodeServerToClient renders s2c as a control frame.
func EncodeServerToClient(s2c ServerToClient) []byte {
	body := encodeReply(s2c.Reply)
	buf := make([]byte, controlHeaderLen+len(body))
	writeControlHeader(buf, KindServerToClient, s2c.APIVersion, s2c.SeqnForRTT)
	copy(buf[controlHeaderLen:], body)
	return buf
}

// DecodeServerToClient parses a control frame previously produced by
// EncodeServerToClient.
func DecodeServerToClient(payload []byte) (ServerToClient, error) {
	kind, apiVersion, seqn, body, err := readControlHeader(payload)
	if err != nil {
		return ServerToClient{}, err
	}
	if kind != KindServerToClient {
		return ServerToClient{}, fmt.Errorf("%w: got kind %d, want ServerToClient", ErrMalformed, kind)
	}
	reply, err := decodeReply(body)
	if err != nil {
		return ServerToClient{}, err
	}
	return ServerToClient{Reply: reply, APIVersion: apiVersion, SeqnForRTT: seqn}, nil
}

func writeControlHeader(buf []byte, kind MessageKind, apiVersion, seqn uint32) {
	copy(buf[0:3], ControlTag[:])
	buf[3] = byte(kind)
	binary.BigEndian.PutUint32(buf[4:8], apiVersion)
	binary.BigEndian.PutUint32(buf[8:12], seqn)
}

func readControlHeader(payload []byte) (kind MessageKind, apiVersion, seqn uint32, body []byte, err error) {
	if len(payload) < controlHeaderLen {
		return 0, 0, 0, nil, fmt.Errorf("%w: control frame shorter than header", ErrMalformed)
	}
	if payload[0] != ControlTag[0] || payload[1] != ControlTag[1] || payload[2] != ControlTag[2] {
		return 0, 0, 0, nil, fmt.Errorf("%w: missing control tag", ErrMalformed)
	}
	kind = MessageKind(payload[3])
	apiVersion = binary.BigEndian.Uint32(payload[4:8])
	seqn = binary.BigEndian.Uint32(payload[8:12])
	return kind, apiVersion, seqn, payload[12:], nil
}

const infoEncodedLen = 4 + 8 + 4 + 1 + 1 + 8 + 8

func encodeInfo(buf []byte, i experiment.Info) {
	binary.BigEndian.PutUint32(buf[0:4], i.PacketSize)
	binary.BigEndian.PutUint64(buf[4:12], i.PacketDelayUs)
	binary.BigEndian.PutUint32(buf[12:16], i.TotalPackets)
	buf[16] = byte(i.Direction)
	if i.RTPMimic {
		buf[17] = 1
	}
	binary.BigEndian.PutUint64(buf[18:26], i.SessionID)
	binary.BigEndian.PutUint64(buf[26:34], i.PendingStartUs)
}

func decodeInfo(buf []byte) (experiment.Info, error) {
	if len(buf) < infoEncodedLen {
		return experiment.Info{}, fmt.Errorf("%w: experiment info truncated", ErrMalformed)
	}
	return experiment.Info{
		PacketSize:     binary.BigEndian.Uint32(buf[0:4]),
		PacketDelayUs:  binary.BigEndian.Uint64(buf[4:12]),
		TotalPackets:   binary.BigEndian.Uint32(buf[12:16]),
		Direction:      experiment.Direction(buf[16]),
		RTPMimic:       buf[17] != 0,
		SessionID:      binary.BigEndian.Uint64(buf[18:26]),
		PendingStartUs: binary.BigEndian.Uint64(buf[26:34]),
	}, nil
}

func encodeReply(r Reply) []byte {
	switch r.Kind {
	case ReplyBusy:
		return []byte{byte(ReplyBusy)}
	case ReplyRetryWithSessionID:
		buf := make([]byte, 1+8)
		buf[0] = byte(ReplyRetryWithSessionID)
		binary.BigEndian.PutUint64(buf[1:9], r.SessionID)
		return buf
	case ReplyAccepted:
		buf := make([]byte, 1+8+8)
		buf[0] = byte(ReplyAccepted)
		binary.BigEndian.PutUint64(buf[1:9], r.SessionID)
		binary.BigEndian.PutUint64(buf[9:17], r.RemainingWarmupUs)
		return buf
	case ReplyIsOngoing:
		buf := make([]byte, 1+8+8)
		buf[0] = byte(ReplyIsOngoing)
		binary.BigEndian.PutUint64(buf[1:9], r.SessionID)
		binary.BigEndian.PutUint64(buf[9:17], r.ElapsedUs)
		return buf
	case ReplyHereAreResults:
		return encodeHereAreResults(r)
	case ReplyResourceLimits, ReplyFailed:
		msg := []byte(r.Msg)
		if len(msg) > math.MaxUint16 {
			msg = msg[:math.MaxUint16]
		}
		buf := make([]byte, 1+2+len(msg))
		buf[0] = byte(r.Kind)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
		copy(buf[3:], msg)
		return buf
	default:
		return []byte{byte(ReplyFailed), 0, 0}
	}
}

func decodeReply(buf []byte) (Reply, error) {
	if len(buf) < 1 {
		return Reply{}, fmt.Errorf("%w: empty reply body", ErrMalformed)
	}
	kind := ReplyKind(buf[0])
	buf = buf[1:]
	switch kind {
	case ReplyBusy:
		return Reply{Kind: ReplyBusy}, nil
	case ReplyRetryWithSessionID:
		if len(buf) < 8 {
			return Reply{}, fmt.Errorf("%w: truncated RetryWithSessionID", ErrMalformed)
		}
		return Reply{Kind: kind, SessionID: binary.BigEndian.Uint64(buf[0:8])}, nil
	case ReplyAccepted:
		if len(buf) < 16 {
			return Reply{}, fmt.Errorf("%w: truncated Accepted", ErrMalformed)
		}
		return Reply{
			Kind:              kind,
			SessionID:         binary.BigEndian.Uint64(buf[0:8]),
			RemainingWarmupUs: binary.BigEndian.Uint64(buf[8:16]),
		}, nil
	case ReplyIsOngoing:
		if len(buf) < 16 {
			return Reply{}, fmt.Errorf("%w: truncated IsOngoing", ErrMalformed)
		}
		return Reply{
			Kind:      kind,
			SessionID: binary.BigEndian.Uint64(buf[0:8]),
			ElapsedUs: binary.BigEndian.Uint64(buf[8:16]),
		}, nil
	case ReplyHereAreResults:
		return decodeHereAreResults(buf)
	case ReplyResourceLimits, ReplyFailed:
		if len(buf) < 2 {
			return Reply{}, fmt.Errorf("%w: truncated message reply", ErrMalformed)
		}
		n := int(binary.BigEndian.Uint16(buf[0:2]))
		if len(buf) < 2+n {
			return Reply{}, fmt.Errorf("%w: truncated message body", ErrMalformed)
		}
		return Reply{Kind: kind, Msg: string(buf[2 : 2+n])}, nil
	default:
		return Reply{}, fmt.Errorf("%w: unknown reply kind %d", ErrMalformed, kind)
	}
}
