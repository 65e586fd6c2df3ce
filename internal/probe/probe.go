// Package probe drives the client side of one experiment: negotiate a
// session with the server, run the sender/receiver for its duration,
// collect the server's results, and assemble the final document (§4.7).
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/vi/netmeasure2/internal/clock"
	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/receiver"
	"github.com/vi/netmeasure2/internal/sender"
	"github.com/vi/netmeasure2/internal/wire"
)

// negotiateReplyTimeout is how long Negotiate waits for one reply
// before re-sending the request (§4.7).
const negotiateReplyTimeout = 250 * time.Millisecond

// collectReadTimeout is the Collect phase's per-read timeout (§4.7).
const collectReadTimeout = 1 * time.Second

// adaptiveGraceShortfall is how many packets short of totalpackets the
// last-seen sequence number must be to trigger the long adaptive grace
// window (§4.7).
const adaptiveGraceShortfall = 4

// adaptiveGraceLong is the grace window applied when the receiver is
// materially short of totalpackets at nominal end time (§4.7).
const adaptiveGraceLong = 10 * time.Second

// Sentinel errors surfaced by Run.
var (
	ErrNegotiateTimeout  = errors.New("probe: negotiation deadline exceeded")
	ErrServerBusy        = errors.New("probe: server is busy")
	ErrResourceLimits    = errors.New("probe: server rejected resource limits")
	ErrServerFailed      = errors.New("probe: server reported failure")
	ErrProtocolViolation = errors.New("probe: unexpected reply during negotiation")
)

// Config is everything a Probe needs beyond the experiment parameters.
type Config struct {
	ServerAddr    string
	StartDeadline time.Time
	RawDumpPath   string
	Logger        *slog.Logger
}

// Probe runs one experiment end to end against one server.
type Probe struct {
	cfg    Config
	conn   *net.UDPConn
	logger *slog.Logger

	seqnForRTT uint32
	rttSamples []time.Duration
	sentAt     map[uint32]time.Time
}

// New dials the server's rendezvous socket. The connection is not
// actually negotiated until Run is called.
func New(cfg Config) (*Probe, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("probe: resolve %s: %w", cfg.ServerAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("probe: dial %s: %w", cfg.ServerAddr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		cfg:        cfg,
		conn:       conn,
		logger:     logger.With(slog.String("component", "probe"), slog.String("server", cfg.ServerAddr)),
		sentAt:     make(map[uint32]time.Time),
	}, nil
}

// Close releases the probe's socket.
func (p *Probe) Close() error {
	return p.conn.Close()
}

// Run drives all four phases of §4.7 for one experiment and returns
// the completed document.
func (p *Probe) Run(ctx context.Context, info experiment.Info) (experiment.ResultsForStoring, error) {
	sessionID, remainingWarmupUs, elapsedUs, err := p.negotiate(ctx, &info)
	if err != nil {
		return experiment.ResultsForStoring{}, err
	}
	info.SessionID = sessionID

	var experimentStartForReceiver int64
	if elapsedUs > 0 {
		experimentStartForReceiver = clock.Now() - elapsedUs
	} else {
		experimentStartForReceiver = clock.Now() + remainingWarmupUs
	}
	localStart := clock.Now()

	var wait chan sendOutcome
	if info.Direction.ClientNeedsSender() {
		wait = make(chan sendOutcome, 1)
		go p.runSender(ctx, info, localStart, wait)
	}

	var recv *receiver.PacketReceiver
	if info.Direction.ClientNeedsReceiver() {
		recv = receiver.New(info.SessionID, info.TotalPackets)
	}

	toServer, serverSendLost, err := p.collect(ctx, info, recv, experimentStartForReceiver)
	if err != nil {
		return experiment.ResultsForStoring{}, err
	}

	var localSendLost uint32
	if wait != nil {
		outcome := <-wait
		localSendLost = outcome.lost
		if outcome.err != nil {
			p.logger.Warn("probe sender exited early", slog.Any("err", outcome.err))
		}
	}

	var fromServer *experiment.Results
	if recv != nil {
		r := recv.Analyse(info.TotalPackets)
		if serverSendLost != nil {
			r.LossModel.SendSideLoss = float64(*serverSendLost) / float64(max1(info.TotalPackets))
		}
		fromServer = &r
	}
	if toServer != nil {
		toServer.LossModel.SendSideLoss = float64(localSendLost) / float64(max1(info.TotalPackets))
	}

	if p.cfg.RawDumpPath != "" && recv != nil {
		if err := recv.SaveRawData(p.cfg.RawDumpPath, info.TotalPackets); err != nil {
			p.logger.Warn("raw dump failed", slog.Any("err", err))
		}
	}

	return experiment.ResultsForStoring{
		ToServer:   toServer,
		FromServer: fromServer,
		Conditions: info,
		RTTUs:      p.meanRTT().Microseconds(),
		APIVersion: experiment.APIVersion,
	}, nil
}

type sendOutcome struct {
	lost uint32
	err  error
}

func (p *Probe) runSender(ctx context.Context, info experiment.Info, startAtUs int64, out chan<- sendOutcome) {
	snd := sender.New(p.conn, sender.Config{
		PacketSize:    info.PacketSize,
		TotalPackets:  info.TotalPackets,
		PacketDelayUs: info.PacketDelayUs,
		RTPMimic:      info.RTPMimic,
		SessionID:     info.SessionID,
		StartAtUs:     startAtUs + int64(info.PendingStartUs),
	}, sender.WithLogger(p.logger))
	lost, err := snd.Run(ctx)
	out <- sendOutcome{lost: lost, err: err}
}

// negotiate implements §4.7 phase 1.
func (p *Probe) negotiate(ctx context.Context, info *experiment.Info) (sessionID uint64, remainingWarmupUs, elapsedUs int64, err error) {
	for {
		if !p.cfg.StartDeadline.IsZero() && time.Now().After(p.cfg.StartDeadline) {
			return 0, 0, 0, ErrNegotiateTimeout
		}
		if ctx.Err() != nil {
			return 0, 0, 0, ctx.Err()
		}

		pendingStartUs := uint64(0)
		if !p.cfg.StartDeadline.IsZero() {
			if d := time.Until(p.cfg.StartDeadline); d > 0 {
				pendingStartUs = uint64(d.Microseconds())
			}
		}
		info.PendingStartUs = pendingStartUs
		info.SessionID = sessionID

		seqn := p.nextSeqn()
		p.sentAt[seqn] = time.Now()
		req := wire.EncodeClientToServer(wire.ClientToServer{
			Experiment: *info,
			APIVersion: experiment.APIVersion,
			SeqnForRTT: seqn,
		})
		if _, werr := p.conn.Write(req); werr != nil {
			return 0, 0, 0, fmt.Errorf("probe: send negotiate frame: %w", werr)
		}

		reply, ok, rerr := p.readControlReply(negotiateReplyTimeout)
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		if !ok {
			continue
		}
		p.recordRTT(reply.SeqnForRTT)

		switch reply.Reply.Kind {
		case wire.ReplyBusy:
			return 0, 0, 0, ErrServerBusy
		case wire.ReplyResourceLimits:
			return 0, 0, 0, fmt.Errorf("%w: %s", ErrResourceLimits, reply.Reply.Msg)
		case wire.ReplyFailed:
			return 0, 0, 0, fmt.Errorf("%w: %s", ErrServerFailed, reply.Reply.Msg)
		case wire.ReplyRetryWithSessionID:
			sessionID = reply.Reply.SessionID
			continue
		case wire.ReplyAccepted:
			return reply.Reply.SessionID, int64(reply.Reply.RemainingWarmupUs), 0, nil
		case wire.ReplyIsOngoing:
			return reply.Reply.SessionID, 0, int64(reply.Reply.ElapsedUs), nil
		case wire.ReplyHereAreResults:
			return 0, 0, 0, fmt.Errorf("%w: got HereAreResults during negotiation", ErrProtocolViolation)
		default:
			return 0, 0, 0, fmt.Errorf("%w: unknown reply kind", ErrProtocolViolation)
		}
	}
}

// collect implements §4.7 phases 2-3's receive loop (sender spawn
// already happened in Run before this is called).
func (p *Probe) collect(ctx context.Context, info experiment.Info, recv *receiver.PacketReceiver, experimentStartForReceiver int64) (*experiment.Results, *uint32, error) {
	endUs := experimentStartForReceiver + info.Duration().Microseconds()
	requestResults := false

	for {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		now := clock.Now()
		if !requestResults && now > endUs+p.adaptiveGrace(recv, info) {
			requestResults = true
		}

		p.conn.SetReadDeadline(time.Now().Add(collectReadTimeout))
		buf := make([]byte, int(info.PacketSize)+64)
		n, err := p.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				if requestResults {
					p.resendResultsRequest(info)
				}
				continue
			}
			return nil, nil, fmt.Errorf("probe: collect read: %w", err)
		}
		payload := buf[:n]

		switch wire.Classify(payload) {
		case wire.KindDataPlain, wire.KindDataRTP:
			if recv != nil {
				recv.Recv(payload)
			}
		case wire.KindControl:
			s2c, derr := wire.DecodeServerToClient(payload)
			if derr != nil {
				p.logger.Debug("malformed control reply", slog.Any("err", derr))
				continue
			}
			p.recordRTT(s2c.SeqnForRTT)
			switch s2c.Reply.Kind {
			case wire.ReplyAccepted, wire.ReplyIsOngoing:
				// Echoes of our own negotiation frame arriving late;
				// ignore (§4.7).
			case wire.ReplyHereAreResults:
				return s2c.Reply.Stats, s2c.Reply.SendLost, nil
			case wire.ReplyFailed:
				return nil, nil, fmt.Errorf("%w: %s", ErrServerFailed, s2c.Reply.Msg)
			}
		}
	}
}

// adaptiveGrace implements §4.7's grace-window rule.
func (p *Probe) adaptiveGrace(recv *receiver.PacketReceiver, info experiment.Info) int64 {
	if recv == nil {
		return 0
	}
	last, ok := recv.LastSqn()
	if !ok || last+adaptiveGraceShortfall < info.TotalPackets {
		return adaptiveGraceLong.Microseconds()
	}
	return 0
}

func (p *Probe) resendResultsRequest(info experiment.Info) {
	seqn := p.nextSeqn()
	p.sentAt[seqn] = time.Now()
	req := wire.EncodeClientToServer(wire.ClientToServer{
		Experiment: info,
		APIVersion: experiment.APIVersion,
		SeqnForRTT: seqn,
	})
	if _, err := p.conn.Write(req); err != nil {
		p.logger.Warn("results re-request failed", slog.Any("err", err))
	}
}

func (p *Probe) readControlReply(timeout time.Duration) (wire.ServerToClient, bool, error) {
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2000)
	n, err := p.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return wire.ServerToClient{}, false, nil
		}
		return wire.ServerToClient{}, false, fmt.Errorf("probe: negotiate read: %w", err)
	}
	if wire.Classify(buf[:n]) != wire.KindControl {
		return wire.ServerToClient{}, false, nil
	}
	s2c, derr := wire.DecodeServerToClient(buf[:n])
	if derr != nil {
		return wire.ServerToClient{}, false, nil
	}
	return s2c, true, nil
}

func (p *Probe) nextSeqn() uint32 {
	p.seqnForRTT++
	return p.seqnForRTT
}

// recordRTT pairs a reply's seqn_for_rtt against the request send time
// recorded under the same sequence number, accumulating the sample
// regardless of which phase the pair came from (§9 Open Question:
// "RTT estimator mixing phases", implemented exactly as specified).
func (p *Probe) recordRTT(seqn uint32) {
	sentAt, ok := p.sentAt[seqn]
	if !ok {
		return
	}
	p.rttSamples = append(p.rttSamples, time.Since(sentAt))
	delete(p.sentAt, seqn)
}

func (p *Probe) meanRTT() time.Duration {
	if len(p.rttSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range p.rttSamples {
		sum += d
	}
	return sum / time.Duration(len(p.rttSamples))
}

func max1(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
