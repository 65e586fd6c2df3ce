package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/vi/netmeasure2/internal/clock"
	"github.com/vi/netmeasure2/internal/experiment"
	netmetrics "github.com/vi/netmeasure2/internal/metrics"
	"github.com/vi/netmeasure2/internal/receiver"
	"github.com/vi/netmeasure2/internal/sender"
	"github.com/vi/netmeasure2/internal/wire"
)

// Server listens on one UDP socket and serves one experiment at a
// time, multiplexing control and data frames per the single-socket
// rendezvous protocol.
type Server struct {
	conn    *net.UDPConn
	limits  experiment.Limits
	logger  *slog.Logger
	metrics *netmetrics.Collector

	mu    sync.Mutex
	state State
	// recv is the active receiver for the Ongoing experiment, if the
	// negotiated direction needs one. Guarded by mu.
	recv *receiver.PacketReceiver
}

// New builds a Server bound to addr.
func New(addr string, limits experiment.Limits, logger *slog.Logger, metrics *netmetrics.Collector) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		conn:    conn,
		limits:  limits,
		logger:  logger.With(slog.String("component", "server")),
		metrics: metrics,
	}, nil
}

// Close releases the listening socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// LocalAddr reports the address the server is listening on, mainly for
// tests that bind to port 0 and need the assigned port.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve runs the receive loop until ctx is cancelled or the socket
// errors out.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, experiment.MaxPacketSize+64)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server read: %w", err)
		}
		payload := buf[:n]
		peer := raddr.AddrPort()

		switch wire.Classify(payload) {
		case wire.KindControl:
			s.handleControl(ctx, peer, payload)
		case wire.KindDataPlain, wire.KindDataRTP:
			s.handleData(peer, payload)
		default:
			s.logger.Debug("dropped unclassified frame", slog.Int("len", n), slog.String("peer", peer.String()))
		}
	}
}

func (s *Server) handleControl(ctx context.Context, peer netip.AddrPort, payload []byte) {
	c2s, err := wire.DecodeClientToServer(payload)
	if err != nil {
		s.logger.Warn("malformed control frame", slog.String("peer", peer.String()), slog.Any("err", err))
		return
	}
	if c2s.APIVersion != experiment.APIVersion {
		s.send(peer, wire.ServerToClient{
			Reply:      wire.Reply{Kind: wire.ReplyFailed, Msg: "api version mismatch"},
			APIVersion: experiment.APIVersion,
			SeqnForRTT: c2s.SeqnForRTT,
		})
		return
	}

	s.mu.Lock()
	out := Handle(s.state, Request{Peer: peer, Info: c2s.Experiment, NowUs: clock.Now()}, s.limits, mintSessionID)
	s.state = out.NextState
	if out.Reply.StartSession {
		s.startSessionLocked(ctx, peer, out.NextState.Ongoing.Info)
	}
	s.mu.Unlock()

	if s.metrics != nil && out.Reply.Kind == ReplyAccepted {
		s.metrics.RecordAccepted(peer)
		s.metrics.SetState(peer, false)
	}

	s.send(peer, toWireServerToClient(out.Reply, c2s.SeqnForRTT))
}

func (s *Server) handleData(peer netip.AddrPort, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Ongoing == nil || s.state.Ongoing.Peer != peer || s.recv == nil {
		return
	}
	s.recv.Recv(payload)
}

// startSessionLocked spins up the sender and/or receiver goroutines
// for a freshly accepted experiment; called with s.mu held.
func (s *Server) startSessionLocked(ctx context.Context, peer netip.AddrPort, info experiment.Info) {
	var recv *receiver.PacketReceiver
	if info.Direction.ServerNeedsReceiver() {
		recv = receiver.New(info.SessionID, info.TotalPackets)
	}
	s.recv = recv

	startAtUs := clock.Now() + int64(info.PendingStartUs)

	go func() {
		var sendLost uint32
		if info.Direction.ServerNeedsSender() {
			conn := &udpPeerConn{conn: s.conn, peer: peer}
			snd := sender.New(conn, sender.Config{
				PacketSize:    info.PacketSize,
				TotalPackets:  info.TotalPackets,
				PacketDelayUs: info.PacketDelayUs,
				RTPMimic:      info.RTPMimic,
				SessionID:     info.SessionID,
				StartAtUs:     startAtUs,
			}, sender.WithLogger(s.logger))
			lost, err := snd.Run(ctx)
			sendLost = lost
			if err != nil {
				s.logger.Warn("server sender exited early", slog.Any("err", err))
			}
			if s.metrics != nil {
				s.metrics.AddPacketsSent(peer, info.TotalPackets-lost)
				s.metrics.AddSendSideLoss(peer, lost)
			}
		}

		deadline := clock.Now() + int64(info.PendingStartUs) + info.Duration().Microseconds()
		(clock.Sleeper{}).SleepUntil(deadline)

		var results *experiment.Results
		s.mu.Lock()
		if recv != nil {
			r := recv.Analyse(info.TotalPackets)
			results = &r
			if s.metrics != nil {
				s.metrics.AddPacketsReceived(peer, r.TotalReceivedPackets)
				s.metrics.RecordResults(peer, r.LossModel.LossProb, r.DelayModel.MeanDelayMs, r.QualityScore())
			}
		}
		s.state = Finish(s.state, peer, info, results, nil, &sendLost, clock.Now())
		s.recv = nil
		if s.metrics != nil {
			s.metrics.SetState(peer, true)
		}
		s.mu.Unlock()
	}()
}

func (s *Server) send(peer netip.AddrPort, s2c wire.ServerToClient) {
	buf := wire.EncodeServerToClient(s2c)
	if _, err := s.conn.WriteToUDPAddrPort(buf, peer); err != nil {
		s.logger.Warn("control reply write failed", slog.String("peer", peer.String()), slog.Any("err", err))
	}
}

func toWireServerToClient(d ReplyDecision, seqn uint32) wire.ServerToClient {
	r := wire.Reply{Msg: d.Msg, SendLost: d.SendLost}
	switch d.Kind {
	case ReplyBusy:
		r.Kind = wire.ReplyBusy
	case ReplyRetryWithSessionID:
		r.Kind = wire.ReplyRetryWithSessionID
		r.SessionID = d.SessionID
	case ReplyAccepted:
		r.Kind = wire.ReplyAccepted
		r.SessionID = d.SessionID
		r.RemainingWarmupUs = uint64(d.RemainingWarmupUs)
	case ReplyIsOngoing:
		r.Kind = wire.ReplyIsOngoing
		r.SessionID = d.SessionID
		r.ElapsedUs = uint64(d.ElapsedUs)
	case ReplyHereAreResults:
		r.Kind = wire.ReplyHereAreResults
		r.Stats = d.ToServer
	case ReplyResourceLimits:
		r.Kind = wire.ReplyResourceLimits
	}
	return wire.ServerToClient{Reply: r, APIVersion: experiment.APIVersion, SeqnForRTT: seqn}
}

// mintSessionID draws a fresh, unpredictable session id so a spoofed
// source address cannot guess it and hijack the handshake (§4.6).
func mintSessionID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back
		// to the clock rather than minting a zero id.
		return uint64(clock.Now())
	}
	return binary.BigEndian.Uint64(b[:])
}

// udpPeerConn adapts a shared *net.UDPConn plus a fixed remote address
// to the sender.Conn interface, so the server's sender goroutine
// writes to exactly one peer over the same socket the receive loop
// reads from.
type udpPeerConn struct {
	conn *net.UDPConn
	peer netip.AddrPort
}

func (c *udpPeerConn) Write(b []byte) (int, error) {
	return c.conn.WriteToUDPAddrPort(b, c.peer)
}
