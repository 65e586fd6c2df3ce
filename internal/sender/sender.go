// Package sender implements the timed data-frame emitter shared by the
// server (direction recv|both) and the probe (direction send|both).
// One Sender writes to one conn for the duration of one experiment.
// Callers may hand it the same rendezvous socket a concurrently running
// receiver reads from — the frame-tag dispatcher in internal/wire is
// what lets both share that single socket at the call site.
package sender

import (
	"context"
	"log/slog"
	"net"

	"github.com/vi/netmeasure2/internal/clock"
	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/wire"
)

// Conn is the minimal outbound surface a Sender needs; *net.UDPConn
// satisfies it directly, and tests substitute a fake.
type Conn interface {
	Write(b []byte) (int, error)
}

// Config is the subset of experiment.Info a Sender needs, plus the
// clock offset it should start emitting at.
type Config struct {
	PacketSize    uint32
	TotalPackets  uint32
	PacketDelayUs uint64
	RTPMimic      bool
	SessionID     uint64
	// StartAtUs is the clock.Now() timebase value of packet 0; callers
	// compute it from PendingStartUs so both peers can agree on a
	// rendezvous instant despite starting Run() at slightly different
	// wall-clock moments (§4.3).
	StartAtUs int64
}

// Sender emits Config.TotalPackets data frames at a fixed cadence
// starting at Config.StartAtUs (§4.3).
type Sender struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	sleeper clock.Sleeper
}

// Option configures optional Sender parameters.
type Option func(*Sender)

// WithLogger attaches a structured logger; without this option New
// uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// New builds a Sender that writes data frames to conn.
func New(conn Conn, cfg Config, opts ...Option) *Sender {
	s := &Sender{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until all Config.TotalPackets frames have been sent or
// ctx is cancelled. A write error does not stop it: the packet is
// counted as dropped and the loop goes on. It returns the number of
// packets dropped on the
// sending side — never retried, so that the receiver's loss model
// measures exactly what crossed the wire (§4.3, §4.5 SendSideLoss).
func (s *Sender) Run(ctx context.Context) (sendLost uint32, err error) {
	buf := make([]byte, s.cfg.PacketSize)
	logger := s.logger.With(
		slog.Uint64("session_id", s.cfg.SessionID),
		slog.Int64("start_at_us", s.cfg.StartAtUs),
	)

	for seqn := uint32(0); seqn < s.cfg.TotalPackets; seqn++ {
		select {
		case <-ctx.Done():
			return sendLost, ctx.Err()
		default:
		}

		deadline := s.cfg.StartAtUs + int64(seqn)*int64(s.cfg.PacketDelayUs)
		s.sleeper.SleepUntil(deadline)

		wire.WriteDataHeader(buf, seqn, uint32(clock.Now()), s.cfg.RTPMimic, s.cfg.SessionID)
		if _, werr := s.conn.Write(buf); werr != nil {
			sendLost++
			logger.Debug("data frame dropped on send", slog.Uint64("seqn", uint64(seqn)), slog.Any("err", werr))
			continue
		}
	}

	logger.Info("sender finished",
		slog.Uint64("total_packets", uint64(s.cfg.TotalPackets)),
		slog.Uint64("send_lost", uint64(sendLost)),
	)
	return sendLost, nil
}

// StartAt computes the StartAtUs field from a negotiated experiment:
// the caller's own clock.Now() reading at acceptance time, plus the
// probe's requested warm-up offset.
func StartAt(acceptedAtUs int64, info experiment.Info) int64 {
	return acceptedAtUs + int64(info.PendingStartUs)
}

var _ Conn = (*net.UDPConn)(nil)
