package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/server"
	"github.com/vi/netmeasure2/internal/wire"
)

// discardLogger silences server logs during tests; failures are asserted
// on protocol behavior, not log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func dialClient(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *net.UDPConn, info experiment.Info, seqn uint32) wire.ServerToClient {
	t.Helper()
	req := wire.EncodeClientToServer(wire.ClientToServer{
		Experiment: info,
		APIVersion: experiment.APIVersion,
		SeqnForRTT: seqn,
	})
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write control frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2000)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	s2c, err := wire.DecodeServerToClient(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return s2c
}

func TestServerHandshakeToServerOnlyExperiment(t *testing.T) {
	t.Parallel()

	srv, err := server.New("127.0.0.1:0", experiment.DefaultLimits(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	addr := srv.LocalAddr().String()
	conn := dialClient(t, addr)

	info := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 2000,
		TotalPackets:  20,
		Direction:     experiment.ToServerOnly,
	}

	first := roundTrip(t, conn, info, 1)
	if first.Reply.Kind != wire.ReplyRetryWithSessionID {
		t.Fatalf("first reply kind = %v, want ReplyRetryWithSessionID", first.Reply.Kind)
	}

	info.SessionID = first.Reply.SessionID
	second := roundTrip(t, conn, info, 2)
	if second.Reply.Kind != wire.ReplyAccepted {
		t.Fatalf("second reply kind = %v, want ReplyAccepted", second.Reply.Kind)
	}

	for seqn := uint32(0); seqn < info.TotalPackets; seqn++ {
		buf := make([]byte, info.PacketSize)
		wire.WriteDataHeader(buf, seqn, uint32(seqn*2000), false, info.SessionID)
		if _, err := conn.Write(buf); err != nil {
			t.Fatalf("write data frame %d: %v", seqn, err)
		}
	}

	deadline := time.Now().Add(info.Duration() + 5*time.Second)
	var results wire.ServerToClient
	for time.Now().Before(deadline) {
		results = roundTrip(t, conn, info, 3)
		if results.Reply.Kind == wire.ReplyHereAreResults {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if results.Reply.Kind != wire.ReplyHereAreResults {
		t.Fatalf("final reply kind = %v, want ReplyHereAreResults", results.Reply.Kind)
	}
	if results.Reply.Stats == nil {
		t.Fatal("HereAreResults carried no Stats")
	}
	if results.Reply.Stats.TotalReceivedPackets == 0 {
		t.Error("server received no data frames")
	}
}

func TestServerRejectsSecondPeerWhileOngoing(t *testing.T) {
	t.Parallel()

	srv, err := server.New("127.0.0.1:0", experiment.DefaultLimits(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	addr := srv.LocalAddr().String()
	connA := dialClient(t, addr)
	connB := dialClient(t, addr)

	info := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 20000,
		TotalPackets:  5,
		Direction:     experiment.ToServerOnly,
	}

	first := roundTrip(t, connA, info, 1)
	info.SessionID = first.Reply.SessionID
	accepted := roundTrip(t, connA, info, 2)
	if accepted.Reply.Kind != wire.ReplyAccepted {
		t.Fatalf("peer A: got %v, want ReplyAccepted", accepted.Reply.Kind)
	}

	otherInfo := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 20000,
		TotalPackets:  5,
		Direction:     experiment.ToServerOnly,
	}
	busy := roundTrip(t, connB, otherInfo, 1)
	if busy.Reply.Kind != wire.ReplyBusy {
		t.Fatalf("peer B: got %v, want ReplyBusy", busy.Reply.Kind)
	}
}
