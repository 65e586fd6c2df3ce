package sender_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vi/netmeasure2/internal/clock"
	"github.com/vi/netmeasure2/internal/sender"
	"github.com/vi/netmeasure2/internal/wire"
)

type recordingConn struct {
	mu      sync.Mutex
	writes  [][]byte
	failAt  map[int]bool
	nextIdx int
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIdx
	c.nextIdx++
	if c.failAt[idx] {
		return 0, errors.New("simulated write failure")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.writes = append(c.writes, cp)
	return len(b), nil
}

func TestRunSendsAllPackets(t *testing.T) {
	t.Parallel()

	conn := &recordingConn{}
	s := sender.New(conn, sender.Config{
		PacketSize:    64,
		TotalPackets:  5,
		PacketDelayUs: 0,
		SessionID:     42,
		StartAtUs:     clock.Now(),
	})

	lost, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lost != 0 {
		t.Errorf("sendLost = %d, want 0", lost)
	}
	if len(conn.writes) != 5 {
		t.Fatalf("got %d writes, want 5", len(conn.writes))
	}
	for i, payload := range conn.writes {
		if wire.Classify(payload) != wire.KindDataPlain {
			t.Errorf("packet %d not classified as data frame", i)
		}
		seqn, _ := wire.ReadDataHeader(payload)
		if seqn != uint32(i) {
			t.Errorf("packet %d: seqn = %d, want %d", i, seqn, i)
		}
	}
}

func TestRunCountsSendLoss(t *testing.T) {
	t.Parallel()

	conn := &recordingConn{failAt: map[int]bool{1: true, 3: true}}
	s := sender.New(conn, sender.Config{
		PacketSize:    64,
		TotalPackets:  5,
		PacketDelayUs: 0,
		StartAtUs:     clock.Now(),
	})

	lost, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lost != 2 {
		t.Errorf("sendLost = %d, want 2", lost)
	}
	if len(conn.writes) != 3 {
		t.Errorf("got %d successful writes, want 3", len(conn.writes))
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	conn := &recordingConn{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := sender.New(conn, sender.Config{
		PacketSize:    64,
		TotalPackets:  1000,
		PacketDelayUs: 1_000_000,
		StartAtUs:     clock.Now(),
	})

	lost, err := s.Run(ctx)
	if err == nil {
		t.Fatal("Run: want context cancellation error, got nil")
	}
	if lost != 0 {
		t.Errorf("sendLost = %d, want 0", lost)
	}
	if len(conn.writes) != 0 {
		t.Errorf("got %d writes, want 0 after immediate cancellation", len(conn.writes))
	}
}
