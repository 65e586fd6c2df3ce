package probe_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/probe"
	"github.com/vi/netmeasure2/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestProbeRunToServerOnly(t *testing.T) {
	t.Parallel()

	srv, err := server.New("127.0.0.1:0", experiment.DefaultLimits(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	p, err := probe.New(probe.Config{
		ServerAddr: srv.LocalAddr().String(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("probe.New: %v", err)
	}
	defer p.Close()

	info := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 2000,
		TotalPackets:  30,
		Direction:     experiment.ToServerOnly,
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer runCancel()

	doc, err := p.Run(runCtx, info)
	if err != nil {
		t.Fatalf("probe.Run: %v", err)
	}
	if doc.ToServer == nil {
		t.Fatal("ResultsForStoring.ToServer is nil")
	}
	if doc.ToServer.TotalReceivedPackets == 0 {
		t.Error("server received no packets")
	}
	if doc.FromServer != nil {
		t.Error("ToServerOnly experiment should not produce a probe-side receiver result")
	}
}

func TestProbeRunBidirectional(t *testing.T) {
	t.Parallel()

	srv, err := server.New("127.0.0.1:0", experiment.DefaultLimits(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	p, err := probe.New(probe.Config{
		ServerAddr: srv.LocalAddr().String(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("probe.New: %v", err)
	}
	defer p.Close()

	info := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 3000,
		TotalPackets:  20,
		Direction:     experiment.Bidirectional,
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer runCancel()

	doc, err := p.Run(runCtx, info)
	if err != nil {
		t.Fatalf("probe.Run: %v", err)
	}
	if doc.ToServer == nil || doc.FromServer == nil {
		t.Fatal("bidirectional experiment should produce both ToServer and FromServer results")
	}
}

func TestProbeNegotiateBusy(t *testing.T) {
	t.Parallel()

	srv, err := server.New("127.0.0.1:0", experiment.DefaultLimits(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	pA, err := probe.New(probe.Config{ServerAddr: srv.LocalAddr().String(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("probe.New A: %v", err)
	}
	defer pA.Close()
	pB, err := probe.New(probe.Config{ServerAddr: srv.LocalAddr().String(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("probe.New B: %v", err)
	}
	defer pB.Close()

	info := experiment.Info{
		PacketSize:    64,
		PacketDelayUs: 20000,
		TotalPackets:  50,
		Direction:     experiment.ToServerOnly,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctxA, cancelA := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelA()
		pA.Run(ctxA, info)
	}()

	time.Sleep(200 * time.Millisecond)

	ctxB, cancelB := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelB()
	_, err = pB.Run(ctxB, info)
	if err != probe.ErrServerBusy {
		t.Fatalf("got %v, want ErrServerBusy", err)
	}

	<-done
}
