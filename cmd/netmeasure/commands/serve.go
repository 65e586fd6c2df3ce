package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vi/netmeasure2/internal/experiment"
	netmetrics "github.com/vi/netmeasure2/internal/metrics"
	"github.com/vi/netmeasure2/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous server daemon",
		RunE:  runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)

	limits := experiment.Limits{
		TimeLimit:        cfg.Limits.TimeLimit,
		BandwidthKbps:    cfg.Limits.BandwidthKbps,
		MinPacketDelayUs: cfg.Limits.MinPacketDelayUs,
	}

	reg := prometheus.NewRegistry()
	collector := netmetrics.NewCollector(reg)

	srv, err := server.New(cfg.Server.Addr, limits, logger, collector)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics.Addr, cfg.Metrics.Path, reg)

	g.Go(func() error {
		logger.Info("rendezvous server listening", "addr", cfg.Server.Addr)
		return srv.Serve(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		return listenAndServeMetrics(gCtx, metricsSrv)
	})

	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("netmeasure server stopped")
	return nil
}

func newMetricsServer(addr, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServeMetrics(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
