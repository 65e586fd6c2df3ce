package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/config"
)

// configPath is the shared --config flag for commands that read
// internal/config (serve).
var configPath string

// rootCmd is the top-level cobra command for netmeasure.
var rootCmd = &cobra.Command{
	Use:   "netmeasure",
	Short: "Measure UDP path quality between two hosts",
	Long:  "netmeasure runs a timed exchange of sequence-numbered UDP packets between a server and a probe, and summarizes the observed loss and delay behavior.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(batteryCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(showBatCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(replayCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the shared config file, falling back to defaults
// when --config was not given.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

// newLogger builds a structured logger from a config.LogConfig.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// defaultCLILogger is the plain text-on-stderr logger used by the
// one-shot probe/battery commands, which have no persistent config
// file requirement of their own.
func defaultCLILogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
