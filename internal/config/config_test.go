package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vi/netmeasure2/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Server.Addr != ":9100" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9100")
	}

	if cfg.Metrics.Addr != ":9101" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9101")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.Limits.TimeLimit != 30*time.Second {
		t.Errorf("Limits.TimeLimit = %v, want %v", cfg.Limits.TimeLimit, 30*time.Second)
	}

	if cfg.Limits.BandwidthKbps != 50000 {
		t.Errorf("Limits.BandwidthKbps = %d, want %d", cfg.Limits.BandwidthKbps, 50000)
	}

	if cfg.Limits.MinPacketDelayUs != 200 {
		t.Errorf("Limits.MinPacketDelayUs = %d, want %d", cfg.Limits.MinPacketDelayUs, 200)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
server:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
limits:
  time_limit: "10s"
  bandwidth_kbps: 1000
  min_packet_delay_us: 500
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Server.Addr != ":60000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":60000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Limits.TimeLimit != 10*time.Second {
		t.Errorf("Limits.TimeLimit = %v, want %v", cfg.Limits.TimeLimit, 10*time.Second)
	}

	if cfg.Limits.BandwidthKbps != 1000 {
		t.Errorf("Limits.BandwidthKbps = %d, want %d", cfg.Limits.BandwidthKbps, 1000)
	}

	if cfg.Limits.MinPacketDelayUs != 500 {
		t.Errorf("Limits.MinPacketDelayUs = %d, want %d", cfg.Limits.MinPacketDelayUs, 500)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override server.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
server:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Server.Addr != ":55555" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Metrics.Addr != ":9101" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9101")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.Limits.BandwidthKbps != 50000 {
		t.Errorf("Limits.BandwidthKbps = %d, want default %d", cfg.Limits.BandwidthKbps, 50000)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty server addr",
			modify: func(cfg *config.Config) {
				cfg.Server.Addr = ""
			},
			wantErr: config.ErrEmptyServerAddr,
		},
		{
			name: "zero time limit",
			modify: func(cfg *config.Config) {
				cfg.Limits.TimeLimit = 0
			},
			wantErr: config.ErrInvalidTimeLimit,
		},
		{
			name: "negative time limit",
			modify: func(cfg *config.Config) {
				cfg.Limits.TimeLimit = -1 * time.Second
			},
			wantErr: config.ErrInvalidTimeLimit,
		},
		{
			name: "zero bandwidth",
			modify: func(cfg *config.Config) {
				cfg.Limits.BandwidthKbps = 0
			},
			wantErr: config.ErrInvalidBandwidth,
		},
		{
			name: "zero min packet delay",
			modify: func(cfg *config.Config) {
				cfg.Limits.MinPacketDelayUs = 0
			},
			wantErr: config.ErrInvalidMinDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, ":9100")
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
server:
  addr: ":9100"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("NETMEASURE_SERVER_ADDR", ":60000")
	t.Setenv("NETMEASURE_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Server.Addr != ":60000" {
		t.Errorf("Server.Addr = %q, want %q (from env)", cfg.Server.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
server:
  addr: ":9100"
metrics:
  addr: ":9101"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("NETMEASURE_METRICS_ADDR", ":9200")
	t.Setenv("NETMEASURE_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "netmeasure.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
