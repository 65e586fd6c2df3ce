// Package config manages netmeasure daemon and CLI configuration using
// koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete netmeasure configuration, read by the
// `serve` command (the `probe` and `battery` commands take their
// experiment parameters from CLI flags directly).
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Limits  LimitsConfig  `koanf:"limits"`
}

// ServerConfig holds the rendezvous server's listen configuration.
type ServerConfig struct {
	// Addr is the UDP listen address (e.g., ":9100").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// LimitsConfig holds the server's per-experiment resource-limit policy
// (§6): the values experiment.Limits is built from.
type LimitsConfig struct {
	// TimeLimit caps the steady-state duration of any one experiment.
	TimeLimit time.Duration `koanf:"time_limit"`
	// BandwidthKbps caps the effective wire bandwidth of any one experiment.
	BandwidthKbps uint32 `koanf:"bandwidth_kbps"`
	// MinPacketDelayUs floors the inter-packet interval a probe may request.
	MinPacketDelayUs uint64 `koanf:"min_packet_delay_us"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9100",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Limits: LimitsConfig{
			TimeLimit:        30 * time.Second,
			BandwidthKbps:    50000,
			MinPacketDelayUs: 200,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for netmeasure
// configuration. Variables are named NETMEASURE_<section>_<key>, e.g.,
// NETMEASURE_SERVER_ADDR.
const envPrefix = "NETMEASURE_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (NETMEASURE_ prefix), and merges on
// top of DefaultConfig(). Missing fields inherit defaults. An empty
// path skips the file provider and loads defaults plus environment
// only.
//
// Environment variable mapping:
//
//	NETMEASURE_SERVER_ADDR           -> server.addr
//	NETMEASURE_METRICS_ADDR          -> metrics.addr
//	NETMEASURE_METRICS_PATH          -> metrics.path
//	NETMEASURE_LOG_LEVEL             -> log.level
//	NETMEASURE_LOG_FORMAT            -> log.format
//	NETMEASURE_LIMITS_TIME_LIMIT     -> limits.time_limit
//	NETMEASURE_LIMITS_BANDWIDTH_KBPS -> limits.bandwidth_kbps
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms NETMEASURE_SERVER_ADDR -> server.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":                defaults.Server.Addr,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"limits.time_limit":          defaults.Limits.TimeLimit.String(),
		"limits.bandwidth_kbps":      defaults.Limits.BandwidthKbps,
		"limits.min_packet_delay_us": defaults.Limits.MinPacketDelayUs,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyServerAddr  = errors.New("server.addr must not be empty")
	ErrInvalidTimeLimit = errors.New("limits.time_limit must be > 0")
	ErrInvalidBandwidth = errors.New("limits.bandwidth_kbps must be > 0")
	ErrInvalidMinDelay  = errors.New("limits.min_packet_delay_us must be > 0")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}
	if cfg.Limits.TimeLimit <= 0 {
		return ErrInvalidTimeLimit
	}
	if cfg.Limits.BandwidthKbps == 0 {
		return ErrInvalidBandwidth
	}
	if cfg.Limits.MinPacketDelayUs == 0 {
		return ErrInvalidMinDelay
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
