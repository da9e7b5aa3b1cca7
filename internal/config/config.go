// Package config manages the udpstd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
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

// Config holds the complete udpstd configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	UDPST   UDPSTConfig   `koanf:"udpst"`
	Auth    AuthConfig    `koanf:"auth"`
	Export  ExportConfig  `koanf:"export"`
	Runs    []RunConfig   `koanf:"runs"`
}

// HTTPConfig holds the boundary control API (§7) listener configuration.
type HTTPConfig struct {
	// Addr is the control-API listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
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

// UDPSTConfig holds the default UDPST negotiation parameters a server
// applies (and may police an inbound request into) and a client requests.
// These can be overridden per run via the control API.
type UDPSTConfig struct {
	// ControlAddr is the well-known control-plane rendezvous address
	// (e.g., ":25000").
	ControlAddr string `koanf:"control_addr"`

	// MaxBandwidthMbps is the server's advertised bandwidth cap.
	MaxBandwidthMbps uint16 `koanf:"max_bandwidth_mbps"`

	// AllowJumbo permits jumbo-frame (>1500 byte MTU) test connections.
	AllowJumbo bool `koanf:"allow_jumbo"`

	// MaxConnections bounds the connection table (spec.md §4.3).
	MaxConnections int `koanf:"max_connections"`

	// LowThreshMs/UpperThreshMs are the default delay-variation
	// congestion thresholds (milliseconds).
	LowThreshMs   uint32 `koanf:"low_thresh_ms"`
	UpperThreshMs uint32 `koanf:"upper_thresh_ms"`

	// TrialInt is the default inter-burst trial interval.
	TrialInt time.Duration `koanf:"trial_int"`

	// SubIntPeriod is the default sub-interval reporting period.
	SubIntPeriod time.Duration `koanf:"sub_int_period"`

	// TestIntTime is the default total test duration.
	TestIntTime time.Duration `koanf:"test_int_time"`

	// WatchdogExpiry is the default no-traffic timeout before a
	// connection is marked Stop1 and torn down.
	WatchdogExpiry time.Duration `koanf:"watchdog_expiry"`

	// SeqErrThresh is the default sequence-error count treated as loss.
	SeqErrThresh uint32 `koanf:"seq_err_thresh"`

	// RateAdjAlgo selects the default rate-adjustment algorithm: "b"
	// (balanced) or "c" (conservative) (spec.md §4.6).
	RateAdjAlgo string `koanf:"rate_adj_algo"`

	// HighSpeedDelta/SlowAdjThresh tune Algorithm B/C index stepping.
	HighSpeedDelta uint32 `koanf:"high_speed_delta"`
	SlowAdjThresh  uint32 `koanf:"slow_adj_thresh"`

	// DSCPEcn is the server's configured DSCP/ECN ceiling: a
	// Test-Activation request may not negotiate a value above this, and
	// the server never raises a request below it.
	DSCPEcn uint8 `koanf:"dscp_ecn"`

	// AllowRandPayload gates a client's requested payload-size
	// randomization: accepted only when also enabled server-side.
	AllowRandPayload bool `koanf:"allow_rand_payload"`
}

// AuthConfig holds the HMAC-SHA-256 authentication key-file configuration
// (spec.md §4.2).
type AuthConfig struct {
	// Required, when true, rejects any Setup request carrying no auth tail.
	Required bool `koanf:"required"`

	// KeyFile is the path to a YAML key-ID -> shared-secret table.
	KeyFile string `koanf:"key_file"`

	// FallbackKey is consulted when a request's key ID matches no
	// key-file entry.
	FallbackKey string `koanf:"fallback_key"`

	// TimeWindow bounds how far authUnixTime may drift from now()
	// before a request is rejected (CHSRAuthTime).
	TimeWindow time.Duration `koanf:"time_window"`
}

// ExportConfig holds the optional per-connection CSV export settings
// (spec.md §6).
type ExportConfig struct {
	// Enabled turns on per-datagram CSV logging.
	Enabled bool `koanf:"enabled"`

	// PathTemplate is the `#`/`%`-token filename template consumed by
	// internal/udpst.ExpandFilename.
	PathTemplate string `koanf:"path_template"`
}

// RunConfig describes a declarative client-role test run from the
// configuration file. Each entry starts a UDPST client test on daemon
// startup and SIGHUP reload.
type RunConfig struct {
	// Server is the remote UDPST server's control-plane address.
	Server string `koanf:"server"`

	// Direction is "upstream" or "downstream".
	Direction string `koanf:"direction"`

	// MCCount/MCIndex declare this run's position within a
	// multi-connection group (spec.md §4.1), MCCount==0 or 1 for a
	// single connection.
	MCCount uint8 `koanf:"mc_count"`
	MCIndex uint8 `koanf:"mc_index"`
}

// RunKey returns a unique identifier for the run based on
// (server, direction, mcIndex). Used for diffing runs on SIGHUP reload.
func (rc RunConfig) RunKey() string {
	return fmt.Sprintf("%s|%s|%d", rc.Server, rc.Direction, rc.MCIndex)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults,
// following spec.md §4.6/§9's textual parameter ranges.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		UDPST: UDPSTConfig{
			ControlAddr:      ":25000",
			MaxBandwidthMbps: 1000,
			AllowJumbo:       false,
			MaxConnections:   256,
			LowThreshMs:      10,
			UpperThreshMs:    30,
			TrialInt:         100 * time.Millisecond,
			SubIntPeriod:     time.Second,
			TestIntTime:      10 * time.Second,
			WatchdogExpiry:   2 * time.Second,
			SeqErrThresh:     50,
			RateAdjAlgo:      "b",
			HighSpeedDelta:   4,
			SlowAdjThresh:    4,
			DSCPEcn:          0,
			AllowRandPayload: false,
		},
		Auth: AuthConfig{
			TimeWindow: time.Minute,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udpstd configuration.
// Variables are named GOUDPST_<section>_<key>, e.g., GOUDPST_HTTP_ADDR.
const envPrefix = "GOUDPST_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOUDPST_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOUDPST_HTTP_ADDR           -> http.addr
//	GOUDPST_METRICS_ADDR        -> metrics.addr
//	GOUDPST_METRICS_PATH        -> metrics.path
//	GOUDPST_LOG_LEVEL           -> log.level
//	GOUDPST_LOG_FORMAT          -> log.format
//	GOUDPST_UDPST_CONTROL_ADDR  -> udpst.control_addr
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
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

// envKeyMapper transforms GOUDPST_HTTP_ADDR -> http.addr.
// Strips the GOUDPST_ prefix, lowercases, and replaces the first _ with .
// so that keys containing underscores (udpst.watchdog_expiry) survive.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                 defaults.HTTP.Addr,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"udpst.control_addr":        defaults.UDPST.ControlAddr,
		"udpst.max_bandwidth_mbps":  defaults.UDPST.MaxBandwidthMbps,
		"udpst.allow_jumbo":         defaults.UDPST.AllowJumbo,
		"udpst.max_connections":     defaults.UDPST.MaxConnections,
		"udpst.low_thresh_ms":       defaults.UDPST.LowThreshMs,
		"udpst.upper_thresh_ms":     defaults.UDPST.UpperThreshMs,
		"udpst.trial_int":           defaults.UDPST.TrialInt.String(),
		"udpst.sub_int_period":      defaults.UDPST.SubIntPeriod.String(),
		"udpst.test_int_time":       defaults.UDPST.TestIntTime.String(),
		"udpst.watchdog_expiry":     defaults.UDPST.WatchdogExpiry.String(),
		"udpst.seq_err_thresh":      defaults.UDPST.SeqErrThresh,
		"udpst.rate_adj_algo":       defaults.UDPST.RateAdjAlgo,
		"udpst.high_speed_delta":    defaults.UDPST.HighSpeedDelta,
		"udpst.slow_adj_thresh":     defaults.UDPST.SlowAdjThresh,
		"udpst.dscp_ecn":            defaults.UDPST.DSCPEcn,
		"udpst.allow_rand_payload":  defaults.UDPST.AllowRandPayload,
		"auth.time_window":          defaults.Auth.TimeWindow.String(),
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
	// ErrEmptyHTTPAddr indicates the control-API listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrEmptyControlAddr indicates the UDPST control-plane address is empty.
	ErrEmptyControlAddr = errors.New("udpst.control_addr must not be empty")

	// ErrInvalidThresholds indicates low_thresh_ms >= upper_thresh_ms.
	ErrInvalidThresholds = errors.New("udpst.low_thresh_ms must be < udpst.upper_thresh_ms")

	// ErrInvalidMaxConnections indicates a non-positive connection table size.
	ErrInvalidMaxConnections = errors.New("udpst.max_connections must be > 0")

	// ErrInvalidRateAdjAlgo indicates an unrecognized rate-adjustment algorithm.
	ErrInvalidRateAdjAlgo = errors.New("udpst.rate_adj_algo must be b or c")

	// ErrInvalidRunServer indicates a run has an empty server address.
	ErrInvalidRunServer = errors.New("run server address must not be empty")

	// ErrInvalidRunDirection indicates a run has an unrecognized direction.
	ErrInvalidRunDirection = errors.New("run direction must be upstream or downstream")

	// ErrDuplicateRunKey indicates two runs share the same (server, direction, mcIndex) key.
	ErrDuplicateRunKey = errors.New("duplicate run key")
)

// ValidRateAdjAlgos lists the recognized rate-adjustment algorithm strings.
var ValidRateAdjAlgos = map[string]bool{"b": true, "c": true}

// ValidDirections lists the recognized run direction strings.
var ValidDirections = map[string]bool{"upstream": true, "downstream": true}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}
	if cfg.UDPST.ControlAddr == "" {
		return ErrEmptyControlAddr
	}
	if cfg.UDPST.LowThreshMs >= cfg.UDPST.UpperThreshMs {
		return ErrInvalidThresholds
	}
	if cfg.UDPST.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if !ValidRateAdjAlgos[strings.ToLower(cfg.UDPST.RateAdjAlgo)] {
		return fmt.Errorf("%q: %w", cfg.UDPST.RateAdjAlgo, ErrInvalidRateAdjAlgo)
	}

	return validateRuns(cfg.Runs)
}

// validateRuns checks each declarative run entry for correctness.
func validateRuns(runs []RunConfig) error {
	seen := make(map[string]struct{}, len(runs))

	for i, rc := range runs {
		if rc.Server == "" {
			return fmt.Errorf("runs[%d]: %w", i, ErrInvalidRunServer)
		}
		if !ValidDirections[strings.ToLower(rc.Direction)] {
			return fmt.Errorf("runs[%d] direction %q: %w", i, rc.Direction, ErrInvalidRunDirection)
		}

		key := rc.RunKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("runs[%d] key %q: %w", i, key, ErrDuplicateRunKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
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
