package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/udpst/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":8080")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
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

	if cfg.UDPST.ControlAddr != ":25000" {
		t.Errorf("UDPST.ControlAddr = %q, want %q", cfg.UDPST.ControlAddr, ":25000")
	}

	if cfg.UDPST.LowThreshMs != 10 {
		t.Errorf("UDPST.LowThreshMs = %d, want 10", cfg.UDPST.LowThreshMs)
	}

	if cfg.UDPST.UpperThreshMs != 30 {
		t.Errorf("UDPST.UpperThreshMs = %d, want 30", cfg.UDPST.UpperThreshMs)
	}

	if cfg.UDPST.TrialInt != 100*time.Millisecond {
		t.Errorf("UDPST.TrialInt = %v, want %v", cfg.UDPST.TrialInt, 100*time.Millisecond)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
udpst:
  control_addr: ":26000"
  low_thresh_ms: 5
  upper_thresh_ms: 20
  rate_adj_algo: "c"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":60000" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":60000")
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

	if cfg.UDPST.ControlAddr != ":26000" {
		t.Errorf("UDPST.ControlAddr = %q, want %q", cfg.UDPST.ControlAddr, ":26000")
	}

	if cfg.UDPST.RateAdjAlgo != "c" {
		t.Errorf("UDPST.RateAdjAlgo = %q, want %q", cfg.UDPST.RateAdjAlgo, "c")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override http.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
http:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.HTTP.Addr != ":55555" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.UDPST.ControlAddr != ":25000" {
		t.Errorf("UDPST.ControlAddr = %q, want default %q", cfg.UDPST.ControlAddr, ":25000")
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
			name: "empty http addr",
			modify: func(cfg *config.Config) {
				cfg.HTTP.Addr = ""
			},
			wantErr: config.ErrEmptyHTTPAddr,
		},
		{
			name: "empty control addr",
			modify: func(cfg *config.Config) {
				cfg.UDPST.ControlAddr = ""
			},
			wantErr: config.ErrEmptyControlAddr,
		},
		{
			name: "inverted thresholds",
			modify: func(cfg *config.Config) {
				cfg.UDPST.LowThreshMs = 50
				cfg.UDPST.UpperThreshMs = 10
			},
			wantErr: config.ErrInvalidThresholds,
		},
		{
			name: "equal thresholds",
			modify: func(cfg *config.Config) {
				cfg.UDPST.LowThreshMs = 20
				cfg.UDPST.UpperThreshMs = 20
			},
			wantErr: config.ErrInvalidThresholds,
		},
		{
			name: "zero max connections",
			modify: func(cfg *config.Config) {
				cfg.UDPST.MaxConnections = 0
			},
			wantErr: config.ErrInvalidMaxConnections,
		},
		{
			name: "invalid rate adjustment algorithm",
			modify: func(cfg *config.Config) {
				cfg.UDPST.RateAdjAlgo = "z"
			},
			wantErr: config.ErrInvalidRateAdjAlgo,
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

// -------------------------------------------------------------------------
// Run Config Tests
// -------------------------------------------------------------------------

func TestLoadWithRuns(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":8080"
runs:
  - server: "198.51.100.1:25000"
    direction: downstream
    mc_count: 1
    mc_index: 0
  - server: "198.51.100.2:25000"
    direction: upstream
    mc_count: 4
    mc_index: 1
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Runs) != 2 {
		t.Fatalf("Runs count = %d, want 2", len(cfg.Runs))
	}

	r1 := cfg.Runs[0]
	if r1.Server != "198.51.100.1:25000" {
		t.Errorf("Runs[0].Server = %q, want %q", r1.Server, "198.51.100.1:25000")
	}
	if r1.Direction != "downstream" {
		t.Errorf("Runs[0].Direction = %q, want %q", r1.Direction, "downstream")
	}

	r2 := cfg.Runs[1]
	if r2.Direction != "upstream" {
		t.Errorf("Runs[1].Direction = %q, want %q", r2.Direction, "upstream")
	}
	if r2.MCCount != 4 {
		t.Errorf("Runs[1].MCCount = %d, want 4", r2.MCCount)
	}

	if r1.RunKey() == r2.RunKey() {
		t.Error("Runs[0] and Runs[1] have the same key, expected different")
	}
}

func TestValidateRunErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty run server",
			modify: func(cfg *config.Config) {
				cfg.Runs = []config.RunConfig{{Server: "", Direction: "downstream"}}
			},
			wantErr: config.ErrInvalidRunServer,
		},
		{
			name: "invalid run direction",
			modify: func(cfg *config.Config) {
				cfg.Runs = []config.RunConfig{{Server: "198.51.100.1:25000", Direction: "sideways"}}
			},
			wantErr: config.ErrInvalidRunDirection,
		},
		{
			name: "duplicate run keys",
			modify: func(cfg *config.Config) {
				cfg.Runs = []config.RunConfig{
					{Server: "198.51.100.1:25000", Direction: "downstream", MCIndex: 0},
					{Server: "198.51.100.1:25000", Direction: "downstream", MCIndex: 0},
				}
			},
			wantErr: config.ErrDuplicateRunKey,
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

func TestRunConfigKey(t *testing.T) {
	t.Parallel()

	rc := config.RunConfig{
		Server:    "198.51.100.1:25000",
		Direction: "downstream",
		MCIndex:   2,
	}

	want := "198.51.100.1:25000|downstream|2"
	if got := rc.RunKey(); got != want {
		t.Errorf("RunKey() = %q, want %q", got, want)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
http:
  addr: ":8080"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("GOUDPST_HTTP_ADDR", ":60000")
	t.Setenv("GOUDPST_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":60000" {
		t.Errorf("HTTP.Addr = %q, want %q (from env)", cfg.HTTP.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
http:
  addr: ":8080"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("GOUDPST_METRICS_ADDR", ":9200")
	t.Setenv("GOUDPST_METRICS_PATH", "/custom")

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
	path := filepath.Join(dir, "udpstd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
