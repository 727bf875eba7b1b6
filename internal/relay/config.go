package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
	httpexport "github.com/ptarmiganlabs/butler-sos-sub004/internal/export/http"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/ingest"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/retry"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/selfmon"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/transport"
)

// Config is the top-level configuration for the relay.
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the log output format (text, json).
	LogFormat string `yaml:"log_format"`

	// Buffer configures the event buffer.
	Buffer BufferConfig `yaml:"buffer"`

	// Retry is the policy shared by every destination write.
	Retry retry.Policy `yaml:"retry"`

	// Transport configures delivery of event batches.
	Transport transport.Config `yaml:"transport"`

	// Destinations configures metric point destinations.
	Destinations DestinationsConfig `yaml:"destinations"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Ingest configures the event ingest HTTP API.
	Ingest ingest.Config `yaml:"ingest"`

	// ErrorReport configures periodic publishing of the error counters.
	ErrorReport ErrorReportConfig `yaml:"error_report"`

	// SelfMonitor configures relay memory sampling.
	SelfMonitor selfmon.Config `yaml:"self_monitor"`
}

// BufferConfig configures the event buffer.
type BufferConfig struct {
	// FlushInterval is the period between flushes. Defaults to 10s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ErrorReportConfig configures the error report job.
type ErrorReportConfig struct {
	// Enabled publishes the counters as points.
	Enabled bool `yaml:"enabled"`

	// Interval between reports. Defaults to 5m.
	Interval time.Duration `yaml:"interval"`
}

// DestinationsConfig groups the point destinations.
type DestinationsConfig struct {
	ClickHouse  export.ClickHouseConfig  `yaml:"clickhouse"`
	HTTP        httpexport.Config        `yaml:"http"`
	Pushgateway export.PushgatewayConfig `yaml:"pushgateway"`
	OTLP        export.OTLPConfig        `yaml:"otlp"`
	Redis       export.RedisConfig       `yaml:"redis"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Buffer: BufferConfig{
			FlushInterval: 10 * time.Second,
		},
		Retry: retry.DefaultPolicy(),
		Health: export.HealthConfig{
			Addr: ":9842",
		},
		Ingest: ingest.Config{
			Enabled:      true,
			Addr:         ":9843",
			MaxBodyBytes: 1 << 20,
		},
		ErrorReport: ErrorReportConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		SelfMonitor: selfmon.Config{
			Interval: time.Minute,
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero values in nested configs.
func (c *Config) ApplyDefaults() {
	c.Retry.ApplyDefaults()
	c.Transport.ApplyDefaults()
	c.Destinations.ClickHouse.ApplyDefaults()
	c.Destinations.HTTP.ApplyDefaults()
	c.Destinations.Pushgateway.ApplyDefaults()
	c.Destinations.OTLP.ApplyDefaults()
	c.Destinations.Redis.ApplyDefaults()
	c.Ingest.ApplyDefaults()
	c.SelfMonitor.ApplyDefaults()
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be positive")
	}

	if c.ErrorReport.Enabled && c.ErrorReport.Interval <= 0 {
		return fmt.Errorf("error_report.interval must be positive")
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	checks := []struct {
		name string
		fn   func() error
	}{
		{"destinations.clickhouse", c.Destinations.ClickHouse.Validate},
		{"destinations.http", c.Destinations.HTTP.Validate},
		{"destinations.pushgateway", c.Destinations.Pushgateway.Validate},
		{"destinations.otlp", c.Destinations.OTLP.Validate},
		{"destinations.redis", c.Destinations.Redis.Validate},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}

	return nil
}
