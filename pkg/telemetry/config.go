package telemetry

import (
	"fmt"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/config"
)

// Config is the telemetry setup of one seqdeploy process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the run logger.
type LoggingConfig struct {
	Level        string // trace, debug, info, warn or error
	Format       string // console or json
	Output       string // stderr, stdout or a file path
	EnableCaller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string // OTLP gRPC collector, e.g. "localhost:4317"
	Insecure bool
	Headers  map[string]string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set. Metrics are still collected
	// without it.
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are used for run and node durations, in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures run event delivery to subscribers.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int
	EnableAsync bool
}

var (
	logLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	traceExporter = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// DefaultConfig logs info and above to stderr, collects metrics without
// serving them and does not trace.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "seqdeploy",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "seqdeploy",
			// Operations range from sub-second commands to long drains.
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// DevelopmentConfig logs at debug with callers and prints spans to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// ApplyManifest overlays a manifest's telemetry block. Empty fields leave
// the current value alone; a metrics address turns metrics on.
func (c *Config) ApplyManifest(tc *config.TelemetryConfig) {
	if tc == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Logging.Level, tc.LogLevel)
	set(&c.Logging.Format, tc.LogFormat)
	set(&c.Environment, tc.Environment)
	set(&c.Tracing.Endpoint, tc.TracingEndpoint)

	if tc.TracingExporter != "" {
		c.Tracing.Exporter = tc.TracingExporter
		c.Tracing.Enabled = tc.TracingExporter != "none"
	}
	if tc.SamplingRate > 0 {
		c.Tracing.SamplingRate = tc.SamplingRate
	}
	if tc.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddress = tc.MetricsAddress
	}
}

// Validate checks the configuration before any component is built.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !logLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %g", c.Tracing.SamplingRate)
	case c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	if c.Tracing.Enabled {
		if !traceExporter[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("trace endpoint is required for the otlp exporter")
		}
	}
	return nil
}
