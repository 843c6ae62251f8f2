package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	logTimes      = []string{"", "rfc3339", "unix", "unixms", "unixmicro"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Config groups the logging, tracing, metrics, and lifecycle event settings
// of a TeamCloud process.
type Config struct {
	ServiceName    string `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version"`
	// Environment is reported as a trace resource attribute.
	Environment string `yaml:"environment" mapstructure:"environment"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Events  EventsConfig  `yaml:"events" mapstructure:"events"`

	// ResourceAttributes are added to every exported span.
	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	// Output is stdout, stderr, or a file path.
	Output       string `yaml:"output" mapstructure:"output"`
	EnableCaller bool   `yaml:"enable_caller" mapstructure:"enable_caller"`

	// With sampling on, SamplingInitial messages pass each second and then
	// every SamplingThereafter-th one.
	EnableSampling     bool `yaml:"enable_sampling" mapstructure:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" mapstructure:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" mapstructure:"sampling_thereafter"`

	TimeFormat string `yaml:"time_format" mapstructure:"time_format"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Exporter is otlp (gRPC), stdout, or none.
	Exporter           string            `yaml:"exporter" mapstructure:"exporter"`
	Endpoint           string            `yaml:"endpoint" mapstructure:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate" mapstructure:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" mapstructure:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" mapstructure:"export_timeout"`
	Headers            map[string]string `yaml:"headers" mapstructure:"headers"`
	Insecure           bool              `yaml:"insecure" mapstructure:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ListenAddress starts a dedicated metrics listener. Empty means metrics
	// are only served by the API server.
	ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`

	Path                    string    `yaml:"path" mapstructure:"path"`
	Namespace               string    `yaml:"namespace" mapstructure:"namespace"`
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" mapstructure:"default_histogram_buckets"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int  `yaml:"buffer_size" mapstructure:"buffer_size"`

	// FlushInterval and MaxBatchSize bound how long and how many events the
	// async publisher holds before delivering them.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`

	EnableAsync bool `yaml:"enable_async" mapstructure:"enable_async"`
}

// DefaultConfig returns console logging at info, metrics and async events
// on, and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "teamcloud",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "teamcloud",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ProductionConfig logs sampled JSON and exports 10% of traces over OTLP
// with TLS.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug to the console.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")
	check(c.ServiceVersion != "", "service version is required")

	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level: %s", c.Logging.Level)
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format: %s (must be console or json)", c.Logging.Format)
	check(slices.Contains(logTimes, c.Logging.TimeFormat), "invalid log time format: %s", c.Logging.TimeFormat)
	if c.Logging.EnableSampling {
		check(c.Logging.SamplingInitial > 0 && c.Logging.SamplingThereafter > 0,
			"log sampling needs positive sampling_initial and sampling_thereafter")
	}

	if c.Tracing.Enabled {
		check(slices.Contains(traceExporter, c.Tracing.Exporter), "invalid trace exporter: %s", c.Tracing.Exporter)
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
		"trace sampling rate must be between 0 and 1, got: %g", c.Tracing.SamplingRate)

	if c.Events.Enabled {
		check(c.Events.BufferSize > 0, "event buffer size must be positive, got: %d", c.Events.BufferSize)
		if c.Events.EnableAsync {
			check(c.Events.MaxBatchSize > 0 && c.Events.FlushInterval > 0,
				"async events need a positive max_batch_size and flush_interval")
		}
	}

	return errors.Join(errs...)
}
