package telemetry

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config configures logging, tracing, metrics and the event bus.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version" validate:"required"`
	Environment    string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`

	// ResourceAttributes are attached to every exported span.
	ResourceAttributes map[string]string `yaml:"resource_attributes" json:"resource_attributes,omitempty"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`

	// Output is stderr, stdout or a file path opened for append.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// With sampling on, SamplingInitial entries per second are written and
	// then every SamplingThereafter-th one.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp (gRPC), stdout or none.
	Exporter string `yaml:"exporter" json:"exporter" validate:"required_if=Enabled true,omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers" json:"headers,omitempty"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" json:"default_histogram_buckets,omitempty"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BufferSize is the number of events queued per subscriber before
	// further events for it are dropped.
	BufferSize int `yaml:"buffer_size" json:"buffer_size" validate:"required_if=Enabled true,gte=0"`

	// EnableAsync delivers events on a goroutine per subscriber. When false
	// subscribers run inline in Publish.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

// DefaultConfig logs info and above to stderr with events enabled and
// tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pilot",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "pilot",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ProductionConfig samples logs and 10% of traces, exports over OTLP with TLS
// and serves metrics.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Metrics.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug level and pretty-prints every span.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
