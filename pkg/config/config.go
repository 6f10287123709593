// Package config provides the unified configuration for the relay.
//
// Configuration is organized into sections mirroring the pipeline:
//   - Ingest: the upstream Open Ephys ZMQ subscription
//   - Transmit: the downstream OSC target
//   - Processing: downsampling and batching
//   - Queue: the bounded transmission queue and its overflow policy
//   - Observability: logging and metrics
//
// Values load from a YAML file with ZMQ2OSC_* environment overrides, and are
// validated before the pipeline is allowed to start. Invalid combinations are
// fatal; combinations that are merely forced (sample mode with batch size
// != 1) are normalized, and every normalization is surfaced to observers
// rather than applied silently.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// DownsampleMethod selects how raw sample runs collapse into output samples.
type DownsampleMethod string

const (
	// DownsampleAverage emits the arithmetic mean of each run
	DownsampleAverage DownsampleMethod = "average"
	// DownsampleDecimate keeps every Nth raw sample and discards the rest
	DownsampleDecimate DownsampleMethod = "decimate"
)

// OverflowPolicy selects queue behavior when an entry arrives at capacity.
type OverflowPolicy string

const (
	// DropOldest evicts the head entry before inserting the new one
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest rejects the incoming entry
	DropNewest OverflowPolicy = "drop_newest"
	// Block suspends the caller until space frees or its context ends
	Block OverflowPolicy = "block"
)

// TransmitMode selects the outbound payload shape.
type TransmitMode string

const (
	// ModeSample sends one float per channel per message on /data/sample
	ModeSample TransmitMode = "sample"
	// ModeBatch sends batchSize values per channel on /data/batch/{B}
	ModeBatch TransmitMode = "batch"
)

// IngestConfig configures the Open Ephys ZMQ subscription.
type IngestConfig struct {
	// Host of the Open Ephys ZMQ interface
	Host string `yaml:"host" json:"host" mapstructure:"host"`
	// DataPort for the SUB data socket; the heartbeat REQ socket uses DataPort+1
	DataPort int `yaml:"data_port" json:"data_port" mapstructure:"data_port"`
	// AppUUID identifies this client in heartbeats
	AppUUID string `yaml:"app_uuid" json:"app_uuid" mapstructure:"app_uuid"`
	// HeartbeatInterval between heartbeat requests
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// NotRespondingTimeout before the connection is considered lost and redialed
	NotRespondingTimeout time.Duration `yaml:"not_responding_timeout" json:"not_responding_timeout" mapstructure:"not_responding_timeout"`
}

// TransmitConfig configures the OSC target.
type TransmitConfig struct {
	// Host of the OSC consumer
	Host string `yaml:"host" json:"host" mapstructure:"host"`
	// Port of the OSC consumer
	Port int `yaml:"port" json:"port" mapstructure:"port"`
	// BaseAddress prefixes outbound OSC addresses
	BaseAddress string `yaml:"base_address" json:"base_address" mapstructure:"base_address"`
	// Mode selects sample or batch payloads
	Mode TransmitMode `yaml:"mode" json:"mode" mapstructure:"mode"`
}

// ProcessingConfig configures downsampling and batching.
type ProcessingConfig struct {
	// DownsampleFactor raw samples collapse into one output sample; 1 disables
	DownsampleFactor int `yaml:"downsample_factor" json:"downsample_factor" mapstructure:"downsample_factor"`
	// DownsampleMethod is average or decimate
	DownsampleMethod DownsampleMethod `yaml:"downsample_method" json:"downsample_method" mapstructure:"downsample_method"`
	// BatchSize post-downsample samples per payload; forced to 1 in sample mode
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// RingCapacity is the per-channel ring buffer size in samples
	RingCapacity int `yaml:"ring_capacity" json:"ring_capacity" mapstructure:"ring_capacity"`
}

// QueueConfig configures the bounded transmission queue.
type QueueConfig struct {
	// MaxSize bounds the queue depth
	MaxSize int `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	// OverflowPolicy is drop_oldest, drop_newest, or block
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy" json:"overflow_policy" mapstructure:"overflow_policy"`
	// DrainGrace bounds the queue flush during shutdown
	DrainGrace time.Duration `yaml:"drain_grace" json:"drain_grace" mapstructure:"drain_grace"`
}

// ObservabilityConfig configures logging, metrics, and the stats stream.
type ObservabilityConfig struct {
	// LogLevel is debug, info, warn, or error
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// MetricsAddr exposes Prometheus metrics when non-empty (e.g. ":9101")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// StatsInterval between periodic stats events; 0 disables
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval" mapstructure:"stats_interval"`
	// StatsFile appends JSON-lines stats events when non-empty
	StatsFile string `yaml:"stats_file" json:"stats_file" mapstructure:"stats_file"`
}

// Config is the root configuration.
type Config struct {
	Ingest        IngestConfig        `yaml:"ingest" json:"ingest" mapstructure:"ingest"`
	Transmit      TransmitConfig      `yaml:"transmit" json:"transmit" mapstructure:"transmit"`
	Processing    ProcessingConfig    `yaml:"processing" json:"processing" mapstructure:"processing"`
	Queue         QueueConfig         `yaml:"queue" json:"queue" mapstructure:"queue"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// Override records a configuration value the validator forced, so the
// coordinator can surface it to observers instead of applying it silently.
type Override struct {
	Field  string      `json:"field"`
	From   interface{} `json:"from"`
	To     interface{} `json:"to"`
	Reason string      `json:"reason"`
}

// Default returns the configuration matching the reference deployment:
// a 30 kHz acquisition, one second of ring per channel, 30:1 averaging,
// and a drop-oldest queue of 100 payloads.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			Host:                 "localhost",
			DataPort:             5556,
			AppUUID:              "1618",
			HeartbeatInterval:    2 * time.Second,
			NotRespondingTimeout: 10 * time.Second,
		},
		Transmit: TransmitConfig{
			Host:        "127.0.0.1",
			Port:        10000,
			BaseAddress: "/data",
			Mode:        ModeSample,
		},
		Processing: ProcessingConfig{
			DownsampleFactor: 30,
			DownsampleMethod: DownsampleAverage,
			BatchSize:        1,
			RingCapacity:     30000,
		},
		Queue: QueueConfig{
			MaxSize:        100,
			OverflowPolicy: DropOldest,
			DrainGrace:     5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogEncoding:   "console",
			StatsInterval: time.Second,
		},
	}
}

// Load reads configuration from a YAML file, applying ZMQ2OSC_* environment
// overrides on top of defaults. An empty path skips the file; defaults and
// environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("zmq2osc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse configuration")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("ingest.host", cfg.Ingest.Host)
	v.SetDefault("ingest.data_port", cfg.Ingest.DataPort)
	v.SetDefault("ingest.app_uuid", cfg.Ingest.AppUUID)
	v.SetDefault("ingest.heartbeat_interval", cfg.Ingest.HeartbeatInterval)
	v.SetDefault("ingest.not_responding_timeout", cfg.Ingest.NotRespondingTimeout)
	v.SetDefault("transmit.host", cfg.Transmit.Host)
	v.SetDefault("transmit.port", cfg.Transmit.Port)
	v.SetDefault("transmit.base_address", cfg.Transmit.BaseAddress)
	v.SetDefault("transmit.mode", string(cfg.Transmit.Mode))
	v.SetDefault("processing.downsample_factor", cfg.Processing.DownsampleFactor)
	v.SetDefault("processing.downsample_method", string(cfg.Processing.DownsampleMethod))
	v.SetDefault("processing.batch_size", cfg.Processing.BatchSize)
	v.SetDefault("processing.ring_capacity", cfg.Processing.RingCapacity)
	v.SetDefault("queue.max_size", cfg.Queue.MaxSize)
	v.SetDefault("queue.overflow_policy", string(cfg.Queue.OverflowPolicy))
	v.SetDefault("queue.drain_grace", cfg.Queue.DrainGrace)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", cfg.Observability.LogEncoding)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.stats_interval", cfg.Observability.StatsInterval)
	v.SetDefault("observability.stats_file", cfg.Observability.StatsFile)
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal configuration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}
	return nil
}

// Normalize forces mutually exclusive settings into a consistent state and
// returns the overrides applied. Sample mode always sends one value per
// channel, so a configured batch size other than 1 is overridden.
func (c *Config) Normalize() []Override {
	var overrides []Override

	if c.Transmit.Mode == ModeSample && c.Processing.BatchSize != 1 {
		overrides = append(overrides, Override{
			Field:  "processing.batch_size",
			From:   c.Processing.BatchSize,
			To:     1,
			Reason: "sample mode sends one value per channel per message",
		})
		c.Processing.BatchSize = 1
	}

	return overrides
}

// Validate checks the configuration, returning a fatal configuration error
// for any combination that must prevent the pipeline from starting.
func (c *Config) Validate() error {
	p := &c.Processing

	if p.DownsampleFactor < 1 {
		return errors.Newf(errors.ErrorTypeConfig,
			"downsample factor must be a positive integer, got %d", p.DownsampleFactor)
	}
	if p.DownsampleFactor > 1000 {
		return errors.Newf(errors.ErrorTypeConfig,
			"downsample factor too large (max 1000), got %d", p.DownsampleFactor)
	}
	switch p.DownsampleMethod {
	case DownsampleAverage, DownsampleDecimate:
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid downsample method %q (valid: average, decimate)", p.DownsampleMethod)
	}
	if p.BatchSize < 1 {
		return errors.Newf(errors.ErrorTypeConfig,
			"batch size must be a positive integer, got %d", p.BatchSize)
	}
	if p.RingCapacity < p.DownsampleFactor*p.BatchSize {
		return errors.Newf(errors.ErrorTypeConfig,
			"ring capacity %d cannot hold one ready window (%d samples)",
			p.RingCapacity, p.DownsampleFactor*p.BatchSize)
	}

	switch c.Transmit.Mode {
	case ModeSample, ModeBatch:
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid transmit mode %q (valid: sample, batch)", c.Transmit.Mode)
	}
	if c.Transmit.Mode == ModeSample && p.BatchSize != 1 {
		return errors.New(errors.ErrorTypeConfig,
			"sample mode requires batch size 1; call Normalize before Validate")
	}
	if !strings.HasPrefix(c.Transmit.BaseAddress, "/") {
		return errors.Newf(errors.ErrorTypeConfig,
			"base address must start with '/', got %q", c.Transmit.BaseAddress)
	}
	if c.Transmit.Port <= 0 || c.Transmit.Port > 65535 {
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid transmit port %d", c.Transmit.Port)
	}

	if c.Ingest.DataPort <= 0 || c.Ingest.DataPort > 65534 {
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid ingest data port %d", c.Ingest.DataPort)
	}

	q := &c.Queue
	if q.MaxSize < 1 {
		return errors.Newf(errors.ErrorTypeConfig,
			"queue max size must be positive, got %d", q.MaxSize)
	}
	switch q.OverflowPolicy {
	case DropOldest, DropNewest, Block:
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"invalid overflow policy %q (valid: drop_oldest, drop_newest, block)", q.OverflowPolicy)
	}
	if q.DrainGrace < 0 {
		return errors.Newf(errors.ErrorTypeConfig,
			"drain grace must not be negative, got %s", q.DrainGrace)
	}

	return nil
}

// ReadinessThreshold returns the raw samples per channel required before one
// complete payload can be produced.
func (c *Config) ReadinessThreshold() int {
	return c.Processing.DownsampleFactor * c.Processing.BatchSize
}

// String returns a compact single-line summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("ingest=%s:%d transmit=%s:%d mode=%s factor=%d method=%s batch=%d ring=%d queue=%d/%s",
		c.Ingest.Host, c.Ingest.DataPort,
		c.Transmit.Host, c.Transmit.Port, c.Transmit.Mode,
		c.Processing.DownsampleFactor, c.Processing.DownsampleMethod,
		c.Processing.BatchSize, c.Processing.RingCapacity,
		c.Queue.MaxSize, c.Queue.OverflowPolicy)
}
