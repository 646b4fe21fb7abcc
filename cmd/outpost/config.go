package main

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/outpost/internal/exporter"
	"github.com/tinytelemetry/outpost/internal/logparse"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/pipeline"
	"github.com/tinytelemetry/outpost/internal/resilience"
)

const (
	defaultBindHost        = "127.0.0.1"
	defaultTCPPort         = 4000
	defaultAPIPort         = 4319
	defaultMuxBufferSize   = DefaultMuxBuffer
	defaultServiceName     = "outpost-agent"
	defaultShutdownTimeout = 15 * time.Second
	defaultProbeInterval   = 30 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string `mapstructure:"api-key" yaml:"api-key,omitempty"`
	ServiceName    string `mapstructure:"service-name" yaml:"service-name"`
	ServiceVersion string `mapstructure:"service-version" yaml:"service-version,omitempty"`
	Encoding       string `mapstructure:"encoding" yaml:"encoding"`

	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max-retries" yaml:"max-retries"`
	BaseDelay        time.Duration `mapstructure:"base-delay" yaml:"base-delay"`
	MaxDelay         time.Duration `mapstructure:"max-delay" yaml:"max-delay"`
	CircuitThreshold int           `mapstructure:"circuit-threshold" yaml:"circuit-threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit-cooldown" yaml:"circuit-cooldown"`

	// Batch settings override the preset when set.
	BatchPreset                string        `mapstructure:"batch-preset" yaml:"batch-preset"`
	BatchSize                  int           `mapstructure:"batch-size" yaml:"batch-size,omitempty"`
	BatchInterval              time.Duration `mapstructure:"batch-interval" yaml:"batch-interval,omitempty"`
	PriorityFlushInterval      time.Duration `mapstructure:"priority-flush-interval" yaml:"priority-flush-interval,omitempty"`
	EnableCompression          *bool         `mapstructure:"enable-compression" yaml:"enable-compression,omitempty"`
	CompressionThreshold       int           `mapstructure:"compression-threshold" yaml:"compression-threshold,omitempty"`
	MaxQueueSize               int           `mapstructure:"max-queue-size" yaml:"max-queue-size,omitempty"`
	MaxRetention               time.Duration `mapstructure:"max-retention" yaml:"max-retention,omitempty"`
	EnableNetworkAwareBatching *bool         `mapstructure:"enable-network-aware-batching" yaml:"enable-network-aware-batching,omitempty"`
	NetworkProbeInterval       time.Duration `mapstructure:"network-probe-interval" yaml:"network-probe-interval"`

	Durable           bool   `mapstructure:"durable" yaml:"durable"`
	QueueDir          string `mapstructure:"queue-dir" yaml:"queue-dir"`
	ProviderBatchSize int    `mapstructure:"provider-batch-size" yaml:"provider-batch-size"`
	MinSeverity       string `mapstructure:"min-severity" yaml:"min-severity,omitempty"`

	LogLevel string `mapstructure:"log-level" yaml:"log-level"`
	LogDev   bool   `mapstructure:"log-dev" yaml:"log-dev"`
	LogDir   string `mapstructure:"log-dir" yaml:"log-dir,omitempty"`

	Host          string   `mapstructure:"host" yaml:"host"`
	Processor     string   `mapstructure:"processor" yaml:"processor"`
	APIEnabled    bool     `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort       int      `mapstructure:"api-port" yaml:"api-port"`
	APIAddr       string   `mapstructure:"api-addr" yaml:"api-addr"`
	TCPEnabled    bool     `mapstructure:"tcp-enabled" yaml:"tcp-enabled"`
	TCPPort       int      `mapstructure:"tcp-port" yaml:"tcp-port"`
	TCPAddr       string   `mapstructure:"tcp-addr" yaml:"tcp-addr"`
	InputFiles    []string `mapstructure:"input-files" yaml:"input-files,omitempty"`
	MuxBufferSize int      `mapstructure:"mux-buffer-size" yaml:"mux-buffer-size"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
	ConfigPath      string        `mapstructure:"-" yaml:"-"` // not from config file
}

// batchConfig resolves the preset and applies explicit overrides.
func (c appConfig) batchConfig() (model.BatchConfig, error) {
	b, err := model.PresetByName(c.BatchPreset)
	if err != nil {
		return b, err
	}
	if c.BatchSize > 0 {
		b.BatchSize = c.BatchSize
	}
	if c.BatchInterval > 0 {
		b.BatchInterval = c.BatchInterval
	}
	if c.PriorityFlushInterval > 0 {
		b.PriorityFlushInterval = c.PriorityFlushInterval
	}
	if c.EnableCompression != nil {
		b.EnableCompression = *c.EnableCompression
	}
	if c.CompressionThreshold > 0 {
		b.CompressionThreshold = c.CompressionThreshold
	}
	if c.MaxQueueSize > 0 {
		b.MaxQueueSize = c.MaxQueueSize
	}
	if c.MaxRetention > 0 {
		b.MaxRetention = c.MaxRetention
	}
	if c.EnableNetworkAwareBatching != nil {
		b.EnableNetworkAwareBatching = *c.EnableNetworkAwareBatching
	}
	return b.Validate()
}

// pipelineConfig translates the agent config into a pipeline.Config.
func (c appConfig) pipelineConfig() (pipeline.Config, error) {
	encoding, err := exporter.ParseEncoding(c.Encoding)
	if err != nil {
		return pipeline.Config{}, err
	}
	batch, err := c.batchConfig()
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("batch config: %w", err)
	}

	retry := resilience.DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		retry.MaxRetries = c.MaxRetries
	}
	if c.BaseDelay > 0 {
		retry.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		retry.MaxDelay = c.MaxDelay
	}

	var minSeverity model.Severity
	if c.MinSeverity != "" {
		minSeverity = logparse.SeverityNumber(c.MinSeverity)
	}

	return pipeline.Config{
		Endpoint:       c.Endpoint,
		APIKey:         c.APIKey,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		ResourceAttributes: model.Attributes{
			"outpost.agent.version": version,
		},
		Encoding: encoding,
		Timeout:  c.Timeout,
		Retry:    retry,
		Breaker: resilience.BreakerConfig{
			Threshold: c.CircuitThreshold,
			Cooldown:  c.CircuitCooldown,
		},
		Batch:             batch,
		ProviderBatchSize: c.ProviderBatchSize,
		Durable:           c.Durable,
		QueueDir:          c.QueueDir,
		ProbeInterval:     c.NetworkProbeInterval,
		MinLogSeverity:    minSeverity,
	}, nil
}
