package pipeline

import (
	"time"

	"github.com/tinytelemetry/outpost/internal/exporter"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/netmon"
	"github.com/tinytelemetry/outpost/internal/resilience"
)

// Config configures a Client.
type Config struct {
	Endpoint string
	APIKey   string

	ServiceName    string
	ServiceVersion string
	// ResourceAttributes are merged into the resource after the service
	// attributes.
	ResourceAttributes model.Attributes

	Encoding exporter.Encoding
	Timeout  time.Duration
	Retry    resilience.RetryPolicy
	Breaker  resilience.BreakerConfig
	Batch    model.BatchConfig

	// ProviderBatchSize is the pending count at which a provider drains.
	ProviderBatchSize int

	// Durable routes items through persistent priority queues. Otherwise
	// providers export directly.
	Durable  bool
	QueueDir string

	// Prober classifies connectivity for network-aware batching. Nil
	// means netmon.InterfaceProber.
	Prober        netmon.Prober
	ProbeInterval time.Duration

	// MinLogSeverity drops log records below it.
	MinLogSeverity model.Severity
}

// DefaultConfig returns a direct-mode config with default batching.
func DefaultConfig() Config {
	return Config{
		ServiceName:       model.DefaultServiceName,
		Encoding:          exporter.EncodingJSON,
		Timeout:           model.DefaultExportTimeout,
		Retry:             resilience.DefaultRetryPolicy(),
		Breaker:           resilience.DefaultBreakerConfig(),
		Batch:             model.DefaultBatchConfig(),
		ProviderBatchSize: model.DefaultProviderBatchSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = d.Retry
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = d.Breaker.Threshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = d.Breaker.Cooldown
	}
	if c.ProviderBatchSize <= 0 {
		c.ProviderBatchSize = d.ProviderBatchSize
	}
	return c
}
