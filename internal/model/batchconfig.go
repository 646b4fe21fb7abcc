package model

import (
	"fmt"
	"strings"
	"time"
)

// BatchConfig controls how a batch manager groups, compresses and retains
// queued telemetry.
type BatchConfig struct {
	BatchSize                  int           `json:"batchSize" yaml:"batch-size"`
	BatchInterval              time.Duration `json:"batchInterval" yaml:"batch-interval"`
	PriorityFlushInterval      time.Duration `json:"priorityFlushInterval" yaml:"priority-flush-interval"`
	EnableCompression          bool          `json:"enableCompression" yaml:"enable-compression"`
	CompressionThreshold       int           `json:"compressionThreshold" yaml:"compression-threshold"`
	MaxQueueSize               int           `json:"maxQueueSize" yaml:"max-queue-size"`
	MaxRetention               time.Duration `json:"maxRetention" yaml:"max-retention"`
	EnableNetworkAwareBatching bool          `json:"enableNetworkAwareBatching" yaml:"enable-network-aware-batching"`
}

// Preset names accepted by PresetByName.
const (
	PresetDefault              = "default"
	PresetHighBandwidth        = "high-bandwidth"
	PresetConstrainedBandwidth = "constrained-bandwidth"
	PresetOffline              = "offline"
	PresetDebug                = "debug"
)

// DefaultBatchConfig is a balanced configuration for unknown networks.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:                  DefaultBatchSize,
		BatchInterval:              DefaultBatchInterval,
		PriorityFlushInterval:      DefaultPriorityFlushInterval,
		EnableCompression:          true,
		CompressionThreshold:       DefaultCompressionThreshold,
		MaxQueueSize:               DefaultMaxQueueSize,
		MaxRetention:               DefaultMaxRetention,
		EnableNetworkAwareBatching: true,
	}
}

// HighBandwidthConfig sends larger batches more often and only compresses
// large payloads.
func HighBandwidthConfig() BatchConfig {
	c := DefaultBatchConfig()
	c.BatchSize = 100
	c.BatchInterval = 10 * time.Second
	c.PriorityFlushInterval = 2 * time.Second
	c.CompressionThreshold = 4096
	return c
}

// ConstrainedBandwidthConfig sends small batches rarely and compresses
// aggressively.
func ConstrainedBandwidthConfig() BatchConfig {
	c := DefaultBatchConfig()
	c.BatchSize = 25
	c.BatchInterval = 60 * time.Second
	c.PriorityFlushInterval = 15 * time.Second
	c.CompressionThreshold = 512
	return c
}

// OfflineConfig keeps items queued and only checks back occasionally.
func OfflineConfig() BatchConfig {
	c := DefaultBatchConfig()
	c.BatchSize = 50
	c.BatchInterval = 5 * time.Minute
	c.PriorityFlushInterval = 2 * time.Minute
	c.CompressionThreshold = 256
	c.MaxQueueSize = 2 * DefaultMaxQueueSize
	return c
}

// DebugConfig flushes every item almost immediately, uncompressed.
func DebugConfig() BatchConfig {
	c := DefaultBatchConfig()
	c.BatchSize = 1
	c.BatchInterval = time.Second
	c.PriorityFlushInterval = 500 * time.Millisecond
	c.EnableCompression = false
	c.EnableNetworkAwareBatching = false
	return c
}

// PresetByName resolves a preset name (see Preset* constants).
func PresetByName(name string) (BatchConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetDefault:
		return DefaultBatchConfig(), nil
	case PresetHighBandwidth:
		return HighBandwidthConfig(), nil
	case PresetConstrainedBandwidth:
		return ConstrainedBandwidthConfig(), nil
	case PresetOffline:
		return OfflineConfig(), nil
	case PresetDebug:
		return DebugConfig(), nil
	default:
		return BatchConfig{}, fmt.Errorf("unknown batch preset %q", name)
	}
}

// Validate fills zero-valued fields from DefaultBatchConfig and rejects
// negative values.
func (c BatchConfig) Validate() (BatchConfig, error) {
	if c.BatchSize < 0 || c.BatchInterval < 0 || c.PriorityFlushInterval < 0 ||
		c.CompressionThreshold < 0 || c.MaxQueueSize < 0 || c.MaxRetention < 0 {
		return c, fmt.Errorf("batch config: negative value in %+v", c)
	}
	d := DefaultBatchConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchInterval == 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.PriorityFlushInterval == 0 {
		c.PriorityFlushInterval = d.PriorityFlushInterval
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxRetention == 0 {
		c.MaxRetention = d.MaxRetention
	}
	return c, nil
}
