package model

import "time"

// Shared defaults used by the library and the agent binary.
const (
	DefaultBatchSize             = 50
	DefaultBatchInterval         = 30 * time.Second
	DefaultPriorityFlushInterval = 5 * time.Second
	DefaultCompressionThreshold  = 1024
	DefaultMaxQueueSize          = 10000
	DefaultMaxRetention          = 72 * time.Hour

	DefaultProviderBatchSize = 512
	DefaultExportTimeout     = 10 * time.Second
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultCircuitThreshold  = 5
	DefaultCircuitCooldown   = 60 * time.Second

	DefaultServiceName = "unknown_service"
)
