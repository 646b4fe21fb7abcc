// Package logs emits log records correlated with the active span.
package logs

import (
	"context"
	"sync"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/exporter"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/provider"
)

// SpanContextSource supplies the context of the currently active span. The
// trace provider satisfies it.
type SpanContextSource interface {
	ActiveSpanContext() model.SpanContext
}

// Config configures a Provider.
type Config struct {
	Resource     model.Resource
	MaxBatchSize int
	Export       provider.ExportFunc[model.LogRecord]
	// Spans, when set, stamps records with the active trace and span ids.
	Spans SpanContextSource
	// MinSeverity drops records below it. Zero keeps everything.
	MinSeverity model.Severity
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	Now         func() time.Time
}

// Provider owns loggers and the pending list of records.
type Provider struct {
	resource model.Resource
	spans    SpanContextSource
	minSev   model.Severity
	now      func() time.Time
	pending  *provider.Batcher[model.LogRecord]

	mu      sync.Mutex
	loggers map[model.Scope]*Logger
}

// NewProvider creates a logger provider.
func NewProvider(cfg Config) *Provider {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		resource: cfg.Resource,
		spans:    cfg.Spans,
		minSev:   cfg.MinSeverity,
		now:      cfg.Now,
		pending: provider.NewBatcher(provider.Options[model.LogRecord]{
			Signal:       "logs",
			MaxBatchSize: cfg.MaxBatchSize,
			Export:       cfg.Export,
			Logger:       logger.Named("logs"),
			Metrics:      cfg.Metrics,
		}),
		loggers: make(map[model.Scope]*Logger),
	}
}

// Logger returns the logger for the named scope, creating it on first use.
func (p *Provider) Logger(name string, version ...string) *Logger {
	scope := model.Scope{Name: name}
	if len(version) > 0 {
		scope.Version = version[0]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.loggers[scope]; ok {
		return l
	}
	l := &Logger{provider: p, scope: scope}
	p.loggers[scope] = l
	return l
}

// PendingCount returns records waiting for export.
func (p *Provider) PendingCount() int { return p.pending.Pending() }

// Flush exports all pending records.
func (p *Provider) Flush(ctx context.Context) error { return p.pending.Flush(ctx) }

// CollectPending drains pending records without exporting them.
func (p *Provider) CollectPending() []model.LogRecord { return p.pending.Drain() }

// CollectPendingOTLP drains pending records into an OTLP request, or
// returns nil when nothing is pending.
func (p *Provider) CollectPendingOTLP() *collogspb.ExportLogsServiceRequest {
	records := p.CollectPending()
	if len(records) == 0 {
		return nil
	}
	return exporter.LogRequest(records, p.resource)
}

// Shutdown flushes pending records; later records are dropped.
func (p *Provider) Shutdown(ctx context.Context) error { return p.pending.Shutdown(ctx) }
