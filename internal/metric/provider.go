// Package metric records counters, histograms and gauges as individual
// delta items for export.
package metric

import (
	"context"
	"sync"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/exporter"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/provider"
)

// Config configures a Provider.
type Config struct {
	Resource     model.Resource
	MaxBatchSize int
	Export       provider.ExportFunc[model.Metric]
	Logger       *zap.Logger
	Metrics      *monitoring.Metrics
	Now          func() time.Time
}

// Provider owns meters and the pending list of recorded metric items.
type Provider struct {
	resource model.Resource
	now      func() time.Time
	pending  *provider.Batcher[model.Metric]

	mu     sync.Mutex
	meters map[model.Scope]*Meter
}

// NewProvider creates a meter provider.
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
		now:      cfg.Now,
		pending: provider.NewBatcher(provider.Options[model.Metric]{
			Signal:       "metrics",
			MaxBatchSize: cfg.MaxBatchSize,
			Export:       cfg.Export,
			Logger:       logger.Named("metric"),
			Metrics:      cfg.Metrics,
		}),
		meters: make(map[model.Scope]*Meter),
	}
}

// Meter returns the meter for the named scope, creating it on first use.
func (p *Provider) Meter(name string, version ...string) *Meter {
	scope := model.Scope{Name: name}
	if len(version) > 0 {
		scope.Version = version[0]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.meters[scope]; ok {
		return m
	}
	m := &Meter{
		provider:   p,
		scope:      scope,
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		gauges:     make(map[string]*Gauge),
	}
	p.meters[scope] = m
	return m
}

func (p *Provider) record(m model.Metric) { p.pending.Add(m) }

// PendingCount returns recorded items waiting for export.
func (p *Provider) PendingCount() int { return p.pending.Pending() }

// Flush exports all pending items.
func (p *Provider) Flush(ctx context.Context) error { return p.pending.Flush(ctx) }

// CollectPending drains pending items without exporting them.
func (p *Provider) CollectPending() []model.Metric { return p.pending.Drain() }

// CollectPendingOTLP drains pending items into an OTLP request, or returns
// nil when nothing is pending.
func (p *Provider) CollectPendingOTLP() *colmetricspb.ExportMetricsServiceRequest {
	items := p.CollectPending()
	if len(items) == 0 {
		return nil
	}
	return exporter.MetricRequest(items, p.resource)
}

// Shutdown flushes pending items; later recordings are dropped.
func (p *Provider) Shutdown(ctx context.Context) error { return p.pending.Shutdown(ctx) }
