// Package trace creates spans and keeps the stack of active spans that
// gives new spans their parent.
package trace

import (
	"context"
	"sync"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
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
	// Export receives finished spans once MaxBatchSize accumulate and on
	// Flush. When nil, spans are kept until CollectPending.
	Export  provider.ExportFunc[model.Span]
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Now     func() time.Time
}

// Provider owns the tracers, the active span stack and the pending list of
// finished spans. The stack is process-wide: spans started with Start from
// concurrent goroutines share it. Goroutines that need their own parent
// chain use StartContext.
type Provider struct {
	resource model.Resource
	now      func() time.Time
	logger   *zap.Logger
	pending  *provider.Batcher[model.Span]

	mu      sync.Mutex
	tracers map[model.Scope]*Tracer

	stackMu sync.Mutex
	stack   []*Span
}

// NewProvider creates a trace provider.
func NewProvider(cfg Config) *Provider {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("trace")
	return &Provider{
		resource: cfg.Resource,
		now:      cfg.Now,
		logger:   logger,
		pending: provider.NewBatcher(provider.Options[model.Span]{
			Signal:       "traces",
			MaxBatchSize: cfg.MaxBatchSize,
			Export:       cfg.Export,
			Logger:       logger,
			Metrics:      cfg.Metrics,
		}),
		tracers: make(map[model.Scope]*Tracer),
	}
}

// Tracer returns the tracer for the named instrumentation scope, creating
// it on first use. An optional version distinguishes scopes.
func (p *Provider) Tracer(name string, version ...string) *Tracer {
	scope := model.Scope{Name: name}
	if len(version) > 0 {
		scope.Version = version[0]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tracers[scope]; ok {
		return t
	}
	t := &Tracer{provider: p, scope: scope}
	p.tracers[scope] = t
	return t
}

// Resource returns the resource attached to exported spans.
func (p *Provider) Resource() model.Resource { return p.resource }

// ActiveSpan returns the top of the span stack, or nil.
func (p *Provider) ActiveSpan() *Span {
	p.stackMu.Lock()
	defer p.stackMu.Unlock()
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// ActiveSpanContext returns the context of the active span, or the zero
// value when no span is active.
func (p *Provider) ActiveSpanContext() model.SpanContext {
	if s := p.ActiveSpan(); s != nil {
		return s.SpanContext()
	}
	return model.SpanContext{}
}

// Depth returns the number of active spans.
func (p *Provider) Depth() int {
	p.stackMu.Lock()
	defer p.stackMu.Unlock()
	return len(p.stack)
}

func (p *Provider) push(s *Span) {
	p.stackMu.Lock()
	p.stack = append(p.stack, s)
	p.stackMu.Unlock()
}

// remove takes s off the stack. Spans usually end in LIFO order; an
// out-of-order End removes the span from wherever it sits.
func (p *Provider) remove(s *Span) {
	p.stackMu.Lock()
	defer p.stackMu.Unlock()
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i] == s {
			p.stack = append(p.stack[:i], p.stack[i+1:]...)
			return
		}
	}
}

// dropDescendants removes every span on the stack whose local parent chain
// leads to s.
func (p *Provider) dropDescendants(s *Span) {
	p.stackMu.Lock()
	defer p.stackMu.Unlock()
	kept := p.stack[:0]
	for _, x := range p.stack {
		if !x.descendsFrom(s) {
			kept = append(kept, x)
		}
	}
	for i := len(kept); i < len(p.stack); i++ {
		p.stack[i] = nil
	}
	p.stack = kept
}

func (p *Provider) finish(s model.Span) {
	p.pending.Add(s)
}

// PendingCount returns finished spans waiting for export.
func (p *Provider) PendingCount() int { return p.pending.Pending() }

// Flush exports all pending spans.
func (p *Provider) Flush(ctx context.Context) error { return p.pending.Flush(ctx) }

// CollectPending drains the finished spans without exporting them.
func (p *Provider) CollectPending() []model.Span { return p.pending.Drain() }

// CollectPendingOTLP drains the finished spans into an OTLP request, or
// returns nil when nothing is pending.
func (p *Provider) CollectPendingOTLP() *coltracepb.ExportTraceServiceRequest {
	spans := p.CollectPending()
	if len(spans) == 0 {
		return nil
	}
	return exporter.TraceRequest(spans, p.resource)
}

// Shutdown flushes pending spans; spans finished afterwards are dropped.
func (p *Provider) Shutdown(ctx context.Context) error {
	if n := p.Depth(); n > 0 {
		p.logger.Debug("shutting down with active spans", zap.Int("active", n))
	}
	return p.pending.Shutdown(ctx)
}
