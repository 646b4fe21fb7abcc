package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

// Tracer starts spans for one instrumentation scope.
type Tracer struct {
	provider *Provider
	scope    model.Scope
}

// Scope returns the tracer's instrumentation scope.
func (t *Tracer) Scope() model.Scope { return t.scope }

type startConfig struct {
	kind         model.SpanKind
	attrs        model.Attributes
	links        []model.Link
	remoteParent model.SpanContext
	newRoot      bool
	start        time.Time
}

// StartOption customizes Start.
type StartOption func(*startConfig)

// WithKind sets the span kind. The default is internal.
func WithKind(k model.SpanKind) StartOption {
	return func(c *startConfig) { c.kind = k }
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs model.Attributes) StartOption {
	return func(c *startConfig) { c.attrs = attrs.Clone() }
}

// WithLinks attaches links at creation.
func WithLinks(links ...model.Link) StartOption {
	return func(c *startConfig) { c.links = append(c.links, links...) }
}

// WithRemoteParent parents the span on a context extracted from another
// process instead of the stack top. Invalid contexts are ignored.
func WithRemoteParent(sc model.SpanContext) StartOption {
	return func(c *startConfig) { c.remoteParent = sc }
}

// WithNewRoot starts a new trace regardless of the stack.
func WithNewRoot() StartOption {
	return func(c *startConfig) { c.newRoot = true }
}

// WithStartTime overrides the start timestamp.
func WithStartTime(ts time.Time) StartOption {
	return func(c *startConfig) { c.start = ts }
}

// Start creates a span, makes it the active span and returns it. The span
// inherits its trace from a remote parent when given, otherwise from the
// active span; with neither it starts a new trace.
func (t *Tracer) Start(name string, opts ...StartOption) *Span {
	s := t.newSpan(name, t.provider.ActiveSpan(), opts)
	t.provider.push(s)
	return s
}

// StartContext creates a span parented on the span carried by ctx, or on the
// active span when ctx carries none, and returns a context carrying the new
// span. The span is not pushed onto the shared stack, so goroutines that pass
// their own ctx keep independent parent chains.
func (t *Tracer) StartContext(ctx context.Context, name string, opts ...StartOption) (*Span, context.Context) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		parent = t.provider.ActiveSpan()
	}
	s := t.newSpan(name, parent, opts)
	return s, ContextWithSpan(ctx, s)
}

func (t *Tracer) newSpan(name string, local *Span, opts []StartOption) *Span {
	cfg := startConfig{kind: model.SpanKindInternal}
	for _, o := range opts {
		o(&cfg)
	}
	p := t.provider

	sc := model.SpanContext{SpanID: model.NewSpanID(), TraceFlags: model.FlagSampled}
	var parentID string
	var parentSpan *Span
	switch {
	case cfg.newRoot:
	case cfg.remoteParent.IsValid():
		parent := cfg.remoteParent
		sc.TraceID, sc.TraceFlags, sc.TraceState = parent.TraceID, parent.TraceFlags, parent.TraceState
		parentID = parent.SpanID
	case local != nil:
		parent := local.SpanContext()
		sc.TraceID, sc.TraceFlags, sc.TraceState = parent.TraceID, parent.TraceFlags, parent.TraceState
		parentID = parent.SpanID
		parentSpan = local
	}
	if sc.TraceID == "" {
		sc.TraceID = model.NewTraceID()
	}

	start := cfg.start
	if start.IsZero() {
		start = p.now()
	}
	return &Span{
		provider: p,
		parent:   parentSpan,
		data: model.Span{
			Name:         name,
			Scope:        t.scope,
			Context:      sc,
			ParentSpanID: parentID,
			Kind:         cfg.kind,
			StartTime:    start,
			Attributes:   cfg.attrs,
			Links:        cfg.links,
		},
	}
}

// WithSpan runs fn inside a new span. The span's status is set to error
// with the error's message when fn fails or panics, and to ok otherwise.
// The span is always ended. When fn panics, spans it started and left open
// are dropped from the stack before the panic is re-raised. Spans started
// by other goroutines stay active.
func (t *Tracer) WithSpan(name string, fn func(*Span) error, opts ...StartOption) error {
	_, err := WithSpanValue(t, name, func(s *Span) (struct{}, error) {
		return struct{}{}, fn(s)
	}, opts...)
	return err
}

// WithSpanValue is WithSpan for work that produces a value.
func WithSpanValue[T any](t *Tracer, name string, fn func(*Span) (T, error), opts ...StartOption) (T, error) {
	s := t.Start(name, opts...)
	return runInSpan(t.provider, s, fn)
}

// WithSpanContext runs fn inside a span started with StartContext. fn
// receives a context carrying the span.
func (t *Tracer) WithSpanContext(ctx context.Context, name string, fn func(context.Context, *Span) error, opts ...StartOption) error {
	s, ctx := t.StartContext(ctx, name, opts...)
	_, err := runInSpan(t.provider, s, func(s *Span) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

func runInSpan[T any](p *Provider, s *Span, fn func(*Span) (T, error)) (T, error) {
	completed := false
	defer func() {
		if !completed {
			r := recover()
			if r == nil {
				// runtime.Goexit
				s.End()
				p.dropDescendants(s)
				return
			}
			s.SetStatus(model.StatusError, fmt.Sprint(r))
			s.End()
			p.dropDescendants(s)
			panic(r)
		}
	}()

	v, err := fn(s)
	completed = true
	if err != nil {
		s.RecordError(err)
	} else {
		s.SetStatus(model.StatusOK, "")
	}
	s.End()
	return v, err
}
