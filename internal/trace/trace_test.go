package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

type spanSink struct {
	mu    sync.Mutex
	spans []model.Span
}

func (s *spanSink) export(_ context.Context, spans []model.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, spans...)
	return nil
}

func newTestProvider(t *testing.T, export func(context.Context, []model.Span) error) *Provider {
	t.Helper()
	p := NewProvider(Config{
		Resource:     model.Resource{Attributes: model.Attributes{"service.name": "test"}},
		MaxBatchSize: 100,
		Export:       export,
	})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestStart_RootAndChild(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("checkout")

	root := tr.Start("request", WithKind(model.SpanKindServer))
	if p.ActiveSpan() != root {
		t.Fatal("root should be active")
	}
	child := tr.Start("db.query")

	rc, cc := root.SpanContext(), child.SpanContext()
	if !model.IsValidTraceID(rc.TraceID) || !model.IsValidSpanID(rc.SpanID) {
		t.Fatalf("invalid root context %+v", rc)
	}
	if cc.TraceID != rc.TraceID {
		t.Errorf("child trace = %s, want %s", cc.TraceID, rc.TraceID)
	}
	if got := child.Snapshot().ParentSpanID; got != rc.SpanID {
		t.Errorf("child parent = %s, want %s", got, rc.SpanID)
	}
	if root.Snapshot().ParentSpanID != "" {
		t.Error("root should have no parent")
	}

	child.End()
	if p.ActiveSpan() != root {
		t.Error("ending child should restore root as active")
	}
	root.End()
	if p.ActiveSpan() != nil {
		t.Error("stack should be empty")
	}
	if got := p.PendingCount(); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
}

func TestStart_RemoteParent(t *testing.T) {
	p := newTestProvider(t, nil)
	remote := model.SpanContext{
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:     "00f067aa0ba902b7",
		TraceFlags: 0,
		TraceState: "vendor=1",
		Remote:     true,
	}
	local := p.Tracer("x").Start("local-root")
	s := p.Tracer("x").Start("handler", WithRemoteParent(remote))
	sc := s.SpanContext()
	if sc.TraceID != remote.TraceID || s.Snapshot().ParentSpanID != remote.SpanID {
		t.Errorf("span did not adopt remote parent: %+v", sc)
	}
	if sc.TraceFlags != 0 || sc.TraceState != "vendor=1" {
		t.Errorf("flags/state not inherited: %+v", sc)
	}
	if sc.TraceID == local.SpanContext().TraceID {
		t.Error("remote parent should take precedence over the stack")
	}
	s.End()
	local.End()
}

func TestStart_NewRoot(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	outer := tr.Start("outer")
	inner := tr.Start("inner", WithNewRoot())
	if inner.SpanContext().TraceID == outer.SpanContext().TraceID {
		t.Error("new root should start a new trace")
	}
	inner.End()
	outer.End()
}

func TestTracer_CachedByName(t *testing.T) {
	p := newTestProvider(t, nil)
	if p.Tracer("a") != p.Tracer("a") {
		t.Error("tracer should be cached")
	}
	if p.Tracer("a") == p.Tracer("b") {
		t.Error("different names should differ")
	}
	if p.Tracer("a", "1.0") == p.Tracer("a") {
		t.Error("version is part of the scope")
	}
}

func TestSpan_Mutators(t *testing.T) {
	p := newTestProvider(t, nil)
	s := p.Tracer("x").Start("op", WithAttributes(model.Attributes{"a": 1}))
	s.SetAttribute("b", "two")
	s.SetAttributes(model.Attributes{"c": true})
	s.AddEvent("cache.miss", model.Attributes{"key": "k"})
	s.AddLink(model.SpanContext{TraceID: model.NewTraceID(), SpanID: model.NewSpanID()}, nil)
	s.AddLink(model.SpanContext{}, nil)
	s.RecordError(errors.New("boom"))
	s.End()

	if s.IsRecording() {
		t.Error("ended span should not record")
	}
	s.SetAttribute("late", 1)

	spans := p.CollectPending()
	if len(spans) != 1 {
		t.Fatalf("collected %d spans, want 1", len(spans))
	}
	got := spans[0]
	if len(got.Attributes) != 3 {
		t.Errorf("attributes = %v", got.Attributes)
	}
	if len(got.Events) != 2 || got.Events[1].Name != "exception" {
		t.Errorf("events = %+v", got.Events)
	}
	if len(got.Links) != 1 {
		t.Errorf("links = %+v, want one valid link", got.Links)
	}
	if got.Status.Code != model.StatusError || got.Status.Message != "boom" {
		t.Errorf("status = %+v", got.Status)
	}
	if !got.Ended() || got.Priority() != model.PriorityHigh {
		t.Errorf("error span should be ended and high priority")
	}
}

func TestSpan_EndTwice(t *testing.T) {
	p := newTestProvider(t, nil)
	s := p.Tracer("x").Start("op")
	s.End()
	s.End()
	if got := p.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestSpan_OutOfOrderEnd(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	a := tr.Start("a")
	b := tr.Start("b")
	a.End()
	if p.ActiveSpan() != b || p.Depth() != 1 {
		t.Fatalf("ending a non-top span should leave b active")
	}
	b.End()
	if p.Depth() != 0 {
		t.Error("stack should be empty")
	}
}

func TestWithSpan_Success(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	outer := tr.Start("outer")

	var inner model.SpanContext
	err := tr.WithSpan("work", func(s *Span) error {
		inner = s.SpanContext()
		if p.ActiveSpan() != s {
			t.Error("work span should be active inside fn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSpan: %v", err)
	}
	if p.ActiveSpan() != outer {
		t.Error("outer should be active again")
	}
	outer.End()

	spans := p.CollectPending()
	if spans[0].Context.SpanID != inner.SpanID || spans[0].Status.Code != model.StatusOK {
		t.Errorf("work span = %+v", spans[0])
	}
}

func TestWithSpan_Error(t *testing.T) {
	p := newTestProvider(t, nil)
	want := errors.New("payment declined")
	err := p.Tracer("x").WithSpan("charge", func(*Span) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	spans := p.CollectPending()
	if spans[0].Status.Code != model.StatusError || spans[0].Status.Message != "payment declined" {
		t.Errorf("status = %+v", spans[0].Status)
	}
}

func TestWithSpan_PanicRestoresStack(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	outer := tr.Start("outer")
	depth := p.Depth()

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		tr.WithSpan("work", func(*Span) error {
			tr.Start("leaked-child")
			panic("kaboom")
		})
	}()

	if p.Depth() != depth || p.ActiveSpan() != outer {
		t.Fatalf("stack not restored: depth %d, want %d", p.Depth(), depth)
	}
	outer.End()

	spans := p.CollectPending()
	if len(spans) != 2 {
		t.Fatalf("collected %d spans, want work and outer", len(spans))
	}
	if spans[0].Name != "work" || spans[0].Status.Code != model.StatusError || spans[0].Status.Message != "kaboom" {
		t.Errorf("work span = %+v", spans[0])
	}
}

func TestWithSpanValue(t *testing.T) {
	p := newTestProvider(t, nil)
	v, err := WithSpanValue(p.Tracer("x"), "compute", func(s *Span) (int, error) {
		s.SetAttribute("n", 21)
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("WithSpanValue = %d, %v", v, err)
	}
}

func TestProvider_ExportOnThresholdAndFlush(t *testing.T) {
	sink := &spanSink{}
	p := NewProvider(Config{MaxBatchSize: 2, Export: sink.export})
	tr := p.Tracer("x")
	for i := 0; i < 3; i++ {
		tr.Start("op").End()
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.spans) != 3 {
		t.Errorf("exported %d spans, want 3", len(sink.spans))
	}
	if p.PendingCount() != 0 {
		t.Error("nothing should be pending after flush")
	}
}

func TestProvider_CollectPendingOTLP(t *testing.T) {
	p := newTestProvider(t, nil)
	if p.CollectPendingOTLP() != nil {
		t.Fatal("empty provider should return nil")
	}
	p.Tracer("a").Start("one").End()
	p.Tracer("b").Start("two").End()

	req := p.CollectPendingOTLP()
	if req == nil || len(req.ResourceSpans) != 1 {
		t.Fatalf("request = %v", req)
	}
	if got := len(req.ResourceSpans[0].ScopeSpans); got != 2 {
		t.Errorf("scopes = %d, want 2", got)
	}
	if p.PendingCount() != 0 {
		t.Error("collect should drain")
	}
}

func TestSpan_EndNotBeforeStart(t *testing.T) {
	base := time.Unix(1000, 0)
	p := NewProvider(Config{Now: func() time.Time { return base }})
	s := p.Tracer("x").Start("op", WithStartTime(base.Add(time.Second)))
	s.End()
	got := p.CollectPending()[0]
	if got.EndTime.Before(got.StartTime) {
		t.Errorf("end %v before start %v", got.EndTime, got.StartTime)
	}
}

func TestWithSpan_EndingKeepsOtherGoroutinesSpans(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")

	bStarted := make(chan *Span)
	aEnded := make(chan struct{})
	bDone := make(chan struct{})
	var bSpan *Span
	var child model.Span

	go func() {
		defer close(bDone)
		tr.WithSpan("B", func(s *Span) error {
			bStarted <- s
			<-aEnded
			c := tr.Start("B.child")
			child = c.Snapshot()
			c.End()
			return nil
		})
	}()

	err := tr.WithSpan("A", func(*Span) error {
		bSpan = <-bStarted
		return nil
	})
	if err != nil {
		t.Fatalf("WithSpan: %v", err)
	}
	if p.ActiveSpan() != bSpan {
		t.Fatalf("B should stay active after A ends, depth=%d", p.Depth())
	}
	close(aEnded)
	<-bDone

	bc := bSpan.SpanContext()
	if child.ParentSpanID != bc.SpanID || child.Context.TraceID != bc.TraceID {
		t.Errorf("B.child parent = %s/%s, want %s/%s",
			child.Context.TraceID, child.ParentSpanID, bc.TraceID, bc.SpanID)
	}
	if p.Depth() != 0 {
		t.Errorf("Depth = %d, want 0", p.Depth())
	}
}

func TestStartContext_IndependentChains(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")

	var wg sync.WaitGroup
	results := make([][2]model.Span, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			parent, ctx := tr.StartContext(context.Background(), "worker")
			child, _ := tr.StartContext(ctx, "step")
			results[i] = [2]model.Span{parent.Snapshot(), child.Snapshot()}
			child.End()
			parent.End()
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		parent, child := r[0], r[1]
		if parent.ParentSpanID != "" {
			t.Errorf("worker %d has parent %s", i, parent.ParentSpanID)
		}
		if child.ParentSpanID != parent.Context.SpanID || child.Context.TraceID != parent.Context.TraceID {
			t.Errorf("worker %d step parent = %s, want %s", i, child.ParentSpanID, parent.Context.SpanID)
		}
	}
	if p.Depth() != 0 {
		t.Errorf("context spans should not touch the stack, depth=%d", p.Depth())
	}
}

func TestStartContext_FallsBackToActiveSpan(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	root := tr.Start("request")
	defer root.End()

	s, ctx := tr.StartContext(context.Background(), "handler")
	defer s.End()
	if SpanFromContext(ctx) != s {
		t.Fatal("returned context should carry the span")
	}
	if got := s.Snapshot().ParentSpanID; got != root.SpanContext().SpanID {
		t.Errorf("parent = %s, want %s", got, root.SpanContext().SpanID)
	}
	if p.ActiveSpan() != root {
		t.Error("StartContext should not change the active span")
	}
}

func TestWithSpanContext(t *testing.T) {
	p := newTestProvider(t, nil)
	tr := p.Tracer("x")
	want := errors.New("timeout")

	err := tr.WithSpanContext(context.Background(), "fetch", func(ctx context.Context, s *Span) error {
		if SpanFromContext(ctx) != s {
			t.Error("fn ctx should carry the span")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	spans := p.CollectPending()
	if len(spans) != 1 || spans[0].Name != "fetch" || spans[0].Status.Code != model.StatusError {
		t.Fatalf("spans = %+v", spans)
	}
}
