package logs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

type staticSpans struct{ sc model.SpanContext }

func (s staticSpans) ActiveSpanContext() model.SpanContext { return s.sc }

var fixedNow = time.Unix(1700000000, 0)

func newTestProvider(t *testing.T, spans SpanContextSource, min model.Severity) *Provider {
	t.Helper()
	p := NewProvider(Config{
		MaxBatchSize: 100,
		Spans:        spans,
		MinSeverity:  min,
		Now:          func() time.Time { return fixedNow },
	})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestLogger_Levels(t *testing.T) {
	p := newTestProvider(t, nil, 0)
	l := p.Logger("app")
	l.Debug("d", nil)
	l.Info("i", model.Attributes{"k": "v"})
	l.Warn("w", nil)
	l.Error("e", nil)

	records := p.CollectPending()
	if len(records) != 4 {
		t.Fatalf("collected %d records, want 4", len(records))
	}
	want := []model.Severity{model.SeverityDebug, model.SeverityInfo, model.SeverityWarn, model.SeverityError}
	for i, r := range records {
		if r.Severity != want[i] {
			t.Errorf("record %d severity = %v, want %v", i, r.Severity, want[i])
		}
		if r.Scope.Name != "app" || !r.Timestamp.Equal(fixedNow) || !r.ObservedTimestamp.Equal(fixedNow) {
			t.Errorf("record %d = %+v", i, r)
		}
	}
	if records[1].Attributes["k"] != "v" {
		t.Errorf("attributes = %v", records[1].Attributes)
	}
	if records[3].Priority() != model.PriorityHigh || records[0].Priority() != model.PriorityLow {
		t.Error("priority should follow severity")
	}
}

func TestLogger_CorrelatesWithActiveSpan(t *testing.T) {
	sc := model.SpanContext{TraceID: model.NewTraceID(), SpanID: model.NewSpanID(), TraceFlags: model.FlagSampled}
	p := newTestProvider(t, staticSpans{sc: sc}, 0)
	p.Logger("app").Info("inside span", nil)

	r := p.CollectPending()[0]
	if r.TraceID != sc.TraceID || r.SpanID != sc.SpanID || r.TraceFlags != model.FlagSampled {
		t.Errorf("record not correlated: %+v", r)
	}
}

func TestLogger_KeepsExplicitTraceIDs(t *testing.T) {
	active := model.SpanContext{TraceID: model.NewTraceID(), SpanID: model.NewSpanID()}
	p := newTestProvider(t, staticSpans{sc: active}, 0)
	explicit := model.NewTraceID()
	p.Logger("app").EmitRecord(model.LogRecord{Severity: model.SeverityInfo, Body: "x", TraceID: explicit})
	if got := p.CollectPending()[0].TraceID; got != explicit {
		t.Errorf("TraceID = %s, want %s", got, explicit)
	}
}

func TestLogger_NoActiveSpan(t *testing.T) {
	p := newTestProvider(t, staticSpans{}, 0)
	p.Logger("app").Info("x", nil)
	if r := p.CollectPending()[0]; r.TraceID != "" || r.SpanID != "" {
		t.Errorf("unexpected correlation: %+v", r)
	}
}

func TestLogger_MinSeverity(t *testing.T) {
	p := newTestProvider(t, nil, model.SeverityWarn)
	l := p.Logger("app")
	l.Debug("dropped", nil)
	l.Info("dropped", nil)
	l.Warn("kept", nil)
	if got := p.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestLogger_EmitAtKeepsTimestamp(t *testing.T) {
	p := newTestProvider(t, nil, 0)
	ts := fixedNow.Add(-time.Hour)
	p.Logger("agent").EmitAt(ts, model.SeverityInfo, "from file", nil)
	r := p.CollectPending()[0]
	if !r.Timestamp.Equal(ts) || !r.ObservedTimestamp.Equal(fixedNow) {
		t.Errorf("timestamps = %v / %v", r.Timestamp, r.ObservedTimestamp)
	}
}

func TestProvider_FlushAndOTLP(t *testing.T) {
	var mu sync.Mutex
	var exported int
	p := NewProvider(Config{MaxBatchSize: 3, Export: func(_ context.Context, rs []model.LogRecord) error {
		mu.Lock()
		exported += len(rs)
		mu.Unlock()
		return nil
	}})
	for i := 0; i < 4; i++ {
		p.Logger("x").Info("line", nil)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if exported != 4 {
		t.Errorf("exported %d, want 4", exported)
	}

	q := newTestProvider(t, nil, 0)
	if q.CollectPendingOTLP() != nil {
		t.Fatal("empty provider should return nil")
	}
	q.Logger("a").Info("x", nil)
	if req := q.CollectPendingOTLP(); req == nil || len(req.ResourceLogs) != 1 {
		t.Fatalf("request = %v", req)
	}
}

func TestLogger_Cached(t *testing.T) {
	p := newTestProvider(t, nil, 0)
	if p.Logger("a") != p.Logger("a") || p.Logger("a") == p.Logger("b") {
		t.Error("loggers should be cached by scope")
	}
}
