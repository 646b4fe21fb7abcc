package metric

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProvider(t *testing.T) (*Provider, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	p := NewProvider(Config{
		Resource:     model.Resource{Attributes: model.Attributes{"service.name": "test"}},
		MaxBatchSize: 100,
		Now:          clock.Now,
	})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, clock
}

func TestMeter_CachedInstruments(t *testing.T) {
	p, _ := newTestProvider(t)
	if p.Meter("shop") != p.Meter("shop") {
		t.Error("meter should be cached")
	}
	m := p.Meter("shop")
	if m.Counter("orders") != m.Counter("orders", WithUnit("1")) {
		t.Error("counter should be cached by name")
	}
	if m.Histogram("latency") != m.Histogram("latency") {
		t.Error("histogram should be cached by name")
	}
	if m.Gauge("temp") != m.Gauge("temp") {
		t.Error("gauge should be cached by name")
	}
}

func TestCounter_AddProducesDeltaItems(t *testing.T) {
	p, clock := newTestProvider(t)
	c := p.Meter("shop").Counter("orders", WithDescription("orders placed"), WithUnit("1"))

	clock.Advance(time.Second)
	c.Add(2, model.Attributes{"region": "eu"})
	clock.Advance(time.Second)
	c.Add(3, nil)
	c.Add(-1, nil)
	c.Add(math.NaN(), nil)

	items := p.CollectPending()
	if len(items) != 2 {
		t.Fatalf("collected %d items, want 2", len(items))
	}
	first, second := items[0].Counter, items[1].Counter
	if first.Value != 2 || first.Attributes["region"] != "eu" || first.Unit != "1" {
		t.Errorf("first = %+v", first)
	}
	if !second.StartTime.Equal(first.Timestamp) {
		t.Errorf("second window starts %v, want %v", second.StartTime, first.Timestamp)
	}
	if items[0].Kind != model.MetricCounter || items[0].Name() != "orders" {
		t.Errorf("kind/name = %s/%s", items[0].Kind, items[0].Name())
	}
}

func TestHistogram_Record(t *testing.T) {
	p, _ := newTestProvider(t)
	h := p.Meter("http").Histogram("latency", WithBounds(10, 100))
	h.Record(5, nil)
	h.Record(50, nil)
	h.Record(500, nil)

	items := p.CollectPending()
	if len(items) != 3 {
		t.Fatalf("collected %d items, want 3", len(items))
	}
	for i, want := range [][]uint64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		got := items[i].Histogram.BucketCounts
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("item %d buckets = %v, want %v", i, got, want)
				break
			}
		}
	}
	if items[2].Histogram.Sum != 500 || items[2].Histogram.Count != 1 {
		t.Errorf("sum/count = %v/%d", items[2].Histogram.Sum, items[2].Histogram.Count)
	}
}

func TestHistogram_DefaultBounds(t *testing.T) {
	p, _ := newTestProvider(t)
	p.Meter("x").Histogram("h").Record(1, nil)
	got := p.CollectPending()[0].Histogram
	if len(got.Bounds) != len(DefaultBounds) || len(got.BucketCounts) != len(DefaultBounds)+1 {
		t.Errorf("bounds = %v, buckets = %v", got.Bounds, got.BucketCounts)
	}
}

func TestGauge_Set(t *testing.T) {
	p, _ := newTestProvider(t)
	g := p.Meter("device").Gauge("battery", WithUnit("%"))
	g.Set(81, nil)
	g.Set(80, nil)
	items := p.CollectPending()
	if len(items) != 2 || items[1].Gauge.Value != 80 || items[1].Gauge.Unit != "%" {
		t.Errorf("items = %+v", items)
	}
}

func TestProvider_FlushExports(t *testing.T) {
	var mu sync.Mutex
	var exported []model.Metric
	p := NewProvider(Config{MaxBatchSize: 2, Export: func(_ context.Context, items []model.Metric) error {
		mu.Lock()
		defer mu.Unlock()
		exported = append(exported, items...)
		return nil
	}})
	c := p.Meter("x").Counter("n")
	for i := 0; i < 5; i++ {
		c.Add(1, nil)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(exported) != 5 || p.PendingCount() != 0 {
		t.Errorf("exported %d, pending %d", len(exported), p.PendingCount())
	}
}

func TestProvider_CollectPendingOTLP(t *testing.T) {
	p, _ := newTestProvider(t)
	if p.CollectPendingOTLP() != nil {
		t.Fatal("empty provider should return nil")
	}
	p.Meter("a").Counter("c").Add(1, nil)
	p.Meter("b").Gauge("g").Set(1, nil)
	req := p.CollectPendingOTLP()
	if req == nil || len(req.ResourceMetrics[0].ScopeMetrics) != 2 {
		t.Fatalf("request = %v", req)
	}
}
