package metric

import (
	"math"
	"sync"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

// DefaultBounds are the explicit histogram bucket boundaries used when an
// instrument does not set its own.
var DefaultBounds = []float64{0, 5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000}

type instrumentConfig struct {
	description string
	unit        string
	bounds      []float64
}

// InstrumentOption customizes an instrument on creation. Options passed for
// an instrument that already exists are ignored.
type InstrumentOption func(*instrumentConfig)

func WithDescription(d string) InstrumentOption {
	return func(c *instrumentConfig) { c.description = d }
}

func WithUnit(u string) InstrumentOption {
	return func(c *instrumentConfig) { c.unit = u }
}

// WithBounds sets histogram bucket boundaries. They must be ascending.
func WithBounds(bounds ...float64) InstrumentOption {
	return func(c *instrumentConfig) { c.bounds = append([]float64(nil), bounds...) }
}

// Meter creates instruments for one instrumentation scope. Instruments are
// cached by name per kind.
type Meter struct {
	provider *Provider
	scope    model.Scope

	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	gauges     map[string]*Gauge
}

func newConfig(opts []InstrumentOption) instrumentConfig {
	var c instrumentConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Counter returns the named monotonic counter.
func (m *Meter) Counter(name string, opts ...InstrumentOption) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &Counter{meter: m, name: name, cfg: newConfig(opts), last: m.provider.now()}
	m.counters[name] = c
	return c
}

// Histogram returns the named explicit-bucket histogram.
func (m *Meter) Histogram(name string, opts ...InstrumentOption) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	cfg := newConfig(opts)
	if len(cfg.bounds) == 0 {
		cfg.bounds = DefaultBounds
	}
	h := &Histogram{meter: m, name: name, cfg: cfg, last: m.provider.now()}
	m.histograms[name] = h
	return h
}

// Gauge returns the named gauge.
func (m *Meter) Gauge(name string, opts ...InstrumentOption) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := &Gauge{meter: m, name: name, cfg: newConfig(opts)}
	m.gauges[name] = g
	return g
}

// Counter records monotonic increments. Each Add becomes one delta item
// covering the time since the previous Add.
type Counter struct {
	meter *Meter
	name  string
	cfg   instrumentConfig

	mu   sync.Mutex
	last time.Time
}

// Add records v. Negative and non-finite values are ignored.
func (c *Counter) Add(v float64, attrs model.Attributes) {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	now := c.meter.provider.now()
	c.mu.Lock()
	start := c.last
	c.last = now
	c.mu.Unlock()

	c.meter.provider.record(model.Metric{
		Kind: model.MetricCounter,
		Counter: &model.CounterMetric{
			Name:        c.name,
			Description: c.cfg.description,
			Unit:        c.cfg.unit,
			Scope:       c.meter.scope,
			StartTime:   start,
			Timestamp:   now,
			Value:       v,
			Attributes:  attrs.Clone(),
		},
	})
}

// Histogram records samples into explicit buckets.
type Histogram struct {
	meter *Meter
	name  string
	cfg   instrumentConfig

	mu   sync.Mutex
	last time.Time
}

// Record adds one sample. Non-finite values are ignored.
func (h *Histogram) Record(v float64, attrs model.Attributes) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	now := h.meter.provider.now()
	h.mu.Lock()
	start := h.last
	h.last = now
	h.mu.Unlock()

	item := &model.HistogramMetric{
		Name:        h.name,
		Description: h.cfg.description,
		Unit:        h.cfg.unit,
		Scope:       h.meter.scope,
		StartTime:   start,
		Timestamp:   now,
		Bounds:      h.cfg.bounds,
		Attributes:  attrs.Clone(),
	}
	item.Record(v)
	h.meter.provider.record(model.Metric{Kind: model.MetricHistogram, Histogram: item})
}

// Gauge records point-in-time values.
type Gauge struct {
	meter *Meter
	name  string
	cfg   instrumentConfig
}

// Set records the current value.
func (g *Gauge) Set(v float64, attrs model.Attributes) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	g.meter.provider.record(model.Metric{
		Kind: model.MetricGauge,
		Gauge: &model.GaugeMetric{
			Name:        g.name,
			Description: g.cfg.description,
			Unit:        g.cfg.unit,
			Scope:       g.meter.scope,
			Timestamp:   g.meter.provider.now(),
			Value:       v,
			Attributes:  attrs.Clone(),
		},
	})
}
