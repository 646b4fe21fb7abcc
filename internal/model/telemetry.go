package model

import "time"

// SpanKind mirrors the OTLP span kind enumeration.
type SpanKind int32

const (
	SpanKindUnspecified SpanKind = 0
	SpanKindInternal    SpanKind = 1
	SpanKindServer      SpanKind = 2
	SpanKindClient      SpanKind = 3
	SpanKindProducer    SpanKind = 4
	SpanKindConsumer    SpanKind = 5
)

// StatusCode mirrors the OTLP span status code.
type StatusCode int32

const (
	StatusUnset StatusCode = 0
	StatusOK    StatusCode = 1
	StatusError StatusCode = 2
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// Status is the outcome of a span.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string     `json:"name"`
	Time       time.Time  `json:"time"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Link references another span, possibly in a different trace.
type Link struct {
	Context    SpanContext `json:"context"`
	Attributes Attributes  `json:"attributes,omitempty"`
}

// Span is a finished (or in-flight snapshot of a) timed unit of work.
type Span struct {
	Name         string      `json:"name"`
	Scope        Scope       `json:"scope"`
	Context      SpanContext `json:"context"`
	ParentSpanID string      `json:"parentSpanId,omitempty"`
	Kind         SpanKind    `json:"kind"`
	StartTime    time.Time   `json:"startTime"`
	EndTime      time.Time   `json:"endTime"`
	Attributes   Attributes  `json:"attributes,omitempty"`
	Events       []Event     `json:"events,omitempty"`
	Links        []Link      `json:"links,omitempty"`
	Status       Status      `json:"status"`
}

// Ended reports whether the span has an end time.
func (s Span) Ended() bool {
	return !s.EndTime.IsZero()
}

// Duration returns EndTime-StartTime, or zero for an open span.
func (s Span) Duration() time.Duration {
	if !s.Ended() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Priority ranks failed spans ahead of everything else.
func (s Span) Priority() Priority {
	if s.Status.Code == StatusError {
		return PriorityHigh
	}
	return PriorityNormal
}

// MetricKind discriminates the metric item types.
type MetricKind string

const (
	MetricCounter   MetricKind = "counter"
	MetricGauge     MetricKind = "gauge"
	MetricHistogram MetricKind = "histogram"
)

// CounterMetric is a monotonic delta sample.
type CounterMetric struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Scope       Scope      `json:"scope"`
	StartTime   time.Time  `json:"startTime"`
	Timestamp   time.Time  `json:"timestamp"`
	Value       float64    `json:"value"`
	Attributes  Attributes `json:"attributes,omitempty"`
}

// GaugeMetric is a point-in-time value.
type GaugeMetric struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Scope       Scope      `json:"scope"`
	Timestamp   time.Time  `json:"timestamp"`
	Value       float64    `json:"value"`
	Attributes  Attributes `json:"attributes,omitempty"`
}

// HistogramMetric is an explicit-bucket distribution of recorded samples.
// len(BucketCounts) == len(Bounds)+1.
type HistogramMetric struct {
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Unit         string     `json:"unit,omitempty"`
	Scope        Scope      `json:"scope"`
	StartTime    time.Time  `json:"startTime"`
	Timestamp    time.Time  `json:"timestamp"`
	Count        uint64     `json:"count"`
	Sum          float64    `json:"sum"`
	Min          float64    `json:"min"`
	Max          float64    `json:"max"`
	Bounds       []float64  `json:"bounds"`
	BucketCounts []uint64   `json:"bucketCounts"`
	Attributes   Attributes `json:"attributes,omitempty"`
}

// Record appends one sample to the histogram.
func (h *HistogramMetric) Record(v float64) {
	if len(h.BucketCounts) != len(h.Bounds)+1 {
		h.BucketCounts = make([]uint64, len(h.Bounds)+1)
	}
	idx := len(h.Bounds)
	for i, b := range h.Bounds {
		if v <= b {
			idx = i
			break
		}
	}
	h.BucketCounts[idx]++
	if h.Count == 0 || v < h.Min {
		h.Min = v
	}
	if h.Count == 0 || v > h.Max {
		h.Max = v
	}
	h.Count++
	h.Sum += v
}

// Metric is the tagged union of metric items, which is what providers and
// queues carry. Exactly one of the pointers is set, matching Kind.
type Metric struct {
	Kind      MetricKind       `json:"kind"`
	Counter   *CounterMetric   `json:"counter,omitempty"`
	Gauge     *GaugeMetric     `json:"gauge,omitempty"`
	Histogram *HistogramMetric `json:"histogram,omitempty"`
}

// Name returns the instrument name of whichever variant is set.
func (m Metric) Name() string {
	switch {
	case m.Counter != nil:
		return m.Counter.Name
	case m.Gauge != nil:
		return m.Gauge.Name
	case m.Histogram != nil:
		return m.Histogram.Name
	}
	return ""
}

// ScopeOf returns the instrumentation scope of whichever variant is set.
func (m Metric) ScopeOf() Scope {
	switch {
	case m.Counter != nil:
		return m.Counter.Scope
	case m.Gauge != nil:
		return m.Gauge.Scope
	case m.Histogram != nil:
		return m.Histogram.Scope
	}
	return Scope{}
}

// LogRecord is a single log entry, optionally correlated with a span.
type LogRecord struct {
	Timestamp         time.Time  `json:"timestamp"`
	ObservedTimestamp time.Time  `json:"observedTimestamp"`
	Severity          Severity   `json:"severity"`
	SeverityText      string     `json:"severityText,omitempty"`
	Body              string     `json:"body"`
	Scope             Scope      `json:"scope"`
	Attributes        Attributes `json:"attributes,omitempty"`
	TraceID           string     `json:"traceId,omitempty"`
	SpanID            string     `json:"spanId,omitempty"`
	TraceFlags        uint8      `json:"traceFlags,omitempty"`
}

// Priority sends errors first and holds debug/trace noise back.
func (r LogRecord) Priority() Priority {
	switch {
	case r.Severity >= SeverityError:
		return PriorityHigh
	case r.Severity > SeverityUnspecified && r.Severity < SeverityInfo:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
