package model

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// AnyValue converts a scalar attribute value to its OTLP form. Values that
// are not scalars are rendered with fmt.
func AnyValue(v any) *commonpb.AnyValue {
	switch x := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: x}}
	case int:
		return intValue(int64(x))
	case int8:
		return intValue(int64(x))
	case int16:
		return intValue(int64(x))
	case int32:
		return intValue(int64(x))
	case int64:
		return intValue(x)
	case uint:
		return intValue(int64(x))
	case uint8:
		return intValue(int64(x))
	case uint16:
		return intValue(int64(x))
	case uint32:
		return intValue(int64(x))
	case uint64:
		return intValue(int64(x))
	case float32:
		return doubleValue(float64(x))
	case float64:
		return doubleValue(x)
	case time.Duration:
		return intValue(x.Milliseconds())
	case fmt.Stringer:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x.String()}}
	case nil:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: ""}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func intValue(v int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}
}

func doubleValue(v float64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}
}

// ToProto converts attributes to key/value pairs sorted by key.
func (a Attributes) ToProto() []*commonpb.KeyValue {
	if len(a) == 0 {
		return nil
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, &commonpb.KeyValue{Key: k, Value: AnyValue(a[k])})
	}
	return out
}

func (r Resource) ToProto() *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: r.Attributes.ToProto()}
}

func (s Scope) ToProto() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: s.Name, Version: s.Version}
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// decodeID turns a hex id into bytes; invalid input yields nil.
func decodeID(id string) []byte {
	if id == "" {
		return nil
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil
	}
	return b
}

func (s Span) ToProto() *tracepb.Span {
	ps := &tracepb.Span{
		TraceId:           decodeID(s.Context.TraceID),
		SpanId:            decodeID(s.Context.SpanID),
		TraceState:        s.Context.TraceState,
		ParentSpanId:      decodeID(s.ParentSpanID),
		Flags:             uint32(s.Context.TraceFlags),
		Name:              s.Name,
		Kind:              tracepb.Span_SpanKind(s.Kind),
		StartTimeUnixNano: unixNano(s.StartTime),
		EndTimeUnixNano:   unixNano(s.EndTime),
		Attributes:        s.Attributes.ToProto(),
		Status: &tracepb.Status{
			Code:    tracepb.Status_StatusCode(s.Status.Code),
			Message: s.Status.Message,
		},
	}
	for _, e := range s.Events {
		ps.Events = append(ps.Events, &tracepb.Span_Event{
			TimeUnixNano: unixNano(e.Time),
			Name:         e.Name,
			Attributes:   e.Attributes.ToProto(),
		})
	}
	for _, l := range s.Links {
		ps.Links = append(ps.Links, &tracepb.Span_Link{
			TraceId:    decodeID(l.Context.TraceID),
			SpanId:     decodeID(l.Context.SpanID),
			TraceState: l.Context.TraceState,
			Flags:      uint32(l.Context.TraceFlags),
			Attributes: l.Attributes.ToProto(),
		})
	}
	return ps
}

func (c CounterMetric) ToProto() *metricspb.Metric {
	return &metricspb.Metric{
		Name:        c.Name,
		Description: c.Description,
		Unit:        c.Unit,
		Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			IsMonotonic:            true,
			DataPoints: []*metricspb.NumberDataPoint{{
				Attributes:        c.Attributes.ToProto(),
				StartTimeUnixNano: unixNano(c.StartTime),
				TimeUnixNano:      unixNano(c.Timestamp),
				Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: c.Value},
			}},
		}},
	}
}

func (g GaugeMetric) ToProto() *metricspb.Metric {
	return &metricspb.Metric{
		Name:        g.Name,
		Description: g.Description,
		Unit:        g.Unit,
		Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{{
				Attributes:   g.Attributes.ToProto(),
				TimeUnixNano: unixNano(g.Timestamp),
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: g.Value},
			}},
		}},
	}
}

func (h HistogramMetric) ToProto() *metricspb.Metric {
	sum, lo, hi := h.Sum, h.Min, h.Max
	dp := &metricspb.HistogramDataPoint{
		Attributes:        h.Attributes.ToProto(),
		StartTimeUnixNano: unixNano(h.StartTime),
		TimeUnixNano:      unixNano(h.Timestamp),
		Count:             h.Count,
		Sum:               &sum,
		BucketCounts:      append([]uint64(nil), h.BucketCounts...),
		ExplicitBounds:    append([]float64(nil), h.Bounds...),
	}
	if h.Count > 0 {
		dp.Min = &lo
		dp.Max = &hi
	}
	return &metricspb.Metric{
		Name:        h.Name,
		Description: h.Description,
		Unit:        h.Unit,
		Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			DataPoints:             []*metricspb.HistogramDataPoint{dp},
		}},
	}
}

// ToProto converts whichever variant is set; an empty Metric yields nil.
func (m Metric) ToProto() *metricspb.Metric {
	switch {
	case m.Counter != nil:
		return m.Counter.ToProto()
	case m.Gauge != nil:
		return m.Gauge.ToProto()
	case m.Histogram != nil:
		return m.Histogram.ToProto()
	}
	return nil
}

func (r LogRecord) ToProto() *logspb.LogRecord {
	text := r.SeverityText
	if text == "" && r.Severity != SeverityUnspecified {
		text = r.Severity.String()
	}
	return &logspb.LogRecord{
		TimeUnixNano:         unixNano(r.Timestamp),
		ObservedTimeUnixNano: unixNano(r.ObservedTimestamp),
		SeverityNumber:       logspb.SeverityNumber(r.Severity),
		SeverityText:         text,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: r.Body}},
		Attributes:           r.Attributes.ToProto(),
		Flags:                uint32(r.TraceFlags),
		TraceId:              decodeID(r.TraceID),
		SpanId:               decodeID(r.SpanID),
	}
}
