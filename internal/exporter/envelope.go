package exporter

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/outpost/internal/model"
)

// Encoding selects the OTLP/HTTP body format.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ContentType returns the HTTP Content-Type for the encoding.
func (e Encoding) ContentType() string {
	if e == EncodingProtobuf {
		return "application/x-protobuf"
	}
	return "application/json"
}

// ParseEncoding accepts "json", "protobuf" or "proto".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "protobuf", "proto":
		return EncodingProtobuf, nil
	default:
		return "", fmt.Errorf("unknown OTLP encoding %q", s)
	}
}

// scopeGroups buckets items by scope, keeping first-seen order.
func scopeGroups[T any](items []T, scope func(T) model.Scope) ([]model.Scope, map[model.Scope][]T) {
	var order []model.Scope
	groups := make(map[model.Scope][]T)
	for _, it := range items {
		s := scope(it)
		if _, ok := groups[s]; !ok {
			order = append(order, s)
		}
		groups[s] = append(groups[s], it)
	}
	return order, groups
}

// TraceRequest builds a resourceSpans envelope with one scope per distinct
// span scope.
func TraceRequest(spans []model.Span, res model.Resource) *coltracepb.ExportTraceServiceRequest {
	order, groups := scopeGroups(spans, func(s model.Span) model.Scope { return s.Scope })
	rs := &tracepb.ResourceSpans{Resource: res.ToProto()}
	for _, sc := range order {
		ss := &tracepb.ScopeSpans{Scope: sc.ToProto()}
		for _, s := range groups[sc] {
			ss.Spans = append(ss.Spans, s.ToProto())
		}
		rs.ScopeSpans = append(rs.ScopeSpans, ss)
	}
	return &coltracepb.ExportTraceServiceRequest{ResourceSpans: []*tracepb.ResourceSpans{rs}}
}

// MetricRequest builds a resourceMetrics envelope.
func MetricRequest(metrics []model.Metric, res model.Resource) *colmetricspb.ExportMetricsServiceRequest {
	order, groups := scopeGroups(metrics, model.Metric.ScopeOf)
	rm := &metricspb.ResourceMetrics{Resource: res.ToProto()}
	for _, sc := range order {
		sm := &metricspb.ScopeMetrics{Scope: sc.ToProto()}
		for _, m := range groups[sc] {
			if pm := m.ToProto(); pm != nil {
				sm.Metrics = append(sm.Metrics, pm)
			}
		}
		rm.ScopeMetrics = append(rm.ScopeMetrics, sm)
	}
	return &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: []*metricspb.ResourceMetrics{rm}}
}

// LogRequest builds a resourceLogs envelope.
func LogRequest(records []model.LogRecord, res model.Resource) *collogspb.ExportLogsServiceRequest {
	order, groups := scopeGroups(records, func(r model.LogRecord) model.Scope { return r.Scope })
	rl := &logspb.ResourceLogs{Resource: res.ToProto()}
	for _, sc := range order {
		sl := &logspb.ScopeLogs{Scope: sc.ToProto()}
		for _, r := range groups[sc] {
			sl.LogRecords = append(sl.LogRecords, r.ToProto())
		}
		rl.ScopeLogs = append(rl.ScopeLogs, sl)
	}
	return &collogspb.ExportLogsServiceRequest{ResourceLogs: []*logspb.ResourceLogs{rl}}
}

// Marshal encodes an OTLP request in the given encoding.
func Marshal(msg proto.Message, enc Encoding) ([]byte, error) {
	if enc == EncodingProtobuf {
		return proto.Marshal(msg)
	}
	return MarshalJSON(msg)
}

var jsonOpts = protojson.MarshalOptions{UseEnumNumbers: true}

// MarshalJSON renders msg as OTLP/JSON: lowerCamelCase fields, integer
// enums and hex-encoded trace and span ids.
func MarshalJSON(msg proto.Message) ([]byte, error) {
	v, err := jsonValue(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func jsonValue(msg proto.Message) (any, error) {
	raw, err := jsonOpts.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protojson: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode protojson: %w", err)
	}
	hexIDs(v)
	return v, nil
}

var idFields = map[string]bool{"traceId": true, "spanId": true, "parentSpanId": true}

// hexIDs rewrites base64 id fields in place.
func hexIDs(v any) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if s, ok := val.(string); ok && idFields[k] {
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					x[k] = hex.EncodeToString(b)
				}
				continue
			}
			hexIDs(val)
		}
	case []any:
		for _, e := range x {
			hexIDs(e)
		}
	}
}

// Combined carries all three signals for a single outbound document.
type Combined struct {
	Traces  *coltracepb.ExportTraceServiceRequest
	Metrics *colmetricspb.ExportMetricsServiceRequest
	Logs    *collogspb.ExportLogsServiceRequest
}

// Empty reports whether no signal carries data.
func (c Combined) Empty() bool {
	return len(c.Traces.GetResourceSpans()) == 0 &&
		len(c.Metrics.GetResourceMetrics()) == 0 &&
		len(c.Logs.GetResourceLogs()) == 0
}

// MarshalJSON renders {"resourceSpans":..,"resourceMetrics":..,"resourceLogs":..}
// omitting signals that are absent.
func (c Combined) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3)
	add := func(msg proto.Message, key string) error {
		if msg == nil || !msg.ProtoReflect().IsValid() {
			return nil
		}
		v, err := jsonValue(msg)
		if err != nil {
			return err
		}
		if m, ok := v.(map[string]any); ok && m[key] != nil {
			out[key] = m[key]
		}
		return nil
	}
	if err := add(c.Traces, "resourceSpans"); err != nil {
		return nil, err
	}
	if err := add(c.Metrics, "resourceMetrics"); err != nil {
		return nil, err
	}
	if err := add(c.Logs, "resourceLogs"); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
