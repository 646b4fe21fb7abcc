package model

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// MarshalJSON stores each value in its exported form. Floating point values
// always carry a fraction or exponent so they decode back as float64.
func (a Attributes) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = storedValue(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores integral numbers as int64 and the rest as float64.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*a = nil
		return nil
	}
	out := make(Attributes, len(raw))
	for k, v := range raw {
		out[k] = restoredValue(v)
	}
	*a = out
	return nil
}

func storedValue(v any) any {
	switch x := AnyValue(v).Value.(type) {
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return floatJSON(x.DoubleValue)
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	default:
		return v
	}
}

func floatJSON(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.RawMessage(s)
}

func restoredValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return s
	case []any:
		for i := range x {
			x[i] = restoredValue(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = restoredValue(x[k])
		}
		return x
	default:
		return v
	}
}
