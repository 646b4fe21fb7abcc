// Package propagation reads and writes W3C trace context headers.
package propagation

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tinytelemetry/outpost/internal/model"
)

const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"

	supportedVersion = "00"
)

// Carrier is a set of request headers.
type Carrier interface {
	Get(key string) string
	Set(key, value string)
}

// HeaderCarrier adapts http.Header.
type HeaderCarrier http.Header

func (h HeaderCarrier) Get(key string) string { return http.Header(h).Get(key) }

func (h HeaderCarrier) Set(key, value string) { http.Header(h).Set(key, value) }

// MapCarrier is a plain header map. Lookups ignore key case.
type MapCarrier map[string]string

func (m MapCarrier) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (m MapCarrier) Set(key, value string) { m[key] = value }

// Traceparent formats sc as a traceparent header value.
func Traceparent(sc model.SpanContext) string {
	return fmt.Sprintf("%s-%s-%s-%02x", supportedVersion, sc.TraceID, sc.SpanID, sc.TraceFlags)
}

// Inject writes traceparent, and tracestate when non-empty. An invalid
// context writes nothing.
func Inject(sc model.SpanContext, c Carrier) {
	if c == nil || !sc.IsValid() {
		return
	}
	c.Set(TraceparentHeader, Traceparent(sc))
	if sc.TraceState != "" {
		c.Set(TracestateHeader, sc.TraceState)
	}
}

// Extract parses traceparent from c. It reports false when the header is
// missing or malformed. A tracestate header, if any, is attached.
func Extract(c Carrier) (model.SpanContext, bool) {
	if c == nil {
		return model.SpanContext{}, false
	}
	sc, ok := ParseTraceparent(c.Get(TraceparentHeader))
	if !ok {
		return model.SpanContext{}, false
	}
	sc.TraceState = strings.TrimSpace(c.Get(TracestateHeader))
	return sc, true
}

// ParseTraceparent parses "version-traceid-spanid-flags". Version ff and
// all-zero ids are rejected. Versions above 00 may carry extra fields.
func ParseTraceparent(v string) (model.SpanContext, bool) {
	parts := strings.Split(strings.TrimSpace(v), "-")
	if len(parts) < 4 {
		return model.SpanContext{}, false
	}
	version := parts[0]
	if len(version) != 2 || !isLowerHex(version) || version == "ff" {
		return model.SpanContext{}, false
	}
	if version == supportedVersion && len(parts) != 4 {
		return model.SpanContext{}, false
	}
	traceID, spanID, flags := parts[1], parts[2], parts[3]
	if !model.IsValidTraceID(traceID) || !model.IsValidSpanID(spanID) {
		return model.SpanContext{}, false
	}
	if len(flags) != 2 || !isLowerHex(flags) {
		return model.SpanContext{}, false
	}
	f, err := strconv.ParseUint(flags, 16, 8)
	if err != nil {
		return model.SpanContext{}, false
	}
	return model.SpanContext{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: uint8(f),
		Remote:     true,
	}, true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
