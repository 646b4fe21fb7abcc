package model

import (
	"fmt"
	"strings"
)

// Attributes maps attribute keys to scalar values (string, bool, integer or
// floating point). Other value types are stringified on export.
type Attributes map[string]any

// Clone returns a shallow copy. A nil receiver yields nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into a, overwriting existing keys.
func (a Attributes) Merge(other Attributes) {
	for k, v := range other {
		a[k] = v
	}
}

// Resource describes the entity producing telemetry (service, host, device).
type Resource struct {
	Attributes Attributes `json:"attributes,omitempty"`
}

// ServiceName returns the service.name attribute, or "" when absent.
func (r Resource) ServiceName() string {
	if v, ok := r.Attributes["service.name"].(string); ok {
		return v
	}
	return ""
}

// Scope identifies the instrumentation library (tracer/meter/logger name).
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Priority orders queued items. Lower values are dequeued first.
type Priority uint8

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", p)
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p <= PriorityLow
}

// ParsePriority converts "high", "normal" or "low" (any case) to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Severity is the OTLP log severity number (1-24). Zero means unspecified.
type Severity int32

// Severity ranges start at the first number of each OTLP band.
const (
	SeverityUnspecified Severity = 0
	SeverityTrace       Severity = 1
	SeverityDebug       Severity = 5
	SeverityInfo        Severity = 9
	SeverityWarn        Severity = 13
	SeverityError       Severity = 17
	SeverityFatal       Severity = 21
)

// String returns the short upper-case name of the severity band.
func (s Severity) String() string {
	switch {
	case s <= SeverityUnspecified:
		return "UNSPECIFIED"
	case s < SeverityDebug:
		return "TRACE"
	case s < SeverityInfo:
		return "DEBUG"
	case s < SeverityWarn:
		return "INFO"
	case s < SeverityError:
		return "WARN"
	case s < SeverityFatal:
		return "ERROR"
	default:
		return "FATAL"
	}
}
