package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	TraceIDHexLen = 32
	SpanIDHexLen  = 16
)

// FlagSampled is bit 0 of the W3C trace-flags field.
const FlagSampled uint8 = 0x01

// NewTraceID returns a random 32-character lower-case hex trace id.
func NewTraceID() string {
	return randomHex(TraceIDHexLen / 2)
}

// NewSpanID returns a random 16-character lower-case hex span id.
func NewSpanID() string {
	return randomHex(SpanIDHexLen / 2)
}

func randomHex(n int) string {
	b := make([]byte, n)
	for {
		_, _ = rand.Read(b)
		for _, c := range b {
			if c != 0 {
				return hex.EncodeToString(b)
			}
		}
	}
}

// IsValidTraceID reports whether id is 32 lower-case hex chars and not all zero.
func IsValidTraceID(id string) bool {
	return isValidHexID(id, TraceIDHexLen)
}

// IsValidSpanID reports whether id is 16 lower-case hex chars and not all zero.
func IsValidSpanID(id string) bool {
	return isValidHexID(id, SpanIDHexLen)
}

func isValidHexID(id string, n int) bool {
	if len(id) != n {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return strings.Trim(id, "0") != ""
}

// SpanContext is the propagated identity of a span.
type SpanContext struct {
	TraceID    string `json:"traceId"`
	SpanID     string `json:"spanId"`
	TraceFlags uint8  `json:"traceFlags"`
	TraceState string `json:"traceState,omitempty"`
	Remote     bool   `json:"remote,omitempty"`
}

// IsValid reports whether both ids are well-formed and non-zero.
func (sc SpanContext) IsValid() bool {
	return IsValidTraceID(sc.TraceID) && IsValidSpanID(sc.SpanID)
}

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&FlagSampled != 0
}
