package propagation

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/outpost/internal/model"
)

var sample = model.SpanContext{
	TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
	SpanID:     "00f067aa0ba902b7",
	TraceFlags: model.FlagSampled,
}

func TestInjectFormat(t *testing.T) {
	h := http.Header{}
	Inject(sample, HeaderCarrier(h))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", h.Get("Traceparent"))
	assert.Empty(t, h.Get("Tracestate"))

	withState := sample
	withState.TraceState = "rojo=00f067aa0ba902b7,congo=t61rcWkgMzE"
	Inject(withState, HeaderCarrier(h))
	assert.Equal(t, withState.TraceState, h.Get("tracestate"))
}

func TestInjectInvalidContextIsNoop(t *testing.T) {
	m := MapCarrier{}
	Inject(model.SpanContext{}, m)
	Inject(sample, nil)
	assert.Empty(t, m)
}

func TestRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		sc := model.SpanContext{TraceID: model.NewTraceID(), SpanID: model.NewSpanID(), TraceFlags: uint8(i % 2)}
		m := MapCarrier{}
		Inject(sc, m)
		got, ok := Extract(m)
		require.True(t, ok)
		assert.Equal(t, sc.TraceID, got.TraceID)
		assert.Equal(t, sc.SpanID, got.SpanID)
		assert.Equal(t, sc.TraceFlags, got.TraceFlags)
		assert.True(t, got.Remote)
	}
}

func TestExtractCaseInsensitive(t *testing.T) {
	m := MapCarrier{
		"TraceParent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00",
		"TRACESTATE":  " vendor=abc ",
	}
	sc, ok := Extract(m)
	require.True(t, ok)
	assert.Equal(t, sample.TraceID, sc.TraceID)
	assert.False(t, sc.IsSampled())
	assert.Equal(t, "vendor=abc", sc.TraceState)

	h := http.Header{}
	h.Set("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	sc, ok = Extract(HeaderCarrier(h))
	require.True(t, ok)
	assert.True(t, sc.IsSampled())
}

func TestExtractRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"missing":          "",
		"too few segments": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7",
		"extra segment v0": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-xx",
		"short trace id":   "00-4bf92f3577b34da6a3ce929d0e0e473-00f067aa0ba902b7-01",
		"long span id":     "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7a-01",
		"non-hex trace id": "00-4bf92f3577b34da6a3ce929d0e0e47zz-00f067aa0ba902b7-01",
		"upper-case hex":   "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01",
		"zero trace id":    "00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"zero span id":     "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",
		"version ff":       "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"bad flags":        "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-1",
		"garbage":          "not a traceparent",
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := Extract(MapCarrier{"traceparent": v})
			assert.False(t, ok)
		})
	}
}

func TestExtractFutureVersion(t *testing.T) {
	sc, ok := ParseTraceparent("01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-future")
	require.True(t, ok)
	assert.Equal(t, sample.SpanID, sc.SpanID)
}

func TestExtractNilCarrier(t *testing.T) {
	_, ok := Extract(nil)
	assert.False(t, ok)
}
