// Package monitoring exposes Prometheus metrics about the pipeline itself.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outpost"

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ItemsEnqueued  *prometheus.CounterVec
	ItemsExported  *prometheus.CounterVec
	ItemsDropped   *prometheus.CounterVec
	ExportAttempts *prometheus.CounterVec
	ExportFailures *prometheus.CounterVec
	FlushDuration  *prometheus.HistogramVec
	QueueLength    *prometheus.GaugeVec
	CircuitState   *prometheus.GaugeVec
	PayloadBytes   *prometheus.CounterVec
	NetworkClass   *prometheus.GaugeVec
	Uptime         prometheus.GaugeFunc

	startTime time.Time
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh
// registry so tests can build many instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	m.ItemsEnqueued = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_enqueued_total",
			Help:      "Telemetry items accepted by the pipeline",
		},
		[]string{"signal"},
	)
	m.ItemsExported = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_exported_total",
			Help:      "Telemetry items confirmed by the collector",
		},
		[]string{"signal"},
	)
	m.ItemsDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dropped_total",
			Help:      "Telemetry items discarded before export",
		},
		[]string{"signal", "reason"},
	)
	m.ExportAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_attempts_total",
			Help:      "HTTP export attempts",
		},
		[]string{"signal"},
	)
	m.ExportFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Failed HTTP export attempts by reason",
		},
		[]string{"signal", "reason"},
	)
	m.FlushDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch manager flushes",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"signal", "result"},
	)
	m.QueueLength = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records waiting in the persistent queue",
		},
		[]string{"signal"},
	)
	m.CircuitState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"signal"},
	)
	m.PayloadBytes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Batch payload bytes before (raw) and after (sent) compression",
		},
		[]string{"signal", "stage"},
	)
	m.NetworkClass = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_class",
			Help:      "1 for the current network bandwidth class",
		},
		[]string{"class"},
	)
	m.Uptime = f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the pipeline started",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	return m
}

// RecordEnqueued counts items accepted for a signal.
func (m *Metrics) RecordEnqueued(signal string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsEnqueued.WithLabelValues(signal).Add(float64(n))
}

// RecordExported counts items delivered for a signal.
func (m *Metrics) RecordExported(signal string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsExported.WithLabelValues(signal).Add(float64(n))
}

// RecordDropped counts items discarded for reason.
func (m *Metrics) RecordDropped(signal, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsDropped.WithLabelValues(signal, reason).Add(float64(n))
}

// RecordExportAttempt counts one HTTP attempt and, when reason is not
// empty, its failure.
func (m *Metrics) RecordExportAttempt(signal, reason string) {
	if m == nil {
		return
	}
	m.ExportAttempts.WithLabelValues(signal).Inc()
	if reason != "" {
		m.ExportFailures.WithLabelValues(signal, reason).Inc()
	}
}

// ObserveFlush records how long a flush took.
func (m *Metrics) ObserveFlush(signal string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.FlushDuration.WithLabelValues(signal, result).Observe(d.Seconds())
}

// SetQueueLength publishes the queue length for a signal.
func (m *Metrics) SetQueueLength(signal string, n int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(signal).Set(float64(n))
}

// SetCircuitState publishes a breaker state as 0, 1 or 2.
func (m *Metrics) SetCircuitState(signal string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(signal).Set(float64(state))
}

// RecordPayload counts raw and sent payload bytes.
func (m *Metrics) RecordPayload(signal string, raw, sent int) {
	if m == nil {
		return
	}
	m.PayloadBytes.WithLabelValues(signal, "raw").Add(float64(raw))
	m.PayloadBytes.WithLabelValues(signal, "sent").Add(float64(sent))
}

// SetNetworkClass marks class as current and clears the others.
func (m *Metrics) SetNetworkClass(class string, all ...string) {
	if m == nil {
		return
	}
	for _, c := range all {
		m.NetworkClass.WithLabelValues(c).Set(0)
	}
	m.NetworkClass.WithLabelValues(class).Set(1)
}
