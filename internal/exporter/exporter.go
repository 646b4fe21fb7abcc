// Package exporter posts OTLP payloads to a collector over HTTP.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/compress"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/resilience"
)

// ErrEmptyEndpoint is returned by New when no collector URL is configured.
var ErrEmptyEndpoint = errors.New("exporter: endpoint is empty")

// Signal names an OTLP signal and its URL path.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalMetrics Signal = "metrics"
	SignalLogs    Signal = "logs"
)

// Path returns the OTLP/HTTP path for the signal.
func (s Signal) Path() string { return "/v1/" + string(s) }

// DefaultUserAgent identifies the exporter to collectors.
const DefaultUserAgent = "outpost-otlp-http/1.0"

// StatusError is a non-2xx collector response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt: every
// non-2xx status except 4xx other than 429.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// IsRetryable classifies an export error. Network errors and timeouts are
// retryable; an open circuit, cancellation and client errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Config configures an Exporter.
type Config struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	Retry       resilience.RetryPolicy
	Encoding    Encoding
	Compression compress.Options
	UserAgent   string
	Headers     map[string]string
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// Exporter is safe for concurrent use by all providers.
type Exporter struct {
	cfg     Config
	client  *resty.Client
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	apiKey string
}

// New builds an exporter. Resty's own retries stay disabled; the exporter
// runs its own loop so status classification is explicit.
func New(cfg Config) (*Exporter, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	cfg.Endpoint = endpoint
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultExportTimeout
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent)
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &Exporter{
		cfg:     cfg,
		client:  client,
		logger:  cfg.Logger.Named("exporter"),
		metrics: cfg.Metrics,
		apiKey:  cfg.APIKey,
	}, nil
}

// Encoding returns the configured body encoding.
func (e *Exporter) Encoding() Encoding { return e.cfg.Encoding }

// Endpoint returns the collector base URL.
func (e *Exporter) Endpoint() string { return e.cfg.Endpoint }

// SetAPIKey replaces the X-API-Key sent with later requests.
func (e *Exporter) SetAPIKey(key string) {
	e.mu.Lock()
	e.apiKey = key
	e.mu.Unlock()
}

func (e *Exporter) currentAPIKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.apiKey
}

// EncodeTraces renders spans as an OTLP request body.
func (e *Exporter) EncodeTraces(spans []model.Span, res model.Resource) ([]byte, error) {
	return Marshal(TraceRequest(spans, res), e.cfg.Encoding)
}

// EncodeMetrics renders metrics as an OTLP request body.
func (e *Exporter) EncodeMetrics(metrics []model.Metric, res model.Resource) ([]byte, error) {
	return Marshal(MetricRequest(metrics, res), e.cfg.Encoding)
}

// EncodeLogs renders log records as an OTLP request body.
func (e *Exporter) EncodeLogs(records []model.LogRecord, res model.Resource) ([]byte, error) {
	return Marshal(LogRequest(records, res), e.cfg.Encoding)
}

// ExportTraces sends spans. An empty slice succeeds without a request.
func (e *Exporter) ExportTraces(ctx context.Context, spans []model.Span, res model.Resource) error {
	if len(spans) == 0 {
		return nil
	}
	body, err := e.EncodeTraces(spans, res)
	if err != nil {
		return fmt.Errorf("encode traces: %w", err)
	}
	return e.sendBody(ctx, SignalTraces, body)
}

// ExportMetrics sends metrics. An empty slice succeeds without a request.
func (e *Exporter) ExportMetrics(ctx context.Context, metrics []model.Metric, res model.Resource) error {
	if len(metrics) == 0 {
		return nil
	}
	body, err := e.EncodeMetrics(metrics, res)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	return e.sendBody(ctx, SignalMetrics, body)
}

// ExportLogs sends log records. An empty slice succeeds without a request.
func (e *Exporter) ExportLogs(ctx context.Context, records []model.LogRecord, res model.Resource) error {
	if len(records) == 0 {
		return nil
	}
	body, err := e.EncodeLogs(records, res)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}
	return e.sendBody(ctx, SignalLogs, body)
}

func (e *Exporter) sendBody(ctx context.Context, signal Signal, body []byte) error {
	payload, err := compress.Compress(body, e.cfg.Compression)
	if err != nil {
		e.logger.Debug("compression failed, sending uncompressed", zap.Error(err))
	}
	return e.Send(ctx, signal, payload)
}

// Send posts an already encoded payload, retrying transient failures with
// the exporter's retry policy.
func (e *Exporter) Send(ctx context.Context, signal Signal, payload compress.Payload) error {
	url := e.cfg.Endpoint + signal.Path()
	err := resilience.RetryWithNotify(ctx, e.cfg.Retry, nil, func(ctx context.Context) error {
		return e.attempt(ctx, url, signal, payload)
	}, func(err error, attempt int, wait time.Duration) {
		e.logger.Debug("export attempt failed",
			zap.String("signal", string(signal)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("export %s: %w", signal, err)
	}
	return nil
}

func (e *Exporter) attempt(ctx context.Context, url string, signal Signal, payload compress.Payload) error {
	req := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", e.cfg.Encoding.ContentType()).
		SetBody(payload.Bytes)
	if key := e.currentAPIKey(); key != "" {
		req.SetHeader("X-API-Key", key)
	}
	if enc := payload.ContentEncoding(); enc != "" {
		req.SetHeader("Content-Encoding", enc)
	}

	resp, err := req.Post(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.RecordExportAttempt(string(signal), "canceled")
			return resilience.Permanent(ctxErr)
		}
		e.metrics.RecordExportAttempt(string(signal), "network")
		return err
	}

	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		e.metrics.RecordExportAttempt(string(signal), "")
		return nil
	}
	e.metrics.RecordExportAttempt(string(signal), fmt.Sprintf("status_%d", code))
	se := &StatusError{StatusCode: code, Body: truncate(resp.String(), 256)}
	if !se.Retryable() {
		return resilience.Permanent(se)
	}
	return se
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
