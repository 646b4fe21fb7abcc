// Package pipeline wires providers, queues and the exporter into one
// telemetry client.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/outpost/internal/batch"
	"github.com/tinytelemetry/outpost/internal/compress"
	"github.com/tinytelemetry/outpost/internal/exporter"
	"github.com/tinytelemetry/outpost/internal/logs"
	"github.com/tinytelemetry/outpost/internal/metric"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/netmon"
	"github.com/tinytelemetry/outpost/internal/propagation"
	"github.com/tinytelemetry/outpost/internal/resilience"
	"github.com/tinytelemetry/outpost/internal/trace"
)

// SDKName is reported as telemetry.sdk.name.
const SDKName = "outpost"

// ErrFlushIncomplete is returned by Flush when a durable queue could not be
// fully delivered. The undelivered items stay queued.
var ErrFlushIncomplete = errors.New("pipeline: flush incomplete")

type options struct {
	logger      *zap.Logger
	registerer  prometheus.Registerer
	transport   http.RoundTripper
	manualFlush bool
	now         func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the pipeline's Prometheus collectors on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTransport overrides the exporter's HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithManualFlush disables the durable queues' timers; only Flush sends.
func WithManualFlush() Option {
	return func(o *options) { o.manualFlush = true }
}

// WithClock overrides time.Now for providers and queues.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client is the composition root: one exporter, three providers and, in
// durable mode, one batch manager per signal.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	resource model.Resource
	exporter *exporter.Exporter

	traces  *trace.Provider
	meters  *metric.Provider
	logs    *logs.Provider
	spanQ   *batch.Manager[model.Span]
	metricQ *batch.Manager[model.Metric]
	logQ    *batch.Manager[model.LogRecord]
	monitor *netmon.Monitor

	startOnce    sync.Once
	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      time.Time
}

// New builds a client. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	cfg = cfg.withDefaults()
	batchCfg, err := cfg.Batch.Validate()
	if err != nil {
		return nil, err
	}
	cfg.Batch = batchCfg

	metrics := monitoring.NewMetrics(o.registerer)
	exp, err := exporter.New(exporter.Config{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.Timeout,
		Retry:       cfg.Retry,
		Encoding:    cfg.Encoding,
		Compression: compressionFor(cfg.Batch, cfg.Durable),
		Transport:   o.transport,
		Logger:      o.logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  metrics,
		resource: buildResource(cfg),
		exporter: exp,
		started:  time.Now(),
	}

	if cfg.Durable {
		if err := c.buildQueues(o); err != nil {
			return nil, err
		}
		if cfg.Batch.EnableNetworkAwareBatching {
			c.monitor = netmon.NewMonitor(netmon.Config{
				Prober:   cfg.Prober,
				Interval: cfg.ProbeInterval,
				Logger:   o.logger,
			})
		}
	}

	c.traces = trace.NewProvider(trace.Config{
		Resource:     c.resource,
		MaxBatchSize: cfg.ProviderBatchSize,
		Export:       c.spanSink(),
		Logger:       o.logger,
		Metrics:      metrics,
		Now:          o.now,
	})
	c.meters = metric.NewProvider(metric.Config{
		Resource:     c.resource,
		MaxBatchSize: cfg.ProviderBatchSize,
		Export:       c.metricSink(),
		Logger:       o.logger,
		Metrics:      metrics,
		Now:          o.now,
	})
	c.logs = logs.NewProvider(logs.Config{
		Resource:     c.resource,
		MaxBatchSize: cfg.ProviderBatchSize,
		Export:       c.logSink(),
		Spans:        c.traces,
		MinSeverity:  cfg.MinLogSeverity,
		Logger:       o.logger,
		Metrics:      metrics,
		Now:          o.now,
	})
	return c, nil
}

// compressionFor returns the exporter's own compression settings. Durable
// batches arrive already compressed, so the exporter leaves them alone.
func compressionFor(cfg model.BatchConfig, durable bool) compress.Options {
	if durable {
		return compress.Options{}
	}
	return compress.Options{Enabled: cfg.EnableCompression, Threshold: cfg.CompressionThreshold}
}

func buildResource(cfg Config) model.Resource {
	attrs := model.Attributes{
		"service.name":           cfg.ServiceName,
		"service.instance.id":    uuid.NewString(),
		"telemetry.sdk.name":     SDKName,
		"telemetry.sdk.language": "go",
		"host.arch":              runtime.GOARCH,
		"os.type":                runtime.GOOS,
	}
	if cfg.ServiceVersion != "" {
		attrs["service.version"] = cfg.ServiceVersion
	}
	attrs.Merge(cfg.ResourceAttributes)
	return model.Resource{Attributes: attrs}
}

func (c *Client) buildQueues(o options) error {
	var err error
	c.spanQ, err = newManager(c, o, exporter.SignalTraces, c.exporter.EncodeTraces)
	if err != nil {
		return err
	}
	c.metricQ, err = newManager(c, o, exporter.SignalMetrics, c.exporter.EncodeMetrics)
	if err != nil {
		return err
	}
	c.logQ, err = newManager(c, o, exporter.SignalLogs, c.exporter.EncodeLogs)
	return err
}

func newManager[T any](c *Client, o options, signal exporter.Signal, encode func([]T, model.Resource) ([]byte, error)) (*batch.Manager[T], error) {
	return batch.NewManager(batch.Options[T]{
		Name:     string(signal),
		Config:   c.cfg.Batch,
		QueueDir: c.cfg.QueueDir,
		Format: func(items []T) ([]byte, error) {
			return encode(items, c.resource)
		},
		Send: func(ctx context.Context, b batch.Batch) error {
			err := c.exporter.Send(ctx, signal, b.Payload)
			if err != nil && !exporter.IsRetryable(err) {
				return resilience.Permanent(err)
			}
			return err
		},
		Retry:       c.cfg.Retry,
		Breaker:     c.cfg.Breaker,
		ManualFlush: o.manualFlush,
		Logger:      o.logger,
		Metrics:     c.metrics,
		Now:         o.now,
	})
}

// enqueueByPriority adds items to m grouped by priority, keeping the
// relative order within each class.
func enqueueByPriority[T any](m *batch.Manager[T], items []T, priority func(T) model.Priority) error {
	groups := make(map[model.Priority][]T, 3)
	for _, it := range items {
		p := priority(it)
		groups[p] = append(groups[p], it)
	}
	var errs []error
	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		if err := m.AddAll(groups[p], p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) spanSink() func(context.Context, []model.Span) error {
	if c.spanQ != nil {
		return func(_ context.Context, spans []model.Span) error {
			return enqueueByPriority(c.spanQ, spans, model.Span.Priority)
		}
	}
	return func(ctx context.Context, spans []model.Span) error {
		return c.exporter.ExportTraces(ctx, spans, c.resource)
	}
}

func (c *Client) metricSink() func(context.Context, []model.Metric) error {
	if c.metricQ != nil {
		return func(_ context.Context, items []model.Metric) error {
			return c.metricQ.AddAll(items, model.PriorityNormal)
		}
	}
	return func(ctx context.Context, items []model.Metric) error {
		return c.exporter.ExportMetrics(ctx, items, c.resource)
	}
}

func (c *Client) logSink() func(context.Context, []model.LogRecord) error {
	if c.logQ != nil {
		return func(_ context.Context, records []model.LogRecord) error {
			return enqueueByPriority(c.logQ, records, model.LogRecord.Priority)
		}
	}
	return func(ctx context.Context, records []model.LogRecord) error {
		return c.exporter.ExportLogs(ctx, records, c.resource)
	}
}

// Start opens the durable queues and, when network-aware batching is on,
// starts the connectivity monitor. It is safe to call more than once.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		if !c.cfg.Durable {
			c.logger.Info("pipeline started", zap.String("mode", "direct"), zap.String("endpoint", c.exporter.Endpoint()))
			return
		}
		c.spanQ.Initialize()
		c.metricQ.Initialize()
		c.logQ.Initialize()

		if c.monitor != nil {
			c.spanQ.Watch(c.monitor.Subscribe())
			c.metricQ.Watch(c.monitor.Subscribe())
			c.logQ.Watch(c.monitor.Subscribe())
			c.watchNetworkClass(c.monitor.Subscribe())
			c.monitor.Start(ctx)
			c.metrics.SetNetworkClass(string(c.monitor.Class()), allClasses...)
		}
		c.logger.Info("pipeline started",
			zap.String("mode", "durable"),
			zap.String("endpoint", c.exporter.Endpoint()),
			zap.String("queue_dir", c.cfg.QueueDir))
	})
}

var allClasses = []string{
	string(netmon.ClassUnrestricted),
	string(netmon.ClassHighBandwidth),
	string(netmon.ClassConstrained),
	string(netmon.ClassOffline),
}

func (c *Client) watchNetworkClass(ch <-chan netmon.Change) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for change := range ch {
			c.metrics.SetNetworkClass(string(change.To), allClasses...)
		}
	}()
}

// Tracer returns the named tracer.
func (c *Client) Tracer(name string, version ...string) *trace.Tracer {
	return c.traces.Tracer(name, version...)
}

// Meter returns the named meter.
func (c *Client) Meter(name string, version ...string) *metric.Meter {
	return c.meters.Meter(name, version...)
}

// Logger returns the named logger.
func (c *Client) Logger(name string, version ...string) *logs.Logger {
	return c.logs.Logger(name, version...)
}

// Traces exposes the trace provider.
func (c *Client) Traces() *trace.Provider { return c.traces }

// Resource returns the resource attached to every export.
func (c *Client) Resource() model.Resource { return c.resource }

// Metrics returns the pipeline's Prometheus collectors.
func (c *Client) Metrics() *monitoring.Metrics { return c.metrics }

// Inject writes the active span's trace context into carrier.
func (c *Client) Inject(carrier propagation.Carrier) {
	propagation.Inject(c.traces.ActiveSpanContext(), carrier)
}

// Extract reads a remote trace context from carrier.
func (c *Client) Extract(carrier propagation.Carrier) (model.SpanContext, bool) {
	return propagation.Extract(carrier)
}

// SetAPIKey swaps the collector API key.
func (c *Client) SetAPIKey(key string) { c.exporter.SetAPIKey(key) }

// ResetCircuitBreakers closes every queue's breaker.
func (c *Client) ResetCircuitBreakers() {
	if !c.cfg.Durable {
		return
	}
	c.spanQ.ResetCircuitBreaker()
	c.metricQ.ResetCircuitBreaker()
	c.logQ.ResetCircuitBreaker()
}

// Flush exports everything the providers hold. In durable mode it then
// drains the queues; undelivered items stay queued and ErrFlushIncomplete
// is returned.
func (c *Client) Flush(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.traces.Flush(gctx) })
	g.Go(func() error { return c.meters.Flush(gctx) })
	g.Go(func() error { return c.logs.Flush(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush providers: %w", err)
	}
	if !c.cfg.Durable {
		return nil
	}

	var failed []string
	var mu sync.Mutex
	qg, qctx := errgroup.WithContext(ctx)
	flush := func(name string, fn func(context.Context) bool) {
		qg.Go(func() error {
			if !fn(qctx) {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	flush("traces", c.spanQ.Flush)
	flush("metrics", c.metricQ.Flush)
	flush("logs", c.logQ.Flush)
	qg.Wait()
	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", ErrFlushIncomplete, failed)
	}
	return nil
}

// CollectPendingOTLP drains all three providers into one combined
// envelope instead of exporting them separately.
func (c *Client) CollectPendingOTLP() exporter.Combined {
	return exporter.Combined{
		Traces:  c.traces.CollectPendingOTLP(),
		Metrics: c.meters.CollectPendingOTLP(),
		Logs:    c.logs.CollectPendingOTLP(),
	}
}

// PendingCount returns items held by providers plus items queued on disk.
func (c *Client) PendingCount() int {
	n := c.traces.PendingCount() + c.meters.PendingCount() + c.logs.PendingCount()
	if c.cfg.Durable {
		n += c.spanQ.PendingCount() + c.metricQ.PendingCount() + c.logQ.PendingCount()
	}
	return n
}

// Shutdown flushes providers into the queues or the exporter, then shuts
// the queues down with one final flush each.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		var errs []error
		for _, p := range []interface{ Shutdown(context.Context) error }{c.traces, c.meters, c.logs} {
			if perr := p.Shutdown(ctx); perr != nil {
				errs = append(errs, perr)
			}
		}
		if c.monitor != nil {
			c.monitor.Stop()
		}
		if c.cfg.Durable {
			for _, q := range []interface{ Shutdown(context.Context) error }{c.spanQ, c.metricQ, c.logQ} {
				if qerr := q.Shutdown(ctx); qerr != nil {
					errs = append(errs, qerr)
				}
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		err = errors.Join(errs...)
		c.logger.Info("pipeline stopped", zap.Error(err))
	})
	return err
}
