// Package batch drains a persistent queue in batches, compressing each
// batch and sending it through a retry loop guarded by a circuit breaker.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/compress"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/netmon"
	"github.com/tinytelemetry/outpost/internal/queue"
	"github.com/tinytelemetry/outpost/internal/resilience"
)

// Batch is one outbound unit handed to a SendFunc.
type Batch struct {
	Name    string
	Payload compress.Payload
	Count   int
}

// SendFunc delivers a batch. Returning an error wrapped with
// resilience.Permanent stops the retry loop early.
type SendFunc func(ctx context.Context, b Batch) error

// Options configures a Manager.
type Options[T any] struct {
	// Name labels logs and metrics and names the queue file.
	Name   string
	Config model.BatchConfig
	// QueueDir holds the queue database; empty means in memory.
	QueueDir string
	// Queue, when set, is used instead of opening one from QueueDir.
	Queue   *queue.Queue
	Codec   Codec[T]
	Format  Formatter[T]
	Send    SendFunc
	Retry   resilience.RetryPolicy
	Breaker resilience.BreakerConfig
	// ManualFlush disables the timers and add-triggered flushes; only
	// explicit Flush calls send.
	ManualFlush bool
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	Now         func() time.Time
}

// Status is a diagnostic snapshot of a Manager.
type Status struct {
	Name       string                     `json:"name"`
	Pending    int                        `json:"pending"`
	Config     model.BatchConfig          `json:"config"`
	Breaker    resilience.BreakerSnapshot `json:"breaker"`
	Degraded   bool                       `json:"degraded"`
	Flushing   bool                       `json:"flushing"`
	LastFlush  time.Time                  `json:"lastFlush,omitempty"`
	LastError  string                     `json:"lastError,omitempty"`
	SentItems  int64                      `json:"sentItems"`
	SentBytes  int64                      `json:"sentBytes"`
	FailedSend int64                      `json:"failedSends"`
}

// Manager owns one queue and one circuit breaker.
type Manager[T any] struct {
	opts    Options[T]
	logger  *zap.Logger
	metrics *monitoring.Metrics
	breaker *resilience.CircuitBreaker

	cfgMu sync.RWMutex
	cfg   model.BatchConfig

	queue *queue.Queue

	flushing atomic.Bool
	kick     chan struct{}
	reconfig chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	initOnce sync.Once
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	statsMu    sync.Mutex
	lastFlush  time.Time
	lastErr    string
	sentItems  int64
	sentBytes  int64
	failedSend int64
}

// NewManager validates opts and returns an uninitialized manager.
func NewManager[T any](opts Options[T]) (*Manager[T], error) {
	if opts.Send == nil {
		return nil, errors.New("batch: Send is required")
	}
	cfg, err := opts.Config.Validate()
	if err != nil {
		return nil, err
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec[T]{}
	}
	if opts.Format == nil {
		opts.Format = JSONArray[T]
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager[T]{
		opts:     opts,
		logger:   opts.Logger.Named("batch").With(zap.String("signal", opts.Name)),
		metrics:  opts.Metrics,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		reconfig: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	bc := opts.Breaker
	userHook := bc.OnStateChange
	bc.OnStateChange = func(from, to resilience.State) {
		m.logger.Info("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		m.metrics.SetCircuitState(opts.Name, int(to))
		if userHook != nil {
			userHook(from, to)
		}
	}
	if bc.Now == nil {
		bc.Now = opts.Now
	}
	m.breaker = resilience.NewCircuitBreaker(bc)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Initialize opens the queue and starts the flush timers. If the queue
// cannot be opened the manager keeps running on a degraded queue that
// rejects every item.
func (m *Manager[T]) Initialize() {
	m.initOnce.Do(func() {
		m.queue = m.opts.Queue
		if m.queue == nil {
			cfg := m.Config()
			q, err := queue.Open(queue.Options{
				Name:         m.opts.Name,
				Dir:          m.opts.QueueDir,
				MaxSize:      cfg.MaxQueueSize,
				MaxRetention: cfg.MaxRetention,
				Now:          m.opts.Now,
				Logger:       m.logger,
			})
			if err != nil {
				m.logger.Warn("queue unavailable, running degraded", zap.Error(err))
				q = queue.NewDegraded(m.opts.Name, err)
			}
			m.queue = q
		}
		m.updateQueueGauge()

		if m.opts.ManualFlush {
			return
		}
		m.wg.Add(1)
		go m.loop()
	})
}

func (m *Manager[T]) loop() {
	defer m.wg.Done()
	cfg := m.Config()
	batchTicker := time.NewTicker(cfg.BatchInterval)
	defer batchTicker.Stop()
	priorityTicker := time.NewTicker(cfg.PriorityFlushInterval)
	defer priorityTicker.Stop()

	for {
		select {
		case <-batchTicker.C:
			m.Flush(m.ctx)
		case <-priorityTicker.C:
			m.Flush(m.ctx)
		case <-m.kick:
			m.Flush(m.ctx)
		case <-m.reconfig:
			cfg = m.Config()
			batchTicker.Reset(cfg.BatchInterval)
			priorityTicker.Reset(cfg.PriorityFlushInterval)
			m.logger.Debug("timers reset",
				zap.Duration("batch_interval", cfg.BatchInterval),
				zap.Duration("priority_interval", cfg.PriorityFlushInterval))
		case <-m.done:
			return
		}
	}
}

func (m *Manager[T]) schedule() {
	if m.opts.ManualFlush {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager[T]) ensureQueue() *queue.Queue {
	m.Initialize()
	return m.queue
}

// Add enqueues one item. A high priority item, or a queue that reached the
// batch size, schedules a flush.
func (m *Manager[T]) Add(item T, p model.Priority) error {
	return m.AddAll([]T{item}, p)
}

// AddAll enqueues items with one priority.
func (m *Manager[T]) AddAll(items []T, p model.Priority) error {
	if len(items) == 0 {
		return nil
	}
	q := m.ensureQueue()
	payloads := make([][]byte, 0, len(items))
	for _, it := range items {
		b, err := m.opts.Codec.Encode(it)
		if err != nil {
			m.metrics.RecordDropped(m.opts.Name, "encode", 1)
			m.logger.Debug("dropping unencodable item", zap.Error(err))
			continue
		}
		payloads = append(payloads, b)
	}
	if err := q.AddAll(payloads, p); err != nil {
		m.metrics.RecordDropped(m.opts.Name, "queue", len(payloads))
		return fmt.Errorf("batch %s: enqueue: %w", m.opts.Name, err)
	}
	m.metrics.RecordEnqueued(m.opts.Name, len(payloads))

	if p == model.PriorityHigh {
		m.schedule()
		return nil
	}
	if n, err := q.Len(); err == nil {
		m.metrics.SetQueueLength(m.opts.Name, n)
		if n >= m.Config().BatchSize {
			m.schedule()
		}
	}
	return nil
}

// Flush sends queued batches until the queue is empty or a batch fails.
// It returns false when a batch could not be delivered; that batch is
// requeued whole. A call that overlaps a running flush returns true
// immediately.
func (m *Manager[T]) Flush(ctx context.Context) bool {
	if !m.flushing.CompareAndSwap(false, true) {
		return true
	}
	defer m.flushing.Store(false)

	q := m.ensureQueue()
	start := time.Now()
	ok := m.flushLoop(ctx, q)
	m.metrics.ObserveFlush(m.opts.Name, time.Since(start), ok)
	m.updateQueueGauge()

	m.statsMu.Lock()
	m.lastFlush = m.opts.Now()
	m.statsMu.Unlock()
	return ok
}

func (m *Manager[T]) flushLoop(ctx context.Context, q *queue.Queue) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		cfg := m.Config()
		records, err := q.Take(cfg.BatchSize)
		if err != nil {
			if errors.Is(err, queue.ErrDegraded) || errors.Is(err, queue.ErrClosed) {
				return true
			}
			m.setLastError(err)
			m.logger.Warn("take failed", zap.Error(err))
			return false
		}
		if len(records) == 0 {
			return true
		}

		items := make([]T, 0, len(records))
		kept := records[:0:0]
		for _, r := range records {
			it, err := m.opts.Codec.Decode(r.Payload)
			if err != nil {
				m.metrics.RecordDropped(m.opts.Name, "decode", 1)
				m.logger.Debug("dropping undecodable record", zap.Int64("seq", r.Seq), zap.Error(err))
				continue
			}
			items = append(items, it)
			kept = append(kept, r)
		}
		if len(items) == 0 {
			continue
		}

		data, err := m.opts.Format(items)
		if err != nil {
			m.metrics.RecordDropped(m.opts.Name, "format", len(items))
			m.logger.Warn("dropping batch that cannot be formatted", zap.Int("items", len(items)), zap.Error(err))
			continue
		}
		payload, err := compress.Compress(data, compress.Options{
			Enabled:   cfg.EnableCompression,
			Threshold: cfg.CompressionThreshold,
		})
		if err != nil {
			m.logger.Debug("compression failed, sending uncompressed", zap.Error(err))
		}

		b := Batch{Name: m.opts.Name, Payload: payload, Count: len(items)}
		err = resilience.RetryWithNotify(ctx, m.opts.Retry, m.breaker, func(ctx context.Context) error {
			return m.opts.Send(ctx, b)
		}, func(err error, attempt int, wait time.Duration) {
			m.logger.Debug("send failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			if rqErr := q.Requeue(kept); rqErr != nil {
				m.metrics.RecordDropped(m.opts.Name, "requeue", len(kept))
				m.logger.Warn("requeue failed, batch lost", zap.Int("items", len(kept)), zap.Error(rqErr))
			}
			m.setLastError(err)
			m.statsMu.Lock()
			m.failedSend++
			m.statsMu.Unlock()
			m.logger.Info("flush aborted", zap.Int("items", len(kept)), zap.Error(err))
			return false
		}

		m.metrics.RecordExported(m.opts.Name, len(items))
		m.metrics.RecordPayload(m.opts.Name, payload.OriginalSize, len(payload.Bytes))
		m.statsMu.Lock()
		m.sentItems += int64(len(items))
		m.sentBytes += int64(len(payload.Bytes))
		m.lastErr = ""
		m.statsMu.Unlock()
	}
}

func (m *Manager[T]) setLastError(err error) {
	m.statsMu.Lock()
	m.lastErr = err.Error()
	m.statsMu.Unlock()
}

func (m *Manager[T]) updateQueueGauge() {
	if m.queue == nil {
		return
	}
	if n, err := m.queue.Len(); err == nil {
		m.metrics.SetQueueLength(m.opts.Name, n)
	}
}

// PendingCount returns the number of queued records, or 0 if the queue
// cannot be read.
func (m *Manager[T]) PendingCount() int {
	n, err := m.ensureQueue().Len()
	if err != nil {
		return 0
	}
	return n
}

// Clear drops every queued record.
func (m *Manager[T]) Clear() error {
	err := m.ensureQueue().Clear()
	m.updateQueueGauge()
	return err
}

// ResetCircuitBreaker closes the breaker.
func (m *Manager[T]) ResetCircuitBreaker() {
	m.breaker.Reset()
}

// Breaker exposes the manager's breaker for diagnostics.
func (m *Manager[T]) Breaker() *resilience.CircuitBreaker {
	return m.breaker
}

// Config returns the effective configuration.
func (m *Manager[T]) Config() model.BatchConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig swaps the effective configuration and restarts the timers.
func (m *Manager[T]) SetConfig(cfg model.BatchConfig) error {
	cfg, err := cfg.Validate()
	if err != nil {
		return err
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	if err := m.ensureQueue().SetMaxSize(cfg.MaxQueueSize); err != nil && !errors.Is(err, queue.ErrDegraded) {
		m.logger.Warn("resize queue failed", zap.Error(err))
	}
	select {
	case m.reconfig <- struct{}{}:
	default:
	}
	return nil
}

// Watch applies network changes until ch closes or the manager shuts
// down. Changes are ignored while network-aware batching is disabled.
func (m *Manager[T]) Watch(ch <-chan netmon.Change) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case change, ok := <-ch:
				if !ok {
					return
				}
				if !m.Config().EnableNetworkAwareBatching {
					continue
				}
				cfg := m.networkConfig(change.Config)
				if err := m.SetConfig(cfg); err != nil {
					m.logger.Warn("ignoring network config", zap.Error(err))
					continue
				}
				m.logger.Info("applied network config",
					zap.String("class", string(change.To)),
					zap.Int("batch_size", cfg.BatchSize),
					zap.Duration("batch_interval", cfg.BatchInterval))
			case <-m.done:
				return
			}
		}
	}()
}

// networkConfig takes the batching cadence and compression threshold from
// preset and keeps the queue size, retention and compression switch of the
// current configuration.
func (m *Manager[T]) networkConfig(preset model.BatchConfig) model.BatchConfig {
	cfg := m.Config()
	cfg.BatchSize = preset.BatchSize
	cfg.BatchInterval = preset.BatchInterval
	cfg.PriorityFlushInterval = preset.PriorityFlushInterval
	cfg.CompressionThreshold = preset.CompressionThreshold
	return cfg
}

// Status returns a diagnostic snapshot.
func (m *Manager[T]) Status() Status {
	q := m.ensureQueue()
	st := Status{
		Name:     m.opts.Name,
		Pending:  m.PendingCount(),
		Config:   m.Config(),
		Breaker:  m.breaker.Snapshot(),
		Degraded: q.Degraded(),
		Flushing: m.flushing.Load(),
	}
	m.statsMu.Lock()
	st.LastFlush = m.lastFlush
	st.LastError = m.lastErr
	st.SentItems = m.sentItems
	st.SentBytes = m.sentBytes
	st.FailedSend = m.failedSend
	m.statsMu.Unlock()
	return st
}

// Shutdown stops the timers, makes one last flush attempt and closes the
// queue. In-flight sends are not cancelled.
func (m *Manager[T]) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		q := m.ensureQueue()
		close(m.done)
		m.wg.Wait()

		// wait out a flush started by a timer or an explicit call
		for m.flushing.Load() {
			select {
			case <-ctx.Done():
				m.cancel()
				err = ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		if !m.Flush(ctx) {
			m.logger.Info("final flush incomplete, items stay queued", zap.Int("pending", m.PendingCount()))
		}
		m.cancel()
		err = q.Close()
	})
	return err
}
