// Package provider holds the pending-item accumulator shared by the trace,
// meter and logger providers.
package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/monitoring"
)

// ExportFunc ships one drained batch.
type ExportFunc[T any] func(ctx context.Context, items []T) error

// Options configures a Batcher.
type Options[T any] struct {
	// Signal labels logs and metrics ("traces", "metrics", "logs").
	Signal       string
	MaxBatchSize int
	// Export may be nil, in which case items accumulate until drained.
	Export ExportFunc[T]
	// Timeout bounds a threshold-triggered export.
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Batcher accumulates items under a mutex. When the pending count reaches
// MaxBatchSize the items are drained under the lock and exported outside it,
// so a slow export never blocks producers.
type Batcher[T any] struct {
	opts   Options[T]
	logger *zap.Logger

	mu      sync.Mutex
	pending []T
	closed  bool

	inflight sync.WaitGroup
}

// NewBatcher creates a batcher with defaults filled in.
func NewBatcher[T any](opts Options[T]) *Batcher[T] {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = model.DefaultProviderBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = model.DefaultExportTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher[T]{
		opts:    opts,
		logger:  logger.With(zap.String("signal", opts.Signal)),
		pending: make([]T, 0, opts.MaxBatchSize),
	}
}

// Add appends one item. Items added after Shutdown are dropped.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.opts.Metrics.RecordDropped(b.opts.Signal, "shutdown", 1)
		return
	}
	b.pending = append(b.pending, item)
	batch := b.takeFullLocked()
	b.mu.Unlock()

	b.exportAsync(batch)
}

// AddAll appends items in order.
func (b *Batcher[T]) AddAll(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.opts.Metrics.RecordDropped(b.opts.Signal, "shutdown", len(items))
		return
	}
	b.pending = append(b.pending, items...)
	batch := b.takeFullLocked()
	b.mu.Unlock()

	b.exportAsync(batch)
}

func (b *Batcher[T]) takeFullLocked() []T {
	if b.opts.Export == nil || len(b.pending) < b.opts.MaxBatchSize {
		return nil
	}
	return b.drainLocked()
}

func (b *Batcher[T]) drainLocked() []T {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]T, 0, b.opts.MaxBatchSize)
	return batch
}

func (b *Batcher[T]) exportAsync(batch []T) {
	if len(batch) == 0 {
		return
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
		defer cancel()
		b.export(ctx, batch)
	}()
}

func (b *Batcher[T]) export(ctx context.Context, batch []T) error {
	if err := b.opts.Export(ctx, batch); err != nil {
		b.logger.Warn("export failed, dropping batch", zap.Int("items", len(batch)), zap.Error(err))
		b.opts.Metrics.RecordDropped(b.opts.Signal, "export", len(batch))
		return err
	}
	return nil
}

// Pending returns the number of items not yet drained.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain removes and returns every pending item without exporting it.
func (b *Batcher[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// Flush exports everything pending and waits for threshold exports that are
// still running.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	var err error
	if b.opts.Export != nil {
		if batch := b.Drain(); len(batch) > 0 {
			err = b.export(ctx, batch)
		}
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Shutdown stops accepting items and flushes what remains.
func (b *Batcher[T]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(ctx)
}
