package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/model"
)

// DefaultProbeInterval is how often the monitor re-probes connectivity.
const DefaultProbeInterval = 15 * time.Second

// Change describes a transition between bandwidth classes.
type Change struct {
	From   Class
	To     Class
	Type   ConnectionType
	Config model.BatchConfig
	At     time.Time
}

// Config configures a Monitor.
type Config struct {
	Prober   Prober
	Interval time.Duration
	Logger   *zap.Logger
}

// Monitor polls a Prober and notifies subscribers when the bandwidth class
// changes. Repeated probes with the same class emit nothing.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	current ConnectionType
	class   Class
	subs    []chan Change

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor builds a monitor. Until the first probe it reports
// ConnOther/ClassConstrained.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Prober == nil {
		cfg.Prober = InterfaceProber{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Monitor{
		prober:   cfg.Prober,
		interval: cfg.Interval,
		logger:   cfg.Logger.Named("netmon"),
		current:  ConnOther,
		class:    ClassConstrained,
		done:     make(chan struct{}),
	}
}

// Start probes once synchronously, then keeps probing in the background
// until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.Refresh(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Refresh(ctx)
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// Refresh probes now and emits a Change if the class moved. It returns
// the class after the probe.
func (m *Monitor) Refresh(ctx context.Context) Class {
	t, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
		return m.Class()
	}
	return m.observe(t)
}

func (m *Monitor) observe(t ConnectionType) Class {
	class := Classify(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.class
	m.current = t
	m.class = class
	if prev == class {
		return class
	}

	ch := Change{From: prev, To: class, Type: t, Config: RecommendedConfig(class), At: time.Now()}
	m.logger.Info("network class changed",
		zap.String("from", string(prev)),
		zap.String("to", string(class)),
		zap.String("type", string(t)))
	for _, s := range m.subs {
		deliver(s, ch)
	}
	return class
}

// deliver keeps only the newest change in a full subscriber channel.
func deliver(s chan Change, ch Change) {
	for {
		select {
		case s <- ch:
			return
		default:
		}
		select {
		case <-s:
		default:
		}
	}
}

// Subscribe returns a channel receiving class changes. The channel holds
// one pending change; a slow reader sees only the latest.
func (m *Monitor) Subscribe() <-chan Change {
	ch := make(chan Change, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Current returns the last probed connection type.
func (m *Monitor) Current() ConnectionType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Class returns the last computed bandwidth class.
func (m *Monitor) Class() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class
}

// RecommendedConfig returns the preset for the current class.
func (m *Monitor) RecommendedConfig() model.BatchConfig {
	return RecommendedConfig(m.Class())
}

// Stop ends the background loop and closes subscriber channels.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.mu.Lock()
		for _, s := range m.subs {
			close(s)
		}
		m.subs = nil
		m.mu.Unlock()
	})
}
