package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/outpost/internal/httpserver"
	"github.com/tinytelemetry/outpost/internal/ingest"
	"github.com/tinytelemetry/outpost/internal/logging"
	"github.com/tinytelemetry/outpost/internal/logs"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/pipeline"
)

// agentScope is the instrumentation scope of forwarded records.
const agentScope = "outpost.agent"

// agent wires inputs to the pipeline's logger provider.
type agent struct {
	cfg       appConfig
	logger    *zap.Logger
	registry  *prometheus.Registry
	client    *pipeline.Client
	api       *httpserver.Server
	emitter   *logs.Logger
	processor ingest.EnvelopeProcessor
	records   atomic.Int64
}

func newAgent(cfg appConfig, logger *zap.Logger, opts ...pipeline.Option) (*agent, error) {
	pcfg, err := cfg.pipelineConfig()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	opts = append([]pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithRegisterer(registry),
	}, opts...)
	client, err := pipeline.New(pcfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	a := &agent{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		client:   client,
		emitter:  client.Logger(agentScope, version),
	}
	a.processor, err = ingest.NewEnvelopeProcessor(cfg.Processor, ingest.SinkFunc(a.emit), "")
	if err != nil {
		return nil, err
	}
	if cfg.APIEnabled {
		a.api = httpserver.NewServer(cfg.APIAddr, client, registry, logger)
	}
	return a, nil
}

func (a *agent) start(ctx context.Context) error {
	a.client.Start(ctx)
	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return fmt.Errorf("start diagnostics API: %w", err)
		}
	}
	return nil
}

func (a *agent) emit(record *model.LogRecord) {
	a.emitter.EmitRecord(*record)
	a.records.Add(1)
}

// consume processes envelopes until lines closes or ctx is done, then
// emits any partially accumulated input.
func (a *agent) consume(ctx context.Context, lines <-chan model.IngestEnvelope) {
	defer func() {
		if f, ok := a.processor.(interface{ Flush() *ingest.ProcessResult }); ok {
			f.Flush()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-lines:
			if !ok {
				return
			}
			a.processor.ProcessEnvelope(env)
		}
	}
}

func (a *agent) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.api != nil {
		if err := a.api.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop diagnostics API: %w", err))
		}
	}
	if err := a.client.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown pipeline: %w", err))
	}
	a.logger.Info("agent stopped", zap.Int64("records", a.records.Load()))
	return errors.Join(errs...)
}

// runAgent starts headless log forwarding with the diagnostics API.
func runAgent(cfg appConfig) error {
	logger, err := newAgentLogger(cfg)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The deadline starts at the first signal.
		deadline := time.NewTimer(cfg.ShutdownTimeout + 5*time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	if err := a.start(ctx); err != nil {
		_ = a.shutdown(cfg.ShutdownTimeout)
		return err
	}

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.TCPEnabled,
		TCPAddr:    cfg.TCPAddr,
		Files:      cfg.InputFiles,
		Logger:     logger,
	})

	sources := make([]NamedLogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("input plugin failed", zap.String("plugin", plugin.Name()), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize, logger)
	mux.Start()

	printStartupBanner(cfg, mux.SourceNames(), a.processor.Name())
	logger.Info("agent started",
		zap.Strings("sources", mux.SourceNames()),
		zap.String("processor", a.processor.Name()),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("durable", cfg.Durable))

	g, gctx := errgroup.WithContext(ctx)

	// Ingestion loop; finite inputs end the agent when they close.
	g.Go(func() error {
		a.consume(gctx, mux.Lines())
		cancel()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("agent: errgroup exited with error", zap.Error(err))
	}

	cancel()
	mux.Stop()
	logger.Info("inputs stopped", zap.Any("forwarded", mux.Forwarded()))

	return a.shutdown(cfg.ShutdownTimeout)
}

func newAgentLogger(cfg appConfig) (*zap.Logger, error) {
	lcfg := logging.DefaultConfig()
	if cfg.LogDev {
		lcfg = logging.DevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lcfg.Level = cfg.LogLevel
	}
	if cfg.LogDir == "" {
		lcfg.OutputPaths = []string{"stderr"}
		return logging.New(lcfg)
	}
	return logging.NewFile(cfg.LogDir, lcfg)
}

func printStartupBanner(cfg appConfig, sources []string, processorName string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╦ ╦╔╦╗╔═╗╔═╗╔═╗╔╦╗
    ║ ║║ ║ ║ ╠═╝║ ║╚═╗ ║
    ╚═╝╚═╝ ╩ ╩  ╚═╝╚═╝ ╩`)

	row := func(ok bool, label, value string) string {
		mark := dot
		if ok {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Export"), "")
	lines = append(lines, row(true, "Endpoint", cyan.Render(cfg.Endpoint)))
	lines = append(lines, row(true, "Encoding", dim.Render(cfg.Encoding)))
	if cfg.Durable {
		lines = append(lines, row(true, "Queue", dim.Render(shortenPath(cfg.QueueDir))))
	} else {
		lines = append(lines, row(false, "Queue", dim.Render("direct (no persistence)")))
	}
	lines = append(lines, row(true, "Batching", dim.Render(cfg.BatchPreset)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Inputs"), "")
	if cfg.TCPEnabled {
		lines = append(lines, row(true, "TCP Ingest", cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, row(false, "TCP Ingest", dim.Render("disabled")))
	}
	if len(sources) == 0 {
		lines = append(lines, row(false, "Sources", dim.Render("none")))
	} else {
		lines = append(lines, row(true, "Sources", dim.Render(strings.Join(sources, ", "))))
	}
	lines = append(lines, row(true, "Processor", dim.Render(processorName)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Diagnostics"), "")
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(false, "HTTP API", dim.Render("disabled")))
	}
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
