package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/pipeline"
)

// DefaultAddr is the diagnostics listen address. It is loopback only.
const DefaultAddr = "127.0.0.1:4319"

// flushTimeout bounds a flush requested over the API.
const flushTimeout = 30 * time.Second

// Pipeline is the narrow contract required by the diagnostics API.
type Pipeline interface {
	Status() pipeline.Status
	Flush(ctx context.Context) error
	ResetCircuitBreakers()
}

// Server provides an HTTP API for inspecting and nudging the pipeline.
type Server struct {
	addr      string
	pipe      Pipeline
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new diagnostics server. A nil gatherer disables
// /metrics.
func NewServer(addr string, pipe Pipeline, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		pipe:     pipe,
		gatherer: gatherer,
		logger:   logger.Named("httpserver"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.POST("/api/flush", s.handleFlush)
	r.POST("/api/circuit/reset", s.handleCircuitReset)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("diagnostics API listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipe.Status())
}

func (s *Server) handleFlush(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), flushTimeout)
	defer cancel()

	if err := s.pipe.Flush(ctx); err != nil {
		s.logger.Info("flush requested over API failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"flushed": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	s.pipe.ResetCircuitBreakers()
	s.logger.Info("circuit breakers reset over API")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
