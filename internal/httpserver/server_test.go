package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinytelemetry/outpost/internal/batch"
	"github.com/tinytelemetry/outpost/internal/monitoring"
	"github.com/tinytelemetry/outpost/internal/pipeline"
	"github.com/tinytelemetry/outpost/internal/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePipeline struct {
	flushErr error
	flushes  atomic.Int32
	resets   atomic.Int32
}

func (f *fakePipeline) Status() pipeline.Status {
	return pipeline.Status{
		Mode:    "durable",
		Pending: map[string]int{"traces": 1},
		Queues: []batch.Status{{
			Name:    "logs",
			Pending: 7,
			Breaker: resilience.BreakerSnapshot{State: resilience.StateOpen.String(), ConsecutiveFailures: 5},
		}},
	}
}

func (f *fakePipeline) Flush(context.Context) error {
	f.flushes.Add(1)
	return f.flushErr
}

func (f *fakePipeline) ResetCircuitBreakers() { f.resets.Add(1) }

func newTestServer(t *testing.T, pipe *fakePipeline) (*Server, *gin.Engine) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.RecordEnqueued("logs", 3)

	srv := NewServer("", pipe, reg, nil)
	srv.startTime = time.Now()
	return srv, srv.routes()
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestServer(t, &fakePipeline{})
	w := do(r, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, r := newTestServer(t, &fakePipeline{})
	w := do(r, http.MethodPost, "/api/health")
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, r := newTestServer(t, &fakePipeline{})
	w := do(r, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var st pipeline.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Mode != "durable" || len(st.Queues) != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Queues[0].Pending != 7 || st.Queues[0].Breaker.State != "open" {
		t.Errorf("queue = %+v", st.Queues[0])
	}
}

func TestFlushEndpoint(t *testing.T) {
	pipe := &fakePipeline{}
	_, r := newTestServer(t, pipe)
	w := do(r, http.MethodPost, "/api/flush")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"flushed":true`) {
		t.Errorf("flush = %d %s", w.Code, w.Body.String())
	}
	if pipe.flushes.Load() != 1 {
		t.Errorf("flushes = %d, want 1", pipe.flushes.Load())
	}
}

func TestFlushEndpoint_Failure(t *testing.T) {
	pipe := &fakePipeline{flushErr: errors.New("collector unreachable")}
	_, r := newTestServer(t, pipe)
	w := do(r, http.MethodPost, "/api/flush")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("flush status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "collector unreachable") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCircuitResetEndpoint(t *testing.T) {
	pipe := &fakePipeline{}
	_, r := newTestServer(t, pipe)
	w := do(r, http.MethodPost, "/api/circuit/reset")
	if w.Code != http.StatusOK || pipe.resets.Load() != 1 {
		t.Errorf("reset = %d, resets = %d", w.Code, pipe.resets.Load())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, r := newTestServer(t, &fakePipeline{})
	w := do(r, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `outpost_items_enqueued_total{signal="logs"} 3`) {
		t.Errorf("metrics body missing enqueued counter:\n%s", w.Body.String())
	}
}

func TestMetricsDisabledWithoutGatherer(t *testing.T) {
	srv := NewServer("", &fakePipeline{}, nil, nil)
	w := do(srv.routes(), http.MethodGet, "/metrics")
	if w.Code != http.StatusNotFound {
		t.Errorf("metrics status = %d, want 404", w.Code)
	}
}

func TestStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakePipeline{}, nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
