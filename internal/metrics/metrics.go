// Package metrics keeps in-process counters for the pipelines and serves them,
// together with a health probe, over HTTP for the scheduler daemon.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
)

// Counter names used across the pipelines
const (
	UpstreamCalls       = "upstream_calls_total"
	WindowsSkipped      = "windows_skipped_total"
	RecordsDropped      = "records_dropped_total"
	CandlesFetched      = "candles_fetched_total"
	RowsNormalized      = "rows_normalized_total"
	RowsWritten         = "rows_written_total"
	BatchesWritten      = "batches_written_total"
	PipelineRuns        = "pipeline_runs_total"
	PipelineFailures    = "pipeline_failures_total"
	TaskRetries         = "task_retries_total"
	AlertsSent          = "alerts_sent_total"
	WarehouseRefreshes  = "warehouse_refreshes_total"
	LastRunDurationSecs = "last_run_duration_seconds"
)

// Metric represents a single metric value
type Metric struct {
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Snapshot is a point-in-time copy of every metric
type Snapshot struct {
	Timestamp      time.Time         `json:"timestamp"`
	Uptime         string            `json:"uptime"`
	Metrics        map[string]Metric `json:"metrics"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc"`
}

// Registry stores metrics. A nil *Registry is valid and records nothing, so
// components can take one optionally.
type Registry struct {
	mu        sync.RWMutex
	metrics   map[string]Metric
	startTime time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		metrics:   make(map[string]Metric),
		startTime: time.Now(),
	}
}

// Add increments counter name by delta
func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.metrics[name]
	m.Name = name
	m.Type = MetricTypeCounter
	m.Value += float64(delta)
	m.UpdatedAt = time.Now()
	r.metrics[name] = m
}

// Set records gauge name
func (r *Registry) Set(name string, value float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics[name] = Metric{Name: name, Type: MetricTypeGauge, Value: value, UpdatedAt: time.Now()}
}

// Value returns the current value of name, 0 when unknown
func (r *Registry) Value(name string) float64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name].Value
}

// Snapshot copies the registry
func (r *Registry) Snapshot() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := Snapshot{
		Timestamp:      time.Now(),
		Metrics:        make(map[string]Metric),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      m.HeapAlloc,
	}
	if r == nil {
		return snap
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.metrics {
		snap.Metrics[k] = v
	}
	snap.Uptime = time.Since(r.startTime).Round(time.Second).String()
	return snap
}

// Names returns the sorted metric names currently recorded
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for k := range r.metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HealthFunc reports whether the process is healthy
type HealthFunc func(ctx context.Context) error

// Server exposes a Registry over HTTP
type Server struct {
	cfg      config.MetricsConfig
	registry *Registry
	health   HealthFunc
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a metrics server; health may be nil
func NewServer(cfg config.MetricsConfig, registry *Registry, health HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, registry: registry, health: health, logger: logger}
}

// Handler returns the HTTP handler serving the metrics and health endpoints
func (s *Server) Handler() http.Handler {
	path := s.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens in the background. It returns once the listener is bound.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	_ = json.NewEncoder(w).Encode(status)
}
