// Package metrics provides Prometheus instrumentation for the saga runtime.
//
// Manager satisfies the saga.MetricsRecorder interface; pass it to the bus
// with saga.WithMetricsRecorder and expose Handler on an HTTP mux.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the metric registry and all saga runtime collectors.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	retryExhausted  *prometheus.CounterVec

	effectsPublished *prometheus.CounterVec
	effectFailures   *prometheus.CounterVec

	timeoutsScheduled *prometheus.CounterVec
	timeoutsCancelled *prometheus.CounterVec
	timeoutsFired     *prometheus.CounterVec

	activeLocks prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// HandlerDurationBuckets are the histogram buckets in seconds.
	HandlerDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Port:                   9091,
		Path:                   "/metrics",
		HandlerDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}
}

// NewManager creates a metrics manager. A disabled manager records nothing
// and serves 404 on its handler.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}
	m.initRecorder(cfg)
	return m
}

// NoOpManager returns a disabled manager.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled reports whether metrics collection is on.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry exposes the underlying registry for custom collectors.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves the metrics endpoint until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
