// Package metrics provides Prometheus metrics for the Tracer backend. The
// watch-side collectors are fed from the event bus; HTTP collectors are fed
// by Middleware.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracer/backend/internal/events"
	"github.com/tracer/backend/internal/server/storage"
)

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	changesTotal        *prometheus.CounterVec
	changeFailuresTotal *prometheus.CounterVec
	contentBytesTotal   prometheus.Counter
	activeWatches       prometheus.Gauge
	watchFailuresTotal  prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		changesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracer_changes_recorded_total",
			Help: "Total file changes persisted",
		}, []string{"event_type"}),
		changeFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracer_change_failures_total",
			Help: "Total file changes that could not be persisted",
		}, []string{"event_type"}),
		contentBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tracer_content_bytes_captured_total",
			Help: "Total bytes of file content captured into change records",
		}),
		activeWatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracer_active_watches",
			Help: "Number of folders currently being watched",
		}),
		watchFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tracer_watch_failures_total",
			Help: "Total failures to start watching a folder",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracer_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Subscribe attaches the watch-side collectors to bus.
func (m *Metrics) Subscribe(bus events.Bus) error {
	subs := []struct {
		topic string
		fn    any
	}{
		{events.ChangeRecorded, m.onChangeRecorded},
		{events.ChangeFailed, m.onChangeFailed},
		{events.WatchStarted, m.onWatchStarted},
		{events.WatchStopped, m.onWatchStopped},
		{events.WatchFailed, m.onWatchFailed},
	}
	for _, s := range subs {
		if err := bus.Subscribe(s.topic, s.fn); err != nil {
			return fmt.Errorf("metrics: subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

func (m *Metrics) onChangeRecorded(c storage.FileChange) {
	m.changesTotal.WithLabelValues(string(c.EventType)).Inc()
	if c.ContentAfter != nil {
		m.contentBytesTotal.Add(float64(len(*c.ContentAfter)))
	}
}

func (m *Metrics) onChangeFailed(_ int64, eventType string) {
	m.changeFailuresTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) onWatchStarted(_ int64, _ string) { m.activeWatches.Inc() }
func (m *Metrics) onWatchStopped(_ int64)           { m.activeWatches.Dec() }
func (m *Metrics) onWatchFailed(_ int64, _ string)  { m.watchFailuresTotal.Inc() }

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and latency. The route label is chi's
// route pattern, so /api/folders/{id} is one series regardless of id.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
