// Package metrics provides Prometheus instrumentation for the round engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsTotal counts accepted predictions, partitioned by action
	// (created or updated).
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_submissions_total",
		Help: "Total number of accepted prediction submissions",
	}, []string{"action"})

	// RoundsLocked counts rows frozen by the lock sweep.
	RoundsLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_rounds_locked_total",
		Help: "Rounds transitioned from open to locked",
	})

	// RoundsScored counts rows reconciled, partitioned by whether the
	// round was perfect.
	RoundsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_rounds_scored_total",
		Help: "Rounds reconciled by the scoring engine",
	}, []string{"perfect"})

	// PointsAwarded tracks the net points delta of each scoring cycle.
	PointsAwarded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_last_cycle_points_delta",
		Help: "Net points delta applied by the most recent scoring cycle",
	})

	// CycleDuration tracks how long each batch job takes.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_cycle_duration_seconds",
		Help:    "Batch job duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"job"})

	// CycleAborts counts scoring cycles refused because no prices were
	// available.
	CycleAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_scoring_aborts_total",
		Help: "Scoring cycles aborted before mutating any row",
	})

	// RollForwardCreated counts blank rounds created for the next day.
	RollForwardCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_rollforward_created_total",
		Help: "Blank next-day rounds created",
	})

	// RollForwardFailures counts per-user roll-forward failures.
	RollForwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_rollforward_failures_total",
		Help: "Per-user roll-forward insert failures",
	})

	// FeedMisses counts symbols for which the price feed had no observation.
	FeedMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_price_feed_misses_total",
		Help: "Price lookups that returned no observation",
	}, []string{"symbol"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveCycle records the duration of a batch job started at start.
func ObserveCycle(job string, start time.Time) {
	CycleDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the label set bounded; user IDs live in paths.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
