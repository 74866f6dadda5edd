// Package metrics provides Prometheus instrumentation for the engine.
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
	// DemoTradesTotal counts confirmed demo trades by matchup.
	DemoTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pearfect_demo_trades_total",
		Help: "Total number of confirmed demo trades",
	}, []string{"matchup"})

	// DemoCreditsSpent counts demo credits staked.
	DemoCreditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pearfect_demo_credits_spent_total",
		Help: "Cumulative demo credits staked",
	})

	// DemoWalletResets counts demo wallet resets.
	DemoWalletResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pearfect_demo_wallet_resets_total",
		Help: "Total number of demo wallet resets",
	})

	// OpenDemoPositions tracks the number of open demo positions.
	OpenDemoPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pearfect_open_demo_positions",
		Help: "Number of currently open demo positions",
	})

	// ProTradesTotal counts pro trade attempts by outcome.
	ProTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pearfect_pro_trades_total",
		Help: "Total pro trade attempts",
	}, []string{"outcome"})

	// BackendLatency tracks trading backend call latency by operation.
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pearfect_backend_latency_seconds",
		Help:    "Trading backend call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// XPAwarded counts XP granted, split into base and streak bonus.
	XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pearfect_xp_awarded_total",
		Help: "Cumulative XP awarded",
	}, []string{"kind"})

	// StreakDays tracks the avatar's current streak.
	StreakDays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pearfect_streak_days",
		Help: "Current consecutive-day streak",
	})

	// BadgesUnlocked counts badge unlocks by badge id.
	BadgesUnlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pearfect_badges_unlocked_total",
		Help: "Streak badges unlocked",
	}, []string{"badge"})

	// PersistFailures counts state saves that failed.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pearfect_persist_failures_total",
		Help: "State snapshot saves that failed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pearfect_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pearfect_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pearfect_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
