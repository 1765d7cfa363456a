// Package metrics provides Prometheus instrumentation for the wallet daemon.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nwcd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionConnectsTotal counts connect attempts by result.
	SessionConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "session_connects_total",
			Help:      "Total session connect attempts by result.",
		},
		[]string{"result"},
	)

	// SessionsByStatus tracks current sessions in each connection status.
	SessionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nwcd",
			Name:      "sessions",
			Help:      "Current number of sessions by connection status.",
		},
		[]string{"status"},
	)

	// BalanceRefreshesTotal counts balance refreshes by result, including
	// refreshes discarded as stale.
	BalanceRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "balance_refreshes_total",
			Help:      "Total balance refreshes by result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts wallet notifications routed, by type.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "notifications_total",
			Help:      "Total wallet notifications routed by type.",
		},
		[]string{"type"},
	)

	// PaymentsTotal counts pay attempts by outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "payments_total",
			Help:      "Total payment attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowTransitionsTotal counts escrow state transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nwcd",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// EscrowDuration observes time from escrow creation to resolution.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nwcd",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nwcd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ActiveSubscriptions tracks open external notification subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nwcd",
			Name:      "active_subscriptions",
			Help:      "Number of open session notification subscriptions.",
		},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nwcd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SessionConnectsTotal,
		SessionsByStatus,
		BalanceRefreshesTotal,
		NotificationsTotal,
		PaymentsTotal,
		EscrowTransitionsTotal,
		EscrowDuration,
		ActiveWebSocketClients,
		ActiveSubscriptions,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count into
// Prometheus. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
