// Package metrics provides Prometheus instrumentation for the console.
package metrics

import (
	"context"
	"database/sql"
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
			Namespace: "relayci",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayci",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookDeliveriesTotal counts inbound webhook deliveries by source and
	// gateway result (accepted, bad_signature, unparseable).
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayci",
			Name:      "webhook_deliveries_total",
			Help:      "Total inbound webhook deliveries by source and gateway result.",
		},
		[]string{"source", "result"},
	)

	// EntitlementEventsTotal counts reconciled events by source and outcome
	// (applied, duplicate, stale, terminal_conflict, ignored).
	EntitlementEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayci",
			Name:      "entitlement_events_total",
			Help:      "Total entitlement events by source and reconciliation outcome.",
		},
		[]string{"source", "outcome"},
	)

	// ReconcileConflictsTotal counts compare-and-swap version conflicts.
	ReconcileConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relayci",
		Name:      "reconcile_conflicts_total",
		Help:      "Total optimistic-concurrency conflicts during reconciliation.",
	})

	// ReconcileFailuresTotal counts reconciliations that exhausted the retry budget.
	ReconcileFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relayci",
		Name:      "reconcile_failures_total",
		Help:      "Total reconciliations that exhausted the retry budget.",
	})

	// DecisionLookupsTotal counts access-decision lookups by result.
	DecisionLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayci",
			Name:      "decision_lookups_total",
			Help:      "Total access decision lookups by decision.",
		},
		[]string{"decision"},
	)

	// DecisionChangesTotal counts committed access-decision transitions.
	DecisionChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayci",
			Name:      "decision_changes_total",
			Help:      "Total access decision changes by new decision.",
		},
		[]string{"decision"},
	)

	// NotificationsTotal counts best-effort change notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayci",
			Name:      "notifications_total",
			Help:      "Total outbound change notifications by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayci",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayci", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayci", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayci", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayci", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookDeliveriesTotal,
		EntitlementEventsTotal,
		ReconcileConflictsTotal,
		ReconcileFailuresTotal,
		DecisionLookupsTotal,
		DecisionChangesTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the actual path, to bound cardinality
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
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
