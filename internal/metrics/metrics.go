// Package metrics provides Prometheus instrumentation for trustgate.
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

const namespace = "trustgate"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AnalysesTotal counts analysis runs by outcome (ok, not_found, conflict, error).
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_analyses_total",
			Help:      "Total trust analysis runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trust_analysis_duration_seconds",
		Help:      "Duration of trust analysis runs.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// PromotionsTotal counts tier promotions by target tier.
	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_promotions_total",
			Help:      "Total verification tier promotions by target tier.",
		},
		[]string{"tier"},
	)

	// PenaltiesTotal counts fired penalty rules by label.
	PenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_penalties_total",
			Help:      "Total penalty rules fired by label.",
		},
		[]string{"label"},
	)

	// ScoreDistribution observes committed trust scores.
	ScoreDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trust_score",
		Help:      "Distribution of committed trust scores.",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	// QueueDepth tracks pending analysis tasks.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "analysis_queue_depth",
		Help:      "Number of analysis tasks waiting in the queue.",
	})

	// QueueTasksTotal counts consumed analysis tasks by result (ok, retried, dropped).
	QueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_queue_tasks_total",
			Help:      "Total analysis tasks consumed by result.",
		},
		[]string{"result"},
	)

	// OutboxPublishedTotal counts audit events delivered to the broker.
	OutboxPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Total audit outbox entries published.",
	})

	// OutboxFailedTotal counts failed publish attempts.
	OutboxFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_failed_total",
		Help:      "Total audit outbox publish failures.",
	})

	// OutboxPending tracks unprocessed outbox entries.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending",
		Help:      "Number of audit outbox entries awaiting publication.",
	})

	// RateLimitedTotal counts API requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Total API requests rejected by the rate limiter.",
	})

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_count",
		Help:      "Total number of connections waited for.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalysesTotal,
		AnalysisDuration,
		PromotionsTotal,
		PenaltiesTotal,
		ScoreDistribution,
		QueueDepth,
		QueueTasksTotal,
		OutboxPublishedTotal,
		OutboxFailedTotal,
		OutboxPending,
		RateLimitedTotal,
		BreakerTransitionsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
