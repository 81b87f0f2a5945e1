package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency. The dashboard is a
	// loopback-bound, single-operator surface backed by a local SQLite
	// read, not a networked multi-tenant API: its whole latency budget lives
	// well under 100ms, so the buckets are shifted down from a WAN-facing
	// service's range to resolve that sub-100ms band instead of wasting
	// resolution out past 10s.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queuectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize tracks request body size. The dashboard's only
	// request bodies are empty GETs, so the low end matters far more than
	// the teacher's upload-sized upper bound.
	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queuectl",
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(8, 8, 5), // 8B to ~32KB
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize tracks response body size. Job listings are capped
	// at a caller-supplied limit (100 rows by default, pkg/api/handlers.go),
	// but each row carries its captured stdout/stderr (up to 1 MiB per
	// stream), so bodies past the top bucket fall into +Inf.
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queuectl",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 8, 6), // 64B to ~2MB
		},
		[]string{"method", "path"},
	)

	// HTTPActiveRequests tracks in-flight requests
	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "queuectl",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip metrics endpoint to avoid self-scraping noise
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		path := normalizePath(c.FullPath())
		method := c.Request.Method

		// Track in-flight requests
		HTTPActiveRequests.Inc()
		defer HTTPActiveRequests.Dec()

		// Track request size
		if c.Request.ContentLength > 0 {
			HTTPRequestSize.WithLabelValues(method, path).Observe(float64(c.Request.ContentLength))
		}

		// Process request
		c.Next()

		// Record metrics after response
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(method, path).Observe(float64(c.Writer.Size()))
	}
}

// normalizePath returns the matched route pattern (gin's FullPath, which
// already carries placeholders such as :id) as the metric label, or
// "unknown" for requests that matched no route.
func normalizePath(path string) string {
	if path == "" {
		return "unknown"
	}
	return path
}
