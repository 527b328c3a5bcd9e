package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgergate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	writerHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgergate_writer_handles",
		Help: "Writer handles currently held by this instance.",
	})

	entriesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgergate_entries_appended_total",
		Help: "Total entries appended through the gateway.",
	})

	bytesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgergate_appended_bytes_total",
		Help: "Total payload bytes appended through the gateway.",
	})

	storeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgergate_store_up",
		Help: "1 if the last ledger store health check succeeded, 0 otherwise.",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_health_checks_total",
		Help: "Total ledger store health probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHealthCheck records a store health probe result.
func RecordHealthCheck(success bool) {
	if success {
		healthChecksTotal.WithLabelValues("success").Inc()
		storeUp.Set(1)
	} else {
		healthChecksTotal.WithLabelValues("failure").Inc()
		storeUp.Set(0)
	}
}

// RecordAppend records one appended entry of n bytes.
func RecordAppend(n int) {
	entriesAppended.Inc()
	bytesAppended.Add(float64(n))
}

// SetWriterHandles sets the writer handle gauge.
func SetWriterHandles(n int) {
	writerHandles.Set(float64(n))
}
