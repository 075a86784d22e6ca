package monitor

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	injexThreatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "injex_threats_total",
		Help: "Total threats detected by scan vector.",
	}, []string{"vector"})

	injexThreatLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "injex_threat_level",
		Help: "Current aggregate threat level (0=none through 4=critical).",
	})

	injexActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "injex_active_rules",
		Help: "Containment rules currently tracked as live.",
	})

	injexInjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "injex_injections_total",
		Help: "Total neutralization attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	injexVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "injex_verifications_total",
		Help: "Total post-action verifications by result.",
	}, []string{"result"})

	injexStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "injex_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	injexScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "injex_scans_total",
		Help: "Total detection sweeps run by the monitor loop.",
	})

	injexRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "injex_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	injexRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "injex_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records
// per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		injexRequestsTotal.WithLabelValues(method, path, status).Inc()
		injexRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordThreat counts one detection on its vector.
func RecordThreat(vector string) {
	injexThreatsTotal.WithLabelValues(vector).Inc()
}

// SetThreatLevel publishes the current aggregate level.
func SetThreatLevel(level int) {
	injexThreatLevel.Set(float64(level))
}

// SetActiveRules publishes the tracked containment rule count.
func SetActiveRules(n int) {
	injexActiveRules.Set(float64(n))
}

// RecordInjection counts one neutralization attempt.
func RecordInjection(strategy, outcome string) {
	injexInjectionsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordVerification counts one post-action verification result.
func RecordVerification(neutralized bool) {
	result := "active"
	if neutralized {
		result = "neutralized"
	}
	injexVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveStage records one pipeline stage duration.
func ObserveStage(stage string, elapsed time.Duration) {
	injexStageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordScan counts one monitor-loop sweep.
func RecordScan() {
	injexScansTotal.Inc()
}
