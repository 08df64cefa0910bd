// Package metrics provides Prometheus metrics for the stevedore server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stevedore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Backend operation metrics
	backendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stevedore_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Scan metrics
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_scans_total",
			Help: "Total listing scans by mode and stop reason",
		},
		[]string{"mode", "stop_reason"},
	)

	scanPagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_scan_pages_fetched_total",
			Help: "Total listing pages fetched by scans",
		},
	)

	scanObjectsExamined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_scan_objects_examined_total",
			Help: "Total objects examined by scans",
		},
	)

	// Transfer metrics
	transferJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_transfer_jobs_total",
			Help: "Total transfer jobs by terminal state",
		},
		[]string{"state"},
	)

	transferFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_transfer_files_total",
			Help: "Total transfer file tasks by result",
		},
		[]string{"result"},
	)

	transferBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_transfer_bytes_total",
			Help: "Total bytes copied by transfer jobs",
		},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_transfers_active",
			Help: "Number of transfer jobs currently running",
		},
	)

	// Progress stream metrics
	progressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_progress_subscribers",
			Help: "Number of active progress event subscribers",
		},
	)

	progressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_progress_events_total",
			Help: "Total progress events published",
		},
		[]string{"type"},
	)

	// Quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_quota_exceeded_total",
			Help: "Total quota exceeded rejections",
		},
		[]string{"location"},
	)

	quotaUsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_quota_used_bytes",
			Help: "Bytes currently accounted against a location's quota",
		},
		[]string{"location"},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
		[]string{"class"},
	)

	// Sandbox metrics
	sandboxRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_sandbox_rejections_total",
			Help: "Total path validations rejected by the sandbox",
		},
		[]string{"reason"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBackendOp records a storage backend operation.
func RecordBackendOp(backend, operation string, duration time.Duration, success bool) {
	backendOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOpsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordScan records a completed scan with its stop reason.
func RecordScan(mode, stopReason string, pages, objects int) {
	scansTotal.WithLabelValues(mode, stopReason).Inc()
	scanPagesFetched.Add(float64(pages))
	scanObjectsExamined.Add(float64(objects))
}

// RecordTransferJob records a transfer job reaching a terminal state.
func RecordTransferJob(state string) {
	transferJobsTotal.WithLabelValues(state).Inc()
}

// RecordTransferFile records a file task result (completed, skipped, failed).
func RecordTransferFile(result string) {
	transferFilesTotal.WithLabelValues(result).Inc()
}

// AddTransferBytes accumulates bytes copied by transfer tasks.
func AddTransferBytes(n int64) {
	transferBytesTotal.Add(float64(n))
}

// SetTransfersActive sets the number of running transfer jobs.
func SetTransfersActive(n int64) {
	transfersActive.Set(float64(n))
}

// SetProgressSubscribers sets the number of active progress subscribers.
func SetProgressSubscribers(n int64) {
	progressSubscribers.Set(float64(n))
}

// RecordProgressEvent records a progress event publication.
func RecordProgressEvent(eventType string) {
	progressEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordQuotaExceeded records a quota exceeded rejection for a location.
func RecordQuotaExceeded(location string) {
	quotaExceededTotal.WithLabelValues(location).Inc()
}

// SetQuotaUsedBytes sets the accounted byte usage for a location.
func SetQuotaUsedBytes(location string, n int64) {
	quotaUsedBytes.WithLabelValues(location).Set(float64(n))
}

// RecordRateLimitHit records a rate limit rejection for an operation class.
func RecordRateLimitHit(class string) {
	rateLimitHitsTotal.WithLabelValues(class).Inc()
}

// RecordSandboxRejection records a sandbox path rejection.
func RecordSandboxRejection(reason string) {
	sandboxRejectionsTotal.WithLabelValues(reason).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
