// Package metrics provides Prometheus metrics for the remotefs client and
// reference server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote adapter metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_remote_requests_total",
			Help: "Total requests sent to the REST backend",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_remote_request_duration_seconds",
			Help:    "REST backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	remoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_remote_retries_total",
			Help: "Total retried REST backend requests",
		},
		[]string{"op"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotefs_bytes_downloaded_total",
			Help: "Total content bytes read from the backend",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotefs_bytes_uploaded_total",
			Help: "Total content bytes written to the backend",
		},
	)

	backendOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotefs_backend_online",
			Help: "1 when the last health check succeeded",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_cache_lookups_total",
			Help: "Cache lookups by entry kind and result",
		},
		[]string{"kind", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_cache_evictions_total",
			Help: "Cache entries evicted by the LRU budget",
		},
		[]string{"kind"},
	)

	// Open-file metrics
	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotefs_open_handles",
			Help: "Number of open file handles",
		},
	)

	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_flushes_total",
			Help: "Dirty buffer flushes by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	// Dispatcher metrics
	opsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_fs_operations_total",
			Help: "Filesystem operations handled by the dispatcher",
		},
		[]string{"op", "result"},
	)

	// Reference server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_server_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_server_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_server_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_server_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_server_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status code ("2xx", "4xx"...). Zero means the
// request never produced a response.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordRemoteRequest records one HTTP exchange with the backend.
func RecordRemoteRequest(op string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(op, StatusClass(status)).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetry records a retried backend request.
func RecordRetry(op string) {
	remoteRetriesTotal.WithLabelValues(op).Inc()
}

// RecordDownload adds n content bytes read from the backend.
func RecordDownload(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordUpload adds n content bytes written to the backend.
func RecordUpload(n int64) {
	bytesUploaded.Add(float64(n))
}

// SetBackendOnline records the result of the latest health check.
func SetBackendOnline(online bool) {
	if online {
		backendOnline.Set(1)
		return
	}
	backendOnline.Set(0)
}

// RecordCacheLookup records a cache hit or miss for an entry kind
// (attrs, listing, chunk).
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheEviction records an LRU eviction.
func RecordCacheEviction(kind string) {
	cacheEvictionsTotal.WithLabelValues(kind).Inc()
}

// SetOpenHandles sets the number of open file handles.
func SetOpenHandles(n int) {
	openHandles.Set(float64(n))
}

// RecordFlush records a dirty-buffer flush; mode is "full" or "ranged".
func RecordFlush(mode string, ok bool) {
	flushesTotal.WithLabelValues(mode, outcome(ok)).Inc()
}

// RecordOp records a dispatcher operation result ("ok" or an error kind).
func RecordOp(op, result string) {
	opsTotal.WithLabelValues(op, result).Inc()
}

// RecordHTTPRequest records a server-side HTTP request metric.
func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(outcome(success)).Inc()
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

// endpointOf collapses a request path to its endpoint prefix so label
// cardinality stays bounded.
func endpointOf(path string) string {
	for _, p := range []string{"/list", "/files", "/mkdir"} {
		if path == p || strings.HasPrefix(path, p+"/") {
			return p
		}
	}
	if path == "/health" || path == "/metrics" {
		return path
	}
	return "other"
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, endpointOf(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
