package metrics

import (
	"net/http"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Define Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, partitioned by method, path, and status code.",
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_transferred_bytes_total",
			Help: "Total amount of data transferred in bytes, partitioned by direction (inbound or outbound).",
		},
		[]string{"direction"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections currently being handled by the proxy.",
		},
	)

	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_failures_total",
			Help: "Upstream calls that failed or timed out, partitioned by upstream host.",
		},
		[]string{"host"},
	)

	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_handler_failures_total",
			Help: "Content handler failures, partitioned by handler and phase.",
		},
		[]string{"handler", "phase"},
	)

	windowRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_window_requests",
			Help: "Requests counted in the last completed analytics window.",
		},
	)

	usersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_users_online",
			Help: "Distinct access tokens seen in the last completed analytics window.",
		},
	)

	usersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_users_total",
			Help: "Distinct users ever observed.",
		},
	)

	newUsers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_new_users_total",
			Help: "Users observed for the first time since the process started.",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers every collector with the default registry. Later calls are no-ops.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			dataTransferred,
			activeConnections,
			upstreamFailures,
			handlerFailures,
			windowRequests,
			usersOnline,
			usersTotal,
			newUsers,
		)
	})
}

var digits = regexp.MustCompile(`\d+`)

// NormalizePath normalizes dynamic paths (e.g., "/vk.com/doc123_456" -> "/vk.com/doc:id_:id")
func NormalizePath(path string) string {
	return digits.ReplaceAllString(path, ":id")
}

// RecordRequest records metrics for each request
func RecordRequest(method, path string, statusCode int, duration float64) {
	normalizedPath := NormalizePath(path)
	statusCodeStr := http.StatusText(statusCode)

	httpRequestsTotal.WithLabelValues(method, normalizedPath, statusCodeStr).Inc()
	httpRequestDuration.WithLabelValues(method, normalizedPath, statusCodeStr).Observe(duration)
}

// RecordDataTransferred records the number of bytes transferred, partitioned by direction (inbound or outbound)
func RecordDataTransferred(direction string, numBytes int64) {
	if numBytes <= 0 {
		return
	}
	dataTransferred.WithLabelValues(direction).Add(float64(numBytes))
}

// UpdateActiveConnections increments or decrements the number of active connections
func UpdateActiveConnections(increment bool) {
	if increment {
		activeConnections.Inc()
	} else {
		activeConnections.Dec()
	}
}

// RecordUpstreamFailure counts a failed upstream call.
func RecordUpstreamFailure(host string) {
	upstreamFailures.WithLabelValues(host).Inc()
}

// RecordHandlerFailure counts a content handler failure.
func RecordHandlerFailure(handler, phase string) {
	handlerFailures.WithLabelValues(handler, phase).Inc()
}

// RecordNewUser counts a first sighting of a user.
func RecordNewUser() {
	newUsers.Inc()
}

// RecordWindow publishes the counters of a completed analytics window.
func RecordWindow(requests uint64, online int, total int64) {
	windowRequests.Set(float64(requests))
	usersOnline.Set(float64(online))
	usersTotal.Set(float64(total))
}

// ExposeMetricsHandler returns a handler that serves the metrics for Prometheus
func ExposeMetricsHandler() http.Handler {
	return promhttp.Handler()
}
