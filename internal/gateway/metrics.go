package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the object API.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // coldtier_gateway_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // coldtier_gateway_request_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // coldtier_gateway_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // coldtier_gateway_bytes_downloaded_total

	RestoreRequests *prometheus.CounterVec // coldtier_gateway_restore_requests_total{result}
	Throttled       prometheus.Counter     // coldtier_gateway_throttled_total
}

// InitMetrics registers the gateway metrics with registry. Call it once per
// registry.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_gateway_requests_total",
			Help: "Total object API requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldtier_gateway_request_duration_seconds",
			Help:    "Object API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldtier_gateway_bytes_uploaded_total",
			Help: "Total bytes uploaded through the object API",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldtier_gateway_bytes_downloaded_total",
			Help: "Total bytes downloaded through the object API",
		}),

		RestoreRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_gateway_restore_requests_total",
			Help: "Restore requests by result (queued, extended, in_progress, rejected)",
		}, []string{"result"}),

		Throttled: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldtier_gateway_throttled_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation string, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordRestore records the outcome of a restore request.
func (m *Metrics) RecordRestore(result string) {
	m.RestoreRequests.WithLabelValues(result).Inc()
}
