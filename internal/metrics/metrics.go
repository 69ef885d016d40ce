// Package metrics provides Prometheus metrics for the tiering subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all coldtier metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the contents of Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TieringMetrics holds the queue, glacier and lifecycle metrics.
// All Record/Set methods are safe on a nil receiver.
type TieringMetrics struct {
	// Build info, labels: version
	Info *prometheus.GaugeVec

	// Queue (labels: topic)
	QueueMessagesSent  *prometheus.CounterVec
	QueueBytesAppended *prometheus.CounterVec
	QueueHandleInits   *prometheus.CounterVec // labels: topic, result
	QueueRotations     *prometheus.CounterVec // labels: topic, result
	QueueFiles         *prometheus.CounterVec // labels: topic, result
	QueuePendingFiles  *prometheus.GaugeVec
	QueueCurrentBytes  *prometheus.GaugeVec

	// Glacier
	GlacierEntries      *prometheus.CounterVec   // labels: op, result
	GlacierToolRuns     *prometheus.CounterVec   // labels: tool, status
	GlacierToolDuration *prometheus.HistogramVec // labels: tool

	// Lifecycle
	LifecyclePasses  *prometheus.CounterVec // labels: pass, result
	LifecycleLastRun *prometheus.GaugeVec   // labels: pass
	LowFreeSpace     prometheus.Gauge
}

// InitMetrics registers the tiering metrics on Registry.
func InitMetrics(version string) *TieringMetrics {
	m := &TieringMetrics{
		Info: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldtier_info",
			Help: "Build information",
		}, []string{"version"}),

		QueueMessagesSent: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_queue_messages_sent_total",
			Help: "Messages appended to a topic's current log",
		}, []string{"topic"}),
		QueueBytesAppended: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_queue_bytes_appended_total",
			Help: "Bytes appended to a topic's current log",
		}, []string{"topic"}),
		QueueHandleInits: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_queue_handle_inits_total",
			Help: "Producer handle initialisation attempts by result (ok, retry, exhausted)",
		}, []string{"topic", "result"}),
		QueueRotations: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_queue_rotations_total",
			Help: "Current log rotations by result (rotated, empty, failed)",
		}, []string{"topic", "result"}),
		QueueFiles: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_queue_files_total",
			Help: "Queue files handled by consumers by result (committed, kept, locked, failed)",
		}, []string{"topic", "result"}),
		QueuePendingFiles: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldtier_queue_pending_files",
			Help: "Rotated queue files awaiting consumption",
		}, []string{"topic"}),
		QueueCurrentBytes: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldtier_queue_current_bytes",
			Help: "Size of a topic's current log",
		}, []string{"topic"}),

		GlacierEntries: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_glacier_entries_total",
			Help: "Queue entries by operation and result (submitted, skipped, failed, requeued)",
		}, []string{"op", "result"}),
		GlacierToolRuns: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_glacier_tool_runs_total",
			Help: "Archival tool invocations by tool and status",
		}, []string{"tool", "status"}),
		GlacierToolDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldtier_glacier_tool_duration_seconds",
			Help:    "Archival tool invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"tool"}),

		LifecyclePasses: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "coldtier_lifecycle_passes_total",
			Help: "Lifecycle passes by result (ran, skipped, failed)",
		}, []string{"pass", "result"}),
		LifecycleLastRun: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldtier_lifecycle_last_run_timestamp_seconds",
			Help: "Unix time of the last successful pass",
		}, []string{"pass"}),
		LowFreeSpace: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "coldtier_low_free_space",
			Help: "1 if the last free space probe reported pressure",
		}),
	}

	m.Info.WithLabelValues(version).Set(1)
	return m
}

// RecordSend records one producer batch.
func (m *TieringMetrics) RecordSend(topic string, messages, bytes int) {
	if m == nil {
		return
	}
	m.QueueMessagesSent.WithLabelValues(topic).Add(float64(messages))
	m.QueueBytesAppended.WithLabelValues(topic).Add(float64(bytes))
}

// RecordHandleInit records a producer handle initialisation attempt.
func (m *TieringMetrics) RecordHandleInit(topic, result string) {
	if m == nil {
		return
	}
	m.QueueHandleInits.WithLabelValues(topic, result).Inc()
}

// RecordRotation records a consumer rotation attempt.
func (m *TieringMetrics) RecordRotation(topic, result string) {
	if m == nil {
		return
	}
	m.QueueRotations.WithLabelValues(topic, result).Inc()
}

// RecordQueueFile records what a consumer did with one queue file.
func (m *TieringMetrics) RecordQueueFile(topic, result string) {
	if m == nil {
		return
	}
	m.QueueFiles.WithLabelValues(topic, result).Inc()
}

// SetQueueDepth updates the per-topic depth gauges.
func (m *TieringMetrics) SetQueueDepth(topic string, pendingFiles int, currentBytes int64) {
	if m == nil {
		return
	}
	m.QueuePendingFiles.WithLabelValues(topic).Set(float64(pendingFiles))
	m.QueueCurrentBytes.WithLabelValues(topic).Set(float64(currentBytes))
}

// RecordEntries adds n entries of one glacier operation outcome.
func (m *TieringMetrics) RecordEntries(op, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.GlacierEntries.WithLabelValues(op, result).Add(float64(n))
}

// RecordToolRun records an archival tool invocation.
func (m *TieringMetrics) RecordToolRun(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.GlacierToolRuns.WithLabelValues(tool, status).Inc()
	m.GlacierToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordPass records a lifecycle pass outcome.
func (m *TieringMetrics) RecordPass(pass, result string) {
	if m == nil {
		return
	}
	m.LifecyclePasses.WithLabelValues(pass, result).Inc()
}

// SetLastRun stores the unix time of a successful pass.
func (m *TieringMetrics) SetLastRun(pass string, unixSeconds float64) {
	if m == nil {
		return
	}
	m.LifecycleLastRun.WithLabelValues(pass).Set(unixSeconds)
}

// SetLowFreeSpace updates the free space pressure gauge.
func (m *TieringMetrics) SetLowFreeSpace(low bool) {
	if m == nil {
		return
	}
	if low {
		m.LowFreeSpace.Set(1)
	} else {
		m.LowFreeSpace.Set(0)
	}
}
