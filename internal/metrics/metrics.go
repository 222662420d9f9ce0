// Package metrics provides Prometheus metrics for vaporous.
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
	// Collection metrics
	collectEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaporous_collect_entries_total",
			Help: "Total entries handled by the collector",
		},
		[]string{"kind"},
	)

	collectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaporous_collect_duration_seconds",
			Help:    "Time to enumerate a source tree",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Source metrics
	sourceOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaporous_source_operation_duration_seconds",
			Help:    "Source operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "operation"},
	)

	sourceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaporous_source_operations_total",
			Help: "Total source operations",
		},
		[]string{"source", "operation", "status"},
	)

	// Upload metrics
	uploadFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaporous_upload_files_total",
			Help: "Total files processed by the uploader",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaporous_upload_bytes_total",
			Help: "Total bytes accepted by the server",
		},
	)

	uploadBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaporous_upload_batch_duration_seconds",
			Help:    "Upload batch duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// HTTP client metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaporous_http_requests_total",
			Help: "Total HTTP requests sent to the server",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaporous_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Event metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaporous_event_subscribers",
			Help: "Number of progress event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaporous_events_total",
			Help: "Total progress events published",
		},
		[]string{"type"},
	)

	// Journal metrics
	journalQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaporous_journal_query_duration_seconds",
			Help:    "Journal query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordCollectEntry counts an entry handled by the collector.
func RecordCollectEntry(kind string) {
	collectEntriesTotal.WithLabelValues(kind).Inc()
}

// RecordCollect records a finished collection.
func RecordCollect(duration time.Duration, success bool) {
	collectDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// RecordSourceOperation records a source operation.
func RecordSourceOperation(source, operation string, duration time.Duration, success bool) {
	sourceOperationDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
	sourceOperationsTotal.WithLabelValues(source, operation, status(success)).Inc()
}

// RecordUploadFile records the outcome of one file: "success", "error" or
// "skipped".
func RecordUploadFile(outcome string, bytes int64) {
	uploadFilesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordUploadBatch records an upload batch duration.
func RecordUploadBatch(duration time.Duration, success bool) {
	uploadBatchDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request to the server. status 0 means
// no response was received.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(count int64) {
	eventSubscribers.Set(float64(count))
}

// RecordEvent records a published progress event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordJournalQuery records a journal query duration.
func RecordJournalQuery(query string, duration time.Duration) {
	journalQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}
