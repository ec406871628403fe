// Package metrics exposes Prometheus collectors for job runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalogsync_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"source", "status"})

	recordsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalogsync_records_saved_total",
		Help: "Scraped records reconciled into the catalog",
	}, []string{"source", "outcome"})

	imagesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalogsync_images_downloaded_total",
		Help: "Image downloads by result",
	}, []string{"result"})

	bridgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalogsync_bridge_run_duration_seconds",
		Help:    "Duration of external engine invocations",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"action", "result"})

	queueDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalogsync_queue_deliveries_total",
		Help: "Job deliveries taken off the queue",
	}, []string{"result"})

	scheduledJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalogsync_scheduled_jobs_total",
		Help: "Schedule evaluations that came due, by result",
	}, []string{"source", "result"})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalogsync_active_workers",
		Help: "Workers currently running a job",
	})
)

// Record outcomes
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeFailed  = "failed"
)

// JobFinished counts a terminal job status
func JobFinished(source, status string) {
	jobsFinished.WithLabelValues(source, status).Inc()
}

// RecordSaved counts one reconciled record
func RecordSaved(source, outcome string) {
	recordsSaved.WithLabelValues(source, outcome).Inc()
}

// ImageDownloaded counts one image fetch
func ImageDownloaded(ok bool) {
	imagesDownloaded.WithLabelValues(result(ok)).Inc()
}

// BridgeRun observes one engine invocation
func BridgeRun(action string, ok bool, d time.Duration) {
	bridgeDuration.WithLabelValues(action, result(ok)).Observe(d.Seconds())
}

// QueueDelivery counts one delivery by handler result: "run", "skipped" or "error"
func QueueDelivery(outcome string) {
	queueDeliveries.WithLabelValues(outcome).Inc()
}

// ScheduleFired counts a due schedule: "enqueued", "skipped" or "error"
func ScheduleFired(source, outcome string) {
	scheduledJobs.WithLabelValues(source, outcome).Inc()
}

// WorkerBusy tracks workers in the middle of a job
func WorkerBusy(busy bool) {
	if busy {
		activeWorkers.Inc()
		return
	}
	activeWorkers.Dec()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
