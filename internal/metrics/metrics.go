package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles every collector the service exposes. Each Recorder
// owns a private registry, so independent instances never collide on
// metric registration.
type Recorder struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsQueuedTotal    *prometheus.CounterVec
	jobsStartedTotal   *prometheus.CounterVec
	jobsCompletedTotal *prometheus.CounterVec
	jobsFailedTotal    *prometheus.CounterVec
	jobsPausedTotal    prometheus.Counter
	jobsRetriedTotal   prometheus.Counter
	activeJobs         prometheus.Gauge
	queueDepth         prometheus.Gauge
	jobDuration        *prometheus.HistogramVec
	downloadedBytes    prometheus.Counter
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request latency seconds",
		}, []string{"method", "route"}),

		jobsQueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_jobs_queued_total",
			Help: "Queued jobs",
		}, []string{"preset"}),
		jobsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_jobs_started_total",
			Help: "Started jobs",
		}, []string{"preset"}),
		jobsCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_jobs_completed_total",
			Help: "Completed jobs",
		}, []string{"preset"}),
		jobsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_jobs_failed_total",
			Help: "Failed jobs",
		}, []string{"reason"}),
		jobsPausedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "downloader_jobs_paused_total",
			Help: "Paused jobs",
		}),
		jobsRetriedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "downloader_jobs_retried_total",
			Help: "Retried jobs",
		}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "downloader_active_jobs",
			Help: "Active download workers",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "downloader_queue_depth",
			Help: "Queued download items",
		}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "downloader_job_duration_seconds",
			Help: "Download processing duration",
		}, []string{"preset", "status"}),
		downloadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "downloader_downloaded_bytes_total",
			Help: "Downloaded bytes",
		}),
	}
}

// Registry exposes the Recorder's private registry for test scraping.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the scrape endpoint for this Recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one handled HTTP request.
func (r *Recorder) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	seconds := elapsed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	r.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// MarkQueued counts a job accepted into the queue.
func (r *Recorder) MarkQueued(preset string) {
	r.jobsQueuedTotal.WithLabelValues(preset).Inc()
}

// MarkStarted counts a job claimed by a worker.
func (r *Recorder) MarkStarted(preset string) {
	r.jobsStartedTotal.WithLabelValues(preset).Inc()
}

// MarkCompleted counts a job that finished successfully.
func (r *Recorder) MarkCompleted(preset string) {
	r.jobsCompletedTotal.WithLabelValues(preset).Inc()
}

// MarkFailed counts a terminal failure under its reason label.
func (r *Recorder) MarkFailed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	r.jobsFailedTotal.WithLabelValues(reason).Inc()
}

// MarkPaused counts a pause taking effect.
func (r *Recorder) MarkPaused() {
	r.jobsPausedTotal.Inc()
}

// MarkRetried counts a manual retry.
func (r *Recorder) MarkRetried() {
	r.jobsRetriedTotal.Inc()
}

// SetActiveJobs publishes the current worker count.
func (r *Recorder) SetActiveJobs(value int) {
	if value < 0 {
		value = 0
	}
	r.activeJobs.Set(float64(value))
}

// SetQueueDepth publishes the current queue depth.
func (r *Recorder) SetQueueDepth(value int) {
	if value < 0 {
		value = 0
	}
	r.queueDepth.Set(float64(value))
}

// ObserveDuration records how long a job ran and how it ended.
func (r *Recorder) ObserveDuration(preset, status string, elapsed time.Duration) {
	seconds := elapsed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	r.jobDuration.WithLabelValues(preset, status).Observe(seconds)
}

// AddDownloadedBytes accumulates payload bytes. Non-positive deltas are
// dropped so counter monotonicity holds.
func (r *Recorder) AddDownloadedBytes(value int64) {
	if value > 0 {
		r.downloadedBytes.Add(float64(value))
	}
}
