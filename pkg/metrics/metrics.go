package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue client metrics
	QueueRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcq_queue_requests_total",
			Help: "Total number of queue service requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	QueueRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hpcq_queue_request_duration_seconds",
			Help:    "Queue service request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	QueueRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcq_queue_rate_limited_total",
			Help: "Total number of queue requests that received a 429",
		},
	)

	// Producer metrics
	ProducerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcq_producer_requests_total",
			Help: "Total number of producer HTTP requests by status",
		},
		[]string{"status"},
	)

	// Job lifecycle metrics
	JobsPulledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcq_jobs_pulled_total",
			Help: "Total number of job messages pulled from the jobs queue",
		},
	)

	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcq_jobs_terminal_total",
			Help: "Total number of terminal job outcomes by status and error_kind",
		},
		[]string{"status", "error_kind"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hpcq_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 21600, 86400},
		},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcq_jobs_in_flight",
			Help: "Whether a job is currently executing on this worker (0 or 1)",
		},
	)

	ExecutorTerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcq_executor_terminations_total",
			Help: "Total number of job processes stopped, by how they stopped: exited, graceful, hard",
		},
		[]string{"mode"},
	)

	// Heartbeat / liveness metrics
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcq_heartbeats_sent_total",
			Help: "Total number of heartbeat events published",
		},
	)

	LastHeartbeatTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcq_last_heartbeat_unixtime",
			Help: "Unix timestamp of the last successfully published heartbeat",
		},
	)

	// Image refresher metrics
	ImagePullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcq_image_pulls_total",
			Help: "Total number of image pulls by outcome",
		},
		[]string{"outcome"},
	)

	ImageDigestMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcq_image_digest_mismatch_total",
			Help: "Total number of times the resolved digest differed from the local sidecar",
		},
	)

	// Supervisor metrics
	SupervisorRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcq_supervisor_restarts_total",
			Help: "Total number of times the supervisor restarted the consumer loop",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueRequestsTotal,
		QueueRequestDuration,
		QueueRateLimitedTotal,
		ProducerRequestsTotal,
		JobsPulledTotal,
		JobsTerminalTotal,
		JobDuration,
		JobsInFlight,
		ExecutorTerminationsTotal,
		HeartbeatsSentTotal,
		LastHeartbeatTimestamp,
		ImagePullsTotal,
		ImageDigestMismatchTotal,
		SupervisorRestartsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
