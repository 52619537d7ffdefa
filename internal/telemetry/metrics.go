package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_jobs_enqueued_total", Help: "Total enqueued optimization jobs"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "optimizer_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"route"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "optimizer_jobs_finished_total", Help: "Jobs that reached a terminal state"}, []string{"status"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_jobs_cancelled_total", Help: "Jobs cancelled by request"})
	TaskFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_task_failures_total", Help: "Per-agent tasks that failed inside a job"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "optimizer_queue_depth", Help: "Jobs waiting in the in-memory queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "optimizer_jobs_inflight", Help: "Jobs currently running"})
	PhaseDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_phase_duration_seconds",
		Help:    "Duration of job phases",
		Buckets: []float64{0.1, 1, 10, 60, 300, 900, 1800, 3600},
	}, []string{"phase"})

	CandidatesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "optimizer_candidates_created_total", Help: "Candidates saved by preview"}, []string{"source"})
	CandidatesApplied = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_candidates_applied_total", Help: "Candidates applied as new prompt versions"})
	Rollbacks         = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_rollbacks_total", Help: "Prompt rollbacks recorded"})
	Backups           = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_backups_total", Help: "Backup snapshots recorded"})

	CleanupRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "optimizer_cleanup_removed_total", Help: "Entries removed by retention sweeps"}, []string{"category"})
	CleanupErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "optimizer_cleanup_errors_total", Help: "Retention sweep failures"}, []string{"category"})
	CleanupRuns    = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimizer_cleanup_runs_total", Help: "Retention sweeps executed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsFinished,
			JobsCancelled,
			TaskFailures,
			QueueDepthGauge,
			InFlightGauge,
			PhaseDuration,
			CandidatesCreated,
			CandidatesApplied,
			Rollbacks,
			Backups,
			CleanupRemoved,
			CleanupErrors,
			CleanupRuns,
		)
	})
	return promhttp.Handler()
}
