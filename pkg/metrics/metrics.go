package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run and job metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_runs_total",
			Help: "Total number of runs by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of pending job queue items",
		},
	)

	// Scheduler metrics
	SchedulesFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_schedules_fired_total",
			Help: "Total number of schedule fires",
		},
	)

	SchedulesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_schedules_claimed_total",
			Help: "Total number of schedule claims taken by this instance",
		},
	)

	SchedulesDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_schedules_deferred_total",
			Help: "Total number of fires deferred by concurrency caps",
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_scheduler_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	QueueItemsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_queue_items_claimed_total",
			Help: "Total number of queue item claims taken by this instance",
		},
	)

	JobsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_jobs_executed_total",
			Help: "Total number of executed jobs by task key and outcome",
		},
		[]string{"task_key", "outcome"},
	)

	DispatcherTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_dispatcher_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Host and GPU metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_worker_hosts_total",
			Help: "Total number of worker hosts by health",
		},
		[]string{"healthy"},
	)

	GPUsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_gpus_available",
			Help: "Number of GPUs currently available for scheduling",
		},
	)

	// Worker metrics
	WorkerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_worker_spawns_total",
			Help: "Total number of worker container spawns by outcome",
		},
		[]string{"outcome"},
	)

	// Token metrics, counts only
	TokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tokens_used_total",
			Help: "Total LLM tokens consumed by kind (prompt, completion)",
		},
		[]string{"kind"},
	)

	// Agent metrics
	AgentStepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_agent_steps_executed_total",
			Help: "Total number of agent steps executed by outcome",
		},
		[]string{"outcome"},
	)

	AgentRunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_agent_runs_finished_total",
			Help: "Total number of finished agent runs by terminal status",
		},
		[]string{"status"},
	)

	// Guardrail metrics
	GuardrailViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_guardrail_violations_total",
			Help: "Total number of writes aborted by the privacy guardrail",
		},
	)

	// Housekeeping metrics
	ReconcileTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_reconcile_tick_duration_seconds",
			Help:    "Housekeeping tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_notifications_sent_total",
			Help: "Total number of notifications by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SchedulesFired)
	prometheus.MustRegister(SchedulesClaimed)
	prometheus.MustRegister(SchedulesDeferred)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(QueueItemsClaimed)
	prometheus.MustRegister(JobsExecuted)
	prometheus.MustRegister(DispatcherTickDuration)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(GPUsAvailable)
	prometheus.MustRegister(WorkerSpawns)
	prometheus.MustRegister(TokensUsed)
	prometheus.MustRegister(AgentStepsExecuted)
	prometheus.MustRegister(AgentRunsFinished)
	prometheus.MustRegister(GuardrailViolations)
	prometheus.MustRegister(ReconcileTickDuration)
	prometheus.MustRegister(NotificationsSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in the histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
