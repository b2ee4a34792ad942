package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served, labelled by route pattern and status code.",
	}, []string{"route", "code"})

	APIRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Task submissions rejected by the rate limiter.",
	}, []string{"task_type"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "tasks_submitted_total",
		Help:      "Tasks that passed validation and were persisted as pending.",
	}, []string{"task_type"})

	DispatcherTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal state, labelled by task_type and status.",
	}, []string{"task_type", "status"})

	DispatcherValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "validation_failures_total",
		Help:      "Submissions rejected before a task record was created.",
	}, []string{"task_type"})

	DispatcherTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "handler_timeouts_total",
		Help:      "Handlers that exceeded the per-task timeout.",
	}, []string{"task_type"})

	DispatcherTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "tasks_inflight",
		Help:      "Handlers currently executing.",
	}, []string{"task_type"})

	DispatcherTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgateway",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task_type"})

	// ─── Store ───────────────────────────────────────────────────────────────────

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Task store operations that failed with an infrastructure error.",
	}, []string{"op"})

	StoreStalePendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgateway",
		Subsystem: "store",
		Name:      "stale_pending_tasks",
		Help:      "Pending tasks older than the stale threshold seen by the last scan.",
	})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Task events published, labelled by event name.",
	}, []string{"event"})

	EventsPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgateway",
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Task events that could not be published.",
	}, []string{"event"})
)
