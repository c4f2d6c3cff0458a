package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Holding queue ───────────────────────────────────────────────────────────

	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferd",
		Subsystem: "queue",
		Name:      "waiting",
		Help:      "Tasks currently held back by the admission ceilings.",
	})

	QueueAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "queue",
		Name:      "admitted_total",
		Help:      "Total tasks admitted past the holding queue, labelled by kind.",
	}, []string{"kind"})

	// ─── Transfers ───────────────────────────────────────────────────────────────

	TasksEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks accepted for execution, labelled by kind.",
	}, []string{"kind"})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "tasks_finished_total",
		Help:      "Total tasks reaching a terminal state, labelled by kind and status.",
	}, []string{"kind", "status"})

	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "tasks_inflight",
		Help:      "Tasks currently submitted to the transfer executor.",
	}, []string{"kind"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "task_duration_seconds",
		Help:      "Wall time from admission to terminal state in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"kind"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "retries_scheduled_total",
		Help:      "Total re-enqueues scheduled for tasks waiting to retry.",
	})

	PolicyReschedulesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "transfer",
		Name:      "policy_reschedules_total",
		Help:      "Total running tasks paused and re-enqueued by a network policy change.",
	})

	// ─── Parallel downloads ──────────────────────────────────────────────────────

	ChunksSpawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "chunks",
		Name:      "spawned_total",
		Help:      "Total chunk children created for parallel downloads.",
	})

	ChunkFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "chunks",
		Name:      "failures_total",
		Help:      "Total chunk failures that exhausted their retries.",
	})

	ParentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferd",
		Subsystem: "chunks",
		Name:      "parents_inflight",
		Help:      "Parallel downloads currently tracked by the coordinator.",
	})

	// ─── Update bridge ───────────────────────────────────────────────────────────

	UpdatesDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "bridge",
		Name:      "updates_delivered_total",
		Help:      "Updates pushed straight to the attached host listener, by kind.",
	}, []string{"kind"})

	UpdatesBufferedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "bridge",
		Name:      "updates_buffered_total",
		Help:      "Updates written to the durable buffer instead, by kind.",
	}, []string{"kind"})

	BufferPopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "bridge",
		Name:      "buffer_pops_total",
		Help:      "Pop-and-clear reads of the durable buffer, by kind.",
	}, []string{"kind"})

	ProgressCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferd",
		Subsystem: "bridge",
		Name:      "progress_coalesced_total",
		Help:      "Progress updates dropped by the per-task rate limit.",
	})
)
