package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Action queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_queue_depth",
			Help: "Actions pending or running in the action queue",
		},
	)

	QueueActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_queue_actions_total",
			Help: "Actions executed by the action queue",
		},
		[]string{"outcome"}, // "ok", "error", "panic"
	)

	// Local cache
	CacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_ops_total",
			Help: "Cache store operations",
		},
		[]string{"backend", "table", "op"},
	)

	CacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_cache_op_duration_seconds",
			Help:    "Cache store operation duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"backend", "op"},
	)

	// Realtime session
	RealtimeRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_recoveries_total",
			Help: "Credential recovery attempts by outcome",
		},
		[]string{"outcome"}, // "reset", "retry", "ignored", "refresh_failed", "escalated"
	)

	SilentResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_silent_resets_total",
			Help: "Transport tear-down and reconnect cycles with subscription replay",
		},
	)

	ForcedLogouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_forced_logouts_total",
			Help: "Sessions terminated after unrecoverable authorization failures",
		},
	)

	RealtimeFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_frames_total",
			Help: "Inbound realtime frames by type",
		},
		[]string{"type"},
	)

	// Reconciliation
	ReconcileFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_fetches_total",
			Help: "Gap backfill fetches by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileBackfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_backfilled_messages_total",
			Help: "Messages stored by gap backfill",
		},
	)
)
