package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshAttempts tracks token refresh attempts per provider and outcome
	RefreshAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_refresh_attempts_total",
			Help: "Total number of token refresh attempts",
		},
		[]string{"provider", "outcome"},
	)

	// RefreshLatency tracks token endpoint latency
	RefreshLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncguard_refresh_latency_seconds",
			Help:    "Token refresh call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// UploadRetries tracks upload retry attempts per provider and error type
	UploadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_upload_retries_total",
			Help: "Total number of upload retry attempts",
		},
		[]string{"provider", "error_type"},
	)

	// TransfersTerminal tracks transfers reaching a terminal state
	TransfersTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_transfers_terminal_total",
			Help: "Total number of transfers reaching uploaded or failed",
		},
		[]string{"provider", "state"},
	)

	// NotificationsSent tracks escalation notifications per condition
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_notifications_sent_total",
			Help: "Total number of escalation notifications sent",
		},
		[]string{"provider", "condition"},
	)

	// NotificationsThrottled tracks notifications suppressed by the throttler
	NotificationsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_notifications_throttled_total",
			Help: "Total number of notifications suppressed by throttling",
		},
		[]string{"provider", "condition"},
	)

	// ConnectionsByStatus tracks connections per consolidated status
	ConnectionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncguard_connections_by_status",
			Help: "Number of connections per consolidated status",
		},
		[]string{"provider", "status"},
	)

	// SchedulerTicksSkipped tracks ticks skipped because storage was unreachable
	SchedulerTicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncguard_scheduler_ticks_skipped_total",
			Help: "Total number of scheduler ticks skipped on storage errors",
		},
		[]string{"worker"},
	)
)
