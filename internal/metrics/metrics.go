package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages leased counter
	MessagesLeased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_messages_leased_total",
			Help: "Total number of messages handed out under a lease",
		},
		[]string{"queue"},
	)

	// Lease renewals counter
	LeasesRenewed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_leases_renewed_total",
			Help: "Total number of lease renewals",
		},
	)

	// Messages deleted counter
	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_messages_deleted_total",
			Help: "Total number of messages deleted by their lease holder",
		},
	)

	// Leases released by the sweeper
	LeasesReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_leases_released_total",
			Help: "Total number of expired leases cleared by the sweeper",
		},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queued_sweeper_duration_seconds",
			Help:    "Time taken for one sweeper pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)
)
