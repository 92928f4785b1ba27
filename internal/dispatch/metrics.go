package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postscheduler"

var (
	postQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "posts",
			Name:      "queue_size",
			Help:      "Number of posts by state",
		},
		[]string{"state"},
	)

	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "claims_total",
			Help:      "Posts claimed for delivery by source",
		},
		[]string{"source"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "claim_conflicts_total",
			Help:      "Slot claims skipped because another dispatcher holds the schedule",
		},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel kind and outcome",
		},
		[]string{"channel_kind", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in the delivery gateway",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel_kind"},
	)

	reclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "reclaimed_total",
			Help:      "Sending posts returned to pending after their lease expired",
		},
	)

	suspendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "schedules_suspended_total",
			Help:      "Schedules paused because their spec could not be computed",
		},
	)

	slotsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "slots_skipped_total",
			Help:      "Overdue slots dropped by the catch-up limit",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one dispatch tick including deliveries",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
)

func recordClaims(source string, n int) {
	if n > 0 {
		claimsTotal.WithLabelValues(source).Add(float64(n))
	}
}

func recordDelivery(channelKind, outcome string) {
	deliveriesTotal.WithLabelValues(channelKind, outcome).Inc()
}

func recordDeliveryDuration(channelKind string, d time.Duration) {
	deliveryDuration.WithLabelValues(channelKind).Observe(d.Seconds())
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	postQueueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	postQueueSize.WithLabelValues("sending").Set(float64(stats.Sending))
	postQueueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	postQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
	postQueueSize.WithLabelValues("dead").Set(float64(stats.Dead))
}
