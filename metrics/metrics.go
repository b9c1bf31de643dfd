// Package metrics exposes the prometheus instruments shared by the
// publisher, workers and stores.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetbus_published_total",
			Help: "Messages accepted by the broker, by subject",
		},
		[]string{"subject"},
	)

	PublishFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetbus_publish_failed_total",
			Help: "Publishes that exhausted retries or failed terminally, by reason",
		},
		[]string{"reason"},
	)

	PublishRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jetbus_publish_retries_total",
			Help: "Broker emit attempts beyond the first",
		},
	)

	OutboxSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jetbus_outbox_swept_total",
			Help: "Stale publishing rows returned to pending by the recovery sweep",
		},
	)

	ConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetbus_consumed_total",
			Help: "Message dispatch outcomes, by durable and outcome (ack, retry, dlq, discard)",
		},
		[]string{"durable", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jetbus_handler_duration_seconds",
			Help:    "Subscriber handler duration",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"subscriber"},
	)

	InboxDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jetbus_inbox_duplicates_total",
			Help: "Deliveries short-circuited by the inbox dedup fence",
		},
	)

	DLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetbus_dlq_total",
			Help: "Messages routed to the DLQ, by error class",
		},
		[]string{"error_class"},
	)

	FetchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jetbus_fetch_batch_size",
			Help:    "Messages returned per pull fetch",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
)
