package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_outbox_events_enqueued_total",
	Help: "Number of index events written to the outbox",
})

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_outbox_events_delivered_total",
	Help: "Number of events successfully handled, per consumer",
}, []string{"consumer"})

var deliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_outbox_delivery_failures_total",
	Help: "Number of failed event deliveries, per consumer",
}, []string{"consumer"})

var drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cirrus_outbox_drain_duration_seconds",
	Help:    "Time taken by one ProcessAll pass",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
})
