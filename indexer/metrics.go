package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_indexer_records_indexed_total",
	Help: "Number of record writes applied to the read-models",
}, []string{"action"})

var indexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cirrus_indexer_batch_duration_seconds",
	Help:    "Time taken to index one committed batch",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
})

var aggsRecounted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_indexer_post_aggs_recounted_total",
	Help: "Number of post aggregate rows recounted",
})
