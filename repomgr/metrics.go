package repomgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cirrus_repomgr_commit_duration_seconds",
	Help:    "Time taken to promote blobs and commit one write batch",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
})

var commitsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_repomgr_commits_failed_total",
	Help: "Number of write batches that did not commit",
})

var commitRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_repomgr_commit_retries_total",
	Help: "Number of batches retried after a concurrent head update",
})

var commitsReplayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_repomgr_commits_replayed_total",
	Help: "Number of commits replayed by a reindex",
})
