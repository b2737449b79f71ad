package blobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tempBlobsStored = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_blobs_temp_stored_total",
	Help: "Number of blobs uploaded to temp storage",
})

var blobsPromoted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_blobs_promoted_total",
	Help: "Number of temp blobs made permanent",
})

var blobsCollected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_blobs_collected_total",
	Help: "Number of blobs removed by garbage collection",
})

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_blobs_cache_hits_total",
	Help: "Number of permanent blob reads served from memory",
})
