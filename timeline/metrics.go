package timeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsFannedOut = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_feedgen_items_fanned_out_total",
	Help: "Number of timeline items written by post and repost fan-out",
})
