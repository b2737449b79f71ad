package notifs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notifsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_notifs_created_total",
	Help: "Number of notifications derived from committed records",
}, []string{"reason"})
