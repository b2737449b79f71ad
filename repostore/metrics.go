package repostore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cirrus_repostore_commits_applied_total",
	Help: "Number of commits appended to repositories",
})

var writesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_repostore_writes_applied_total",
	Help: "Number of record writes applied to repositories",
}, []string{"action"})
