package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_moderation_actions_logged_total",
	Help: "Number of moderation actions logged",
}, []string{"action"})

var actionsReversed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_moderation_actions_reversed_total",
	Help: "Number of moderation actions reversed",
}, []string{"action"})

var reportsFiled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cirrus_moderation_reports_filed_total",
	Help: "Number of moderation reports filed",
}, []string{"reason_type"})
