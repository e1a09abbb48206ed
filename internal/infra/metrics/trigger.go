package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(triggersTotal) }

var triggersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "continuation_triggers_total",
		Help: "Continuation hand-offs issued, labeled by kind and outcome.",
	},
	[]string{"kind", "outcome"}, // kind: 'initial'|'next'; outcome: 'accepted'|'failed'
)

func IncTrigger(kind string, accepted bool) {
	outcome := "failed"
	if accepted {
		outcome = "accepted"
	}
	triggersTotal.WithLabelValues(norm(kind), outcome).Inc()
}
