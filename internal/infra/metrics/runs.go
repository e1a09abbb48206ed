package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(runsFinishedTotal, runsReclaimedTotal, runItemsTotal, runStepLatencyMs)
}

var runsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "runs_finished_total",
		Help: "Runs that reached a terminal status, labeled by status and kind.",
	},
	[]string{"status", "kind"},
)

var runsReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "runs_reclaimed_total",
		Help: "Runs reclaimed by the stale-run monitor.",
	},
)

var runItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "run_items_total",
		Help: "Work items processed, labeled by terminal status.",
	},
	[]string{"status"}, // 'completed', 'failed', 'skipped'
)

var runStepLatencyMs = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "run_step_latency_ms",
		Help:    "Duration of one executor step (single work item) in milliseconds.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
)

func IncRunFinished(status, kind string) {
	runsFinishedTotal.WithLabelValues(norm(status), norm(kind)).Inc()
}

func IncRunReclaimed() { runsReclaimedTotal.Inc() }

func IncRunItem(status string) {
	runItemsTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveStepLatency(ms int64) { runStepLatencyMs.Observe(float64(ms)) }
