package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		genTokensIn,
		genTokensOut,
		genTokensTotal,
		genCallsLatencyMs,
	)
}

var (
	genTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	genTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	genTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Sum of total tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	genCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_calls_latency_ms",
			Help:    "Generation call latency distribution in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000, 60000},
		},
		[]string{"provider", "model", "success"},
	)
)

func ObserveGeneration(provider, model string, tokensIn, tokensOut, tokensTotal int, latencyMs int64, success bool) {
	lbl := []string{norm(provider), norm(model)}
	genTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	genTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	genTokensTotal.WithLabelValues(lbl...).Add(float64(tokensTotal))
	genCallsLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
