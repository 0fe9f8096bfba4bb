package update

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeLabel = "outcome"

	outcomeInserted = "inserted"
	outcomeUpdated  = "updated"
	outcomeRemoved  = "removed"
	outcomeRejected = "rejected"
	outcomeIgnored  = "ignored"
)

var (
	updateBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "update_batches",
		Help: "The number of applied update batches.",
	})

	updateDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "update_deltas",
		Help: "The number of entity deltas by outcome.",
	}, []string{outcomeLabel})

	updateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "update_batch_latency_seconds",
		Help:    "The duration of update batch applications.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	})
)

func instrumentBatch(start time.Time) {
	updateBatches.Inc()
	updateLatency.Observe(time.Since(start).Seconds())
}

func instrumentDelta(outcome string) {
	updateDeltas.
		With(prometheus.Labels{outcomeLabel: outcome}).
		Inc()
}
