package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	modeLabel = "mode"
)

var (
	searchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "search_latency_seconds",
		Help:    "The duration of entity searches.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{modeLabel})
)

func instrumentSearch(m Mode) func() {
	start := time.Now()

	return func() {
		searchLatency.
			With(prometheus.Labels{modeLabel: string(m)}).
			Observe(time.Since(start).Seconds())
	}
}
