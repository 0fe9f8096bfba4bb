package viewport

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	filteredLabel = "filtered"
)

var (
	queryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "viewport_query_latency_seconds",
		Help:    "The duration of viewport queries.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{filteredLabel})

	queryClusters = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "viewport_query_clusters",
		Help:    "The number of clusters returned by viewport queries.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	zoomTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewport_zoom_transitions",
		Help: "The number of session zoom changes.",
	})
)

func instrumentQuery(start time.Time, clusters int, filtered bool) {
	queryLatency.
		With(prometheus.Labels{filteredLabel: strconv.FormatBool(filtered)}).
		Observe(time.Since(start).Seconds())
	queryClusters.Observe(float64(clusters))
}

func instrumentZoomTransition() {
	zoomTransitions.Inc()
}
