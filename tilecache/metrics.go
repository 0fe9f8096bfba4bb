package tilecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultLabel = "result"
)

var (
	tileCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_cache_lookups",
		Help: "The number of tile cache lookups by result.",
	}, []string{resultLabel})

	tileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_evictions",
		Help: "The number of tiles evicted from the tile cache.",
	})

	tileCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_cache_entries",
		Help: "The number of resident tiles.",
	})

	tileCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_cache_bytes",
		Help: "The size of the resident tile payloads in bytes.",
	})

	tilePreloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_cache_preloads",
		Help: "The number of preloaded tiles by result.",
	}, []string{resultLabel})

	tilePreloadSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_preload_skips",
		Help: "The number of preloads skipped because too many were running.",
	})
)

func instrumentHit() {
	tileCacheLookups.
		With(prometheus.Labels{resultLabel: "hit"}).
		Inc()
}

func instrumentMiss() {
	tileCacheLookups.
		With(prometheus.Labels{resultLabel: "miss"}).
		Inc()
}

func instrumentEviction() {
	tileCacheEvictions.Inc()
}

func instrumentResidency(entries, bytes int) {
	tileCacheEntries.Set(float64(entries))
	tileCacheBytes.Set(float64(bytes))
}

func instrumentPreload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}

	tilePreloads.
		With(prometheus.Labels{resultLabel: result}).
		Inc()
}

func instrumentPreloadSkip() {
	tilePreloadSkips.Inc()
}
