package grid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opLabel = "op"
)

var (
	gridCellCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grid_cell_count",
		Help: "The number of non-empty cells in the maintained grid layer.",
	})

	gridCellMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_cell_mutations",
		Help: "The number of cell mutations in the maintained grid layer.",
	}, []string{opLabel})

	gridRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_rebuilds",
		Help: "The number of maintained layer rebuilds caused by zoom changes.",
	})
)

func instrumentCellCount(n int) {
	gridCellCount.Set(float64(n))
}

func instrumentCellMutation(op MutationOp) {
	gridCellMutations.
		With(prometheus.Labels{opLabel: string(op)}).
		Inc()
}

func instrumentRebuild() {
	gridRebuilds.Inc()
}
