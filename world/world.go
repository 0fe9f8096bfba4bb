package world

import (
	"sync"
	"sync/atomic"

	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
)

// World holds the entity store and the grid index that are kept in sync by
// the update engine.
type World struct {
	mutex    sync.RWMutex
	entities *models.EntityStore
	grid     *grid.Index
	version  atomic.Uint64
}

// New creates an empty world whose grid index uses the given configuration.
func New(c grid.Config) (*World, error) {
	idx, err := grid.New(c)
	if err != nil {
		return nil, err
	}

	return &World{
		entities: models.NewEntityStore(),
		grid:     idx,
	}, nil
}

// Read calls fn with shared access. fn must not mutate the store or the
// index.
func (w *World) Read(fn func(*models.EntityStore, *grid.Index)) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	fn(w.entities, w.grid)
}

// Write calls fn with exclusive access and bumps the version once fn
// returns.
func (w *World) Write(fn func(*models.EntityStore, *grid.Index)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	fn(w.entities, w.grid)
	w.version.Add(1)
}

// Version returns a counter that changes after each write.
func (w *World) Version() uint64 {
	return w.version.Load()
}

// SetZoom moves the maintained grid layer to the given zoom. It does not
// change the version since the entities stay the same.
func (w *World) SetZoom(zoom int) {
	w.mutex.RLock()
	current := w.grid.Zoom()
	w.mutex.RUnlock()
	if current == zoom {
		return
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.grid.SetZoom(zoom)
}

// Zoom returns the zoom of the maintained grid layer.
func (w *World) Zoom() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.grid.Zoom()
}

// Stats returns the grid index stats.
func (w *World) Stats() grid.Stats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.grid.Stats()
}

// Reset removes every entity.
func (w *World) Reset() {
	w.Write(func(s *models.EntityStore, idx *grid.Index) {
		s.Reset()
		idx.Reset()
	})
}
