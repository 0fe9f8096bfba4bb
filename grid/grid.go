package grid

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/models"
)

// Uniform Grid Spatial Index
//
// A uniformly sub-divided lat/lng grid used to cluster entities. The
// particularities are:
//   - the cell size halves with each zoom level: a base cell size of 0.05° at
//     the base zoom 10 becomes 0.025° at zoom 11 and 0.1° at zoom 9.
//   - only one zoom layer is maintained incrementally. Other zoom levels are
//     computed on demand with a single pass over entities, without touching the
//     maintained layer.
//   - insert, remove and move only touch the old and the new cell.

const (
	DefaultBaseCellSize = 0.05
	DefaultBaseZoom     = 10

	// The supported zoom range. Zooms outside of it are clamped.
	MinZoom = 0
	MaxZoom = 22
)

// ClampZoom returns zoom restricted to [MinZoom, MaxZoom].
func ClampZoom(zoom int) int {
	return min(max(zoom, MinZoom), MaxZoom)
}

// MutationOp describes how a cell was changed.
type MutationOp string

const (
	MutationInsert MutationOp = "insert"
	MutationRemove MutationOp = "remove"
	MutationUpdate MutationOp = "update"
)

// Config is the grid index configuration.
type Config struct {
	// The cell size in degrees at the base zoom.
	BaseCellSize float64

	// The zoom at which cells are BaseCellSize wide.
	BaseZoom int
}

func (c Config) Validate() error {
	if c.BaseCellSize <= 0 || math.IsNaN(c.BaseCellSize) || math.IsInf(c.BaseCellSize, 0) {
		return errors.New("base cell size must be a positive number").
			WithType(models.ErrTypeConfiguration).
			WithTag("base_cell_size", c.BaseCellSize)
	}

	if c.BaseZoom < MinZoom || c.BaseZoom > MaxZoom {
		return errors.New("base zoom out of range").
			WithType(models.ErrTypeConfiguration).
			WithTag("base_zoom", c.BaseZoom)
	}
	return nil
}

// CellSize returns the cell size in degrees at the given zoom:
// baseCellSize / 2^(zoom - baseZoom). The zoom is clamped to the supported
// range.
func (c Config) CellSize(zoom int) float64 {
	return math.Ldexp(c.BaseCellSize, c.BaseZoom-ClampZoom(zoom))
}

// KeyAt returns the key of the cell that contains p at the given zoom.
func (c Config) KeyAt(zoom int, p models.Position) CellKey {
	return keyAt(c.CellSize(zoom), p)
}

func keyAt(cellSize float64, p models.Position) CellKey {
	return CellKey{
		Row: int(math.Floor(p.Lat / cellSize)),
		Col: int(math.Floor(p.Lng / cellSize)),
	}
}

// Stats describes the current state of an index.
type Stats struct {
	Zoom     int     `json:"zoom"`
	CellSize float64 `json:"cell_size"`
	Cells    int     `json:"cells"`
	Entities int     `json:"entities"`
}

type entry struct {
	position models.Position
	key      CellKey
}

// Index maps entities to the cells of a zoom layer.
//
// Index is not safe for concurrent mutations. Read operations can run
// concurrently between each other when no mutation is in progress.
type Index struct {
	// Called each time a cell of the maintained layer is changed.
	OnCellMutation func(CellKey, MutationOp)

	config   Config
	zoom     int
	cellSize float64
	cells    map[CellKey]*Cell
	entries  map[string]entry
}

// New creates an index whose maintained layer is at the base zoom.
func New(c Config) (*Index, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &Index{
		config:   c,
		zoom:     c.BaseZoom,
		cellSize: c.CellSize(c.BaseZoom),
		cells:    make(map[CellKey]*Cell),
		entries:  make(map[string]entry),
	}, nil
}

func (idx *Index) Config() Config {
	return idx.config
}

// Zoom returns the zoom of the maintained layer.
func (idx *Index) Zoom() int {
	return idx.zoom
}

func (idx *Index) Len() int {
	return len(idx.entries)
}

func (idx *Index) Stats() Stats {
	return Stats{
		Zoom:     idx.zoom,
		CellSize: idx.cellSize,
		Cells:    len(idx.cells),
		Entities: len(idx.entries),
	}
}

// Position returns the indexed position of an entity.
func (idx *Index) Position(id string) (models.Position, bool) {
	e, ok := idx.entries[id]
	return e.position, ok
}

// Insert adds an entity to the index. Inserting an indexed entity moves it.
func (idx *Index) Insert(id string, p models.Position) error {
	if _, ok := idx.entries[id]; ok {
		return idx.Move(id, p)
	}

	if err := models.ValidatePosition(p); err != nil {
		return errors.New("inserting entity failed").
			WithType(models.ErrTypeValidation).
			WithTag("entity_id", id).
			Wrap(err)
	}

	key := keyAt(idx.cellSize, p)
	idx.entries[id] = entry{position: p, key: key}
	idx.addToCell(key, id, p)
	return nil
}

// Remove deletes an entity from the index.
func (idx *Index) Remove(id string) error {
	e, ok := idx.entries[id]
	if !ok {
		return errors.New("entity is not indexed").
			WithType(models.ErrTypeNotFound).
			WithTag("entity_id", id)
	}

	delete(idx.entries, id)
	idx.removeFromCell(e.key, id)
	return nil
}

// Move updates the position of an indexed entity. It is a remove followed by
// an insert when the cell changes and an in-place update otherwise.
func (idx *Index) Move(id string, p models.Position) error {
	e, ok := idx.entries[id]
	if !ok {
		return errors.New("entity is not indexed").
			WithType(models.ErrTypeNotFound).
			WithTag("entity_id", id)
	}

	if err := models.ValidatePosition(p); err != nil {
		return errors.New("moving entity failed").
			WithType(models.ErrTypeValidation).
			WithTag("entity_id", id).
			Wrap(err)
	}

	key := keyAt(idx.cellSize, p)
	idx.entries[id] = entry{position: p, key: key}

	if key == e.key {
		idx.cells[key].set(id, p)
		idx.notify(key, MutationUpdate)
		return nil
	}

	idx.removeFromCell(e.key, id)
	idx.addToCell(key, id, p)
	return nil
}

// SetZoom rebuilds the maintained layer at the given zoom, clamped to the
// supported range. Cost is one pass over the indexed entities. Entity data is
// not invalidated.
func (idx *Index) SetZoom(zoom int) {
	zoom = ClampZoom(zoom)
	if zoom == idx.zoom {
		return
	}

	idx.zoom = zoom
	idx.cellSize = idx.config.CellSize(zoom)
	idx.cells = make(map[CellKey]*Cell, len(idx.cells))

	for id, e := range idx.entries {
		e.key = keyAt(idx.cellSize, e.position)
		idx.entries[id] = e

		c, ok := idx.cells[e.key]
		if !ok {
			c = newCell(e.key)
			idx.cells[e.key] = c
		}
		c.set(id, e.position)
	}

	instrumentRebuild()
	instrumentCellCount(len(idx.cells))
}

// Reset removes all the entities and moves the maintained layer back to the
// base zoom.
func (idx *Index) Reset() {
	idx.zoom = idx.config.BaseZoom
	idx.cellSize = idx.config.CellSize(idx.zoom)
	idx.cells = make(map[CellKey]*Cell)
	idx.entries = make(map[string]entry)
	instrumentCellCount(0)
}

// Cell returns the cell with the given key in the maintained layer.
func (idx *Index) Cell(key CellKey) (*Cell, bool) {
	c, ok := idx.cells[key]
	return c, ok
}

// ClustersForZoom returns a cluster for each non-empty cell at the given zoom,
// sorted by key. The zoom is clamped to the supported range.
func (idx *Index) ClustersForZoom(zoom int) []Cluster {
	zoom = ClampZoom(zoom)
	cells := idx.layer(zoom)

	sorted := make([]*Cell, 0, len(cells))
	for _, c := range cells {
		sorted = append(sorted, c)
	}
	sortCells(sorted)

	clusters := make([]Cluster, len(sorted))
	for i, c := range sorted {
		clusters[i] = c.Cluster(zoom)
	}
	return clusters
}

// ClustersInBounds returns a cluster for each cell at the given zoom that has
// members within the bounds, sorted by key. Clusters of cells crossing the
// bounds edges only contain the members within the bounds. The zoom is
// clamped to the supported range.
func (idx *Index) ClustersInBounds(zoom int, b models.Bounds) []Cluster {
	zoom = ClampZoom(zoom)
	var clusters []Cluster
	idx.VisitInBounds(zoom, b, func(c *Cell) {
		clusters = append(clusters, c.Cluster(zoom))
	})
	return clusters
}

// VisitInBounds calls fn, in key order, for each cell at the given zoom that
// has members within the bounds. Cells crossing the bounds edges are passed as
// a copy restricted to the members within the bounds. Cells must not be
// retained after fn returns.
func (idx *Index) VisitInBounds(zoom int, b models.Bounds, fn func(*Cell)) {
	if b.South > b.North || b.West > b.East {
		return
	}

	zoom = ClampZoom(zoom)
	var cells []*Cell
	if zoom == idx.zoom {
		cells = idx.maintainedCellsInBounds(b)
	} else {
		cells = idx.transientCellsInBounds(zoom, b)
	}

	sortCells(cells)
	for _, c := range cells {
		fn(c)
	}
}

func (idx *Index) maintainedCellsInBounds(b models.Bounds) []*Cell {
	r := newKeyRange(idx.cellSize, b)

	var cells []*Cell
	visit := func(c *Cell) {
		if r.isInterior(c.key) {
			cells = append(cells, c)
			return
		}

		if partial := restrictCell(c, b); partial != nil {
			cells = append(cells, partial)
		}
	}

	if r.area() <= float64(len(idx.cells)) {
		for row := r.min.Row; row <= r.max.Row; row++ {
			for col := r.min.Col; col <= r.max.Col; col++ {
				if c, ok := idx.cells[CellKey{Row: row, Col: col}]; ok {
					visit(c)
				}
			}
		}
		return cells
	}

	for key, c := range idx.cells {
		if r.contains(key) {
			visit(c)
		}
	}
	return cells
}

func (idx *Index) transientCellsInBounds(zoom int, b models.Bounds) []*Cell {
	cellSize := idx.config.CellSize(zoom)
	r := newKeyRange(cellSize, b)

	layer := make(map[CellKey]*Cell)
	for id, e := range idx.entries {
		key := keyAt(cellSize, e.position)
		if !r.contains(key) {
			continue
		}
		if !r.isInterior(key) && !b.Contains(e.position) {
			continue
		}

		c, ok := layer[key]
		if !ok {
			c = newCell(key)
			layer[key] = c
		}
		c.set(id, e.position)
	}

	cells := make([]*Cell, 0, len(layer))
	for _, c := range layer {
		cells = append(cells, c)
	}
	return cells
}

func (idx *Index) layer(zoom int) map[CellKey]*Cell {
	if zoom == idx.zoom {
		return idx.cells
	}

	cellSize := idx.config.CellSize(zoom)
	layer := make(map[CellKey]*Cell)

	for id, e := range idx.entries {
		key := keyAt(cellSize, e.position)
		c, ok := layer[key]
		if !ok {
			c = newCell(key)
			layer[key] = c
		}
		c.set(id, e.position)
	}
	return layer
}

func (idx *Index) addToCell(key CellKey, id string, p models.Position) {
	c, ok := idx.cells[key]
	if !ok {
		c = newCell(key)
		idx.cells[key] = c
		instrumentCellCount(len(idx.cells))
	}

	c.set(id, p)
	idx.notify(key, MutationInsert)
}

func (idx *Index) removeFromCell(key CellKey, id string) {
	c, ok := idx.cells[key]
	if !ok {
		return
	}

	c.remove(id)
	if c.Len() == 0 {
		delete(idx.cells, key)
		instrumentCellCount(len(idx.cells))
	}
	idx.notify(key, MutationRemove)
}

func (idx *Index) notify(key CellKey, op MutationOp) {
	instrumentCellMutation(op)

	if idx.OnCellMutation != nil {
		idx.OnCellMutation(key, op)
	}
}

// restrictCell returns a copy of c holding only the members within b, or nil
// when no member is within b.
func restrictCell(c *Cell, b models.Bounds) *Cell {
	var partial *Cell
	for id, p := range c.members {
		if !b.Contains(p) {
			continue
		}
		if partial == nil {
			partial = newCell(c.key)
		}
		partial.members[id] = p
	}
	return partial
}

// keyRange is the inclusive range of cell keys covering bounds.
type keyRange struct {
	min CellKey
	max CellKey
}

func newKeyRange(cellSize float64, b models.Bounds) keyRange {
	return keyRange{
		min: keyAt(cellSize, models.Position{Lat: b.South, Lng: b.West}),
		max: keyAt(cellSize, models.Position{Lat: b.North, Lng: b.East}),
	}
}

func (r keyRange) contains(k CellKey) bool {
	return k.Row >= r.min.Row && k.Row <= r.max.Row &&
		k.Col >= r.min.Col && k.Col <= r.max.Col
}

// isInterior reports whether every position of the cell is within the bounds
// the range was built from.
func (r keyRange) isInterior(k CellKey) bool {
	return k.Row > r.min.Row && k.Row < r.max.Row &&
		k.Col > r.min.Col && k.Col < r.max.Col
}

func (r keyRange) area() float64 {
	return float64(r.max.Row-r.min.Row+1) * float64(r.max.Col-r.min.Col+1)
}
