package grid

import (
	"sort"
	"sync"

	"github.com/aukilabs/kort/models"
)

// CellKey identifies a grid cell at a given zoom. Row is derived from the
// latitude and Col from the longitude.
type CellKey struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (k CellKey) less(o CellKey) bool {
	if k.Row != o.Row {
		return k.Row < o.Row
	}
	return k.Col < o.Col
}

// Cluster is the rendered view of a grid cell.
type Cluster struct {
	Key       CellKey         `json:"key"`
	Zoom      int             `json:"zoom"`
	Centroid  models.Position `json:"centroid"`
	Count     int             `json:"count"`
	MemberIDs []string        `json:"member_ids,omitempty"`
}

// Cell is a non-empty grid cell. The centroid is recomputed lazily after
// membership changes.
type Cell struct {
	key     CellKey
	members map[string]models.Position

	mutex    sync.Mutex
	dirty    bool
	centroid models.Position
}

func newCell(key CellKey) *Cell {
	return &Cell{
		key:     key,
		members: make(map[string]models.Position),
		dirty:   true,
	}
}

func (c *Cell) Key() CellKey {
	return c.key
}

// Len returns the number of members.
func (c *Cell) Len() int {
	return len(c.members)
}

func (c *Cell) Centroid() models.Position {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.dirty {
		return c.centroid
	}

	var lat, lng float64
	for _, p := range c.members {
		lat += p.Lat
		lng += p.Lng
	}
	if n := float64(len(c.members)); n != 0 {
		c.centroid = models.Position{Lat: lat / n, Lng: lng / n}
	}
	c.dirty = false
	return c.centroid
}

// Members calls fn for each member in no particular order.
func (c *Cell) Members(fn func(id string, p models.Position)) {
	for id, p := range c.members {
		fn(id, p)
	}
}

// MemberIDs returns the member ids in ascending order.
func (c *Cell) MemberIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cluster converts the cell to a cluster with its member ids.
func (c *Cell) Cluster(zoom int) Cluster {
	return Cluster{
		Key:       c.key,
		Zoom:      zoom,
		Centroid:  c.Centroid(),
		Count:     c.Len(),
		MemberIDs: c.MemberIDs(),
	}
}

func (c *Cell) set(id string, p models.Position) {
	c.members[id] = p
	c.markDirty()
}

func (c *Cell) remove(id string) {
	delete(c.members, id)
	c.markDirty()
}

func (c *Cell) markDirty() {
	c.mutex.Lock()
	c.dirty = true
	c.mutex.Unlock()
}

func sortCells(cells []*Cell) {
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].key.less(cells[j].key)
	})
}
