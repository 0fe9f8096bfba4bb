package viewport

import (
	"sort"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/filter"
	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/world"
)

const (
	// MaxZoom is the highest queryable zoom.
	MaxZoom = grid.MaxZoom

	// DefaultSplitThreshold is the cluster size up to which member ids are
	// exposed.
	DefaultSplitThreshold = 1
)

// Viewport is the visible map region.
type Viewport struct {
	Bounds models.Bounds `json:"bounds"`
	Zoom   int           `json:"zoom"`
}

func (v Viewport) Validate() error {
	if v.Zoom < 0 || v.Zoom > MaxZoom {
		return errors.New("zoom out of range").
			WithType(models.ErrTypeValidation).
			WithTag("zoom", v.Zoom)
	}
	return v.Bounds.Validate()
}

// Result is what has to be rendered for a viewport.
type Result struct {
	Clusters []grid.Cluster `json:"clusters"`

	// The number of entities within the viewport before filtering.
	TotalVisible int `json:"total_visible"`

	// The number of entities within the viewport that pass the filters.
	TotalFiltered int `json:"total_filtered"`
}

// Config is the query engine configuration.
type Config struct {
	// Clusters with at most SplitThreshold members expose their member ids.
	SplitThreshold int
}

func (c Config) Validate() error {
	if c.SplitThreshold < 0 {
		return errors.New("split threshold must not be negative").
			WithType(models.ErrTypeConfiguration).
			WithTag("split_threshold", c.SplitThreshold)
	}
	return nil
}

// Engine answers viewport queries from a world.
type Engine struct {
	config Config
	world  *world.World
}

// NewEngine creates a query engine.
func NewEngine(w *world.World, c Config) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		config: c,
		world:  w,
	}, nil
}

func (e *Engine) World() *world.World {
	return e.world
}

// Query returns the clusters within the viewport at the viewport zoom. When
// filters are given, cluster counts and centroids only account for the
// entities that pass them and clusters without such entities are dropped.
func (e *Engine) Query(vp Viewport, filters filter.Spec) (Result, error) {
	if err := vp.Validate(); err != nil {
		return Result{}, errors.New("invalid viewport").
			WithType(models.ErrTypeValidation).
			Wrap(err)
	}

	start := time.Now()
	res := Result{Clusters: []grid.Cluster{}}

	e.world.Read(func(s *models.EntityStore, idx *grid.Index) {
		idx.VisitInBounds(vp.Zoom, vp.Bounds, func(c *grid.Cell) {
			res.TotalVisible += c.Len()

			var cluster grid.Cluster
			if len(filters) == 0 {
				cluster = e.cluster(c, vp.Zoom)
			} else {
				var ok bool
				if cluster, ok = e.filteredCluster(s, c, vp.Zoom, filters); !ok {
					return
				}
			}

			res.TotalFiltered += cluster.Count
			res.Clusters = append(res.Clusters, cluster)
		})
	})

	instrumentQuery(start, len(res.Clusters), len(filters) != 0)
	return res, nil
}

func (e *Engine) cluster(c *grid.Cell, zoom int) grid.Cluster {
	cluster := grid.Cluster{
		Key:      c.Key(),
		Zoom:     zoom,
		Centroid: c.Centroid(),
		Count:    c.Len(),
	}
	if cluster.Count <= e.config.SplitThreshold {
		cluster.MemberIDs = c.MemberIDs()
	}
	return cluster
}

func (e *Engine) filteredCluster(s *models.EntityStore, c *grid.Cell, zoom int, filters filter.Spec) (grid.Cluster, bool) {
	var ids []string
	var lat, lng float64

	c.Members(func(id string, p models.Position) {
		ent, ok := s.EntityByID(id)
		if !ok || !filters.Match(ent) {
			return
		}

		ids = append(ids, id)
		lat += p.Lat
		lng += p.Lng
	})

	if len(ids) == 0 {
		return grid.Cluster{}, false
	}

	n := float64(len(ids))
	cluster := grid.Cluster{
		Key:      c.Key(),
		Zoom:     zoom,
		Centroid: models.Position{Lat: lat / n, Lng: lng / n},
		Count:    len(ids),
	}
	if cluster.Count <= e.config.SplitThreshold {
		sort.Strings(ids)
		cluster.MemberIDs = ids
	}
	return cluster, true
}
