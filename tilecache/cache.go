package tilecache

import (
	"container/list"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/models"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxPreloads is the number of concurrent preloads used when
// Config.MaxPreloads is 0.
const DefaultMaxPreloads = 4

// Config is the tile cache configuration.
type Config struct {
	// The maximum number of resident tiles.
	Capacity int

	// The expected size of a tile payload in bytes. When set, the cache is
	// also bounded to Capacity * PayloadSizeEstimate bytes.
	PayloadSizeEstimate int

	// The maximum number of preloads running at the same time. Preloads
	// requested beyond it are skipped. DefaultMaxPreloads is used when 0.
	MaxPreloads int
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("tile cache capacity must be greater than 0").
			WithType(models.ErrTypeConfiguration).
			WithTag("capacity", c.Capacity)
	}

	if c.PayloadSizeEstimate < 0 {
		return errors.New("tile payload size estimate must not be negative").
			WithType(models.ErrTypeConfiguration).
			WithTag("payload_size_estimate", c.PayloadSizeEstimate)
	}

	if c.MaxPreloads < 0 {
		return errors.New("max preloads must not be negative").
			WithType(models.ErrTypeConfiguration).
			WithTag("max_preloads", c.MaxPreloads)
	}
	return nil
}

type entry struct {
	key        maptile.Tile
	payload    []byte
	lastAccess time.Time
}

// Cache is a bounded least recently used tile cache. It is safe for
// concurrent use.
type Cache struct {
	config   Config
	maxBytes int

	mutex   sync.Mutex
	bytes   int
	order   *list.List
	entries map[maptile.Tile]*list.Element

	flights  singleflight.Group
	preloads *semaphore.Weighted
}

// New creates a tile cache.
func New(c Config) (*Cache, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.MaxPreloads == 0 {
		c.MaxPreloads = DefaultMaxPreloads
	}

	return &Cache{
		config:   c,
		maxBytes: c.Capacity * c.PayloadSizeEstimate,
		order:    list.New(),
		entries:  make(map[maptile.Tile]*list.Element, c.Capacity),
		preloads: semaphore.NewWeighted(int64(c.MaxPreloads)),
	}, nil
}

func (c *Cache) Config() Config {
	return c.config
}

// Get returns the payload of a resident tile and marks it as the most
// recently used. The returned payload must not be modified.
func (c *Cache) Get(key maptile.Tile) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		instrumentMiss()
		return nil, false
	}

	e := elem.Value.(*entry)
	e.lastAccess = time.Now()
	c.order.MoveToFront(elem)
	instrumentHit()
	return e.payload, true
}

// Contains reports whether a tile is resident without changing its recency.
func (c *Cache) Contains(key maptile.Tile) bool {
	_, ok := c.peek(key)
	return ok
}

func (c *Cache) peek(key maptile.Tile) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry).payload, true
}

// Put stores a copy of payload as the most recently used tile, evicting the
// least recently used tiles while the cache is over its capacity.
func (c *Cache) Put(key maptile.Tile, payload []byte) {
	payload = append([]byte(nil), payload...)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		c.bytes += len(payload) - len(e.payload)
		e.payload = payload
		e.lastAccess = time.Now()
		c.order.MoveToFront(elem)
	} else {
		c.entries[key] = c.order.PushFront(&entry{
			key:        key,
			payload:    payload,
			lastAccess: time.Now(),
		})
		c.bytes += len(payload)
	}

	for c.overCapacity() {
		c.evict(c.order.Back())
	}
	c.instrument()
}

// Invalidate removes a tile.
func (c *Cache) Invalidate(key maptile.Tile) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
		c.instrument()
	}
}

// InvalidateAll removes all the tiles, typically after a tile style or
// provider change.
func (c *Cache) InvalidateAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.order.Init()
	c.entries = make(map[maptile.Tile]*list.Element, c.config.Capacity)
	c.bytes = 0
	c.instrument()
}

// Len returns the number of resident tiles.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Bytes returns the size of the resident payloads.
func (c *Cache) Bytes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bytes
}

// Keys returns the resident tiles, most recently used first.
func (c *Cache) Keys() []maptile.Tile {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	keys := make([]maptile.Tile, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}

// LastAccess returns the last time a resident tile was stored or read.
func (c *Cache) LastAccess(key maptile.Tile) (time.Time, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return elem.Value.(*entry).lastAccess, true
}

// overCapacity reports whether an eviction is required. A single tile larger
// than the byte budget is kept.
func (c *Cache) overCapacity() bool {
	if len(c.entries) > c.config.Capacity {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes && len(c.entries) > 1
}

func (c *Cache) evict(elem *list.Element) {
	c.remove(elem)
	instrumentEviction()
}

func (c *Cache) remove(elem *list.Element) {
	e := c.order.Remove(elem).(*entry)
	delete(c.entries, e.key)
	c.bytes -= len(e.payload)
}

func (c *Cache) instrument() {
	instrumentResidency(len(c.entries), c.bytes)
}

// Neighbors returns the 8-neighbourhood of a tile. X wraps around the
// antimeridian, rows beyond the poles are skipped.
func Neighbors(key maptile.Tile) []maptile.Tile {
	n := int64(1) << uint(key.Z)
	seen := make(map[maptile.Tile]struct{}, 8)
	neighbors := make([]maptile.Tile, 0, 8)

	for dy := int64(-1); dy <= 1; dy++ {
		y := int64(key.Y) + dy
		if y < 0 || y >= n {
			continue
		}

		for dx := int64(-1); dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}

			x := (int64(key.X) + dx + n) % n
			t := maptile.New(uint32(x), uint32(y), key.Z)
			if t == key {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			neighbors = append(neighbors, t)
		}
	}
	return neighbors
}
