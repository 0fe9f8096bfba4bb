package models

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/paulmach/orb"
)

// Kind is the variant of a trackable entity.
type Kind string

const (
	KindVehicle  Kind = "vehicle"
	KindFacility Kind = "facility"
	KindCamera   Kind = "camera"
)

// Status is a kind-dependent entity state such as "active" or "offline".
type Status string

// Attributes holds the open set of additional entity fields. Values decoded
// from JSON are float64, string, bool or nil.
type Attributes map[string]any

// Position is a geographic coordinate in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point returns the position as an orb point (lng, lat).
func (p Position) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// PositionFromPoint converts an orb point to a position.
func PositionFromPoint(p orb.Point) Position {
	return Position{Lat: p.Lat(), Lng: p.Lon()}
}

// ValidatePosition reports whether p is a finite coordinate within
// [-90, 90] latitude and [-180, 180] longitude.
func ValidatePosition(p Position) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) ||
		math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return errors.New("position is not a finite coordinate").
			WithType(ErrTypeValidation).
			WithTag("lat", p.Lat).
			WithTag("lng", p.Lng)
	}

	if p.Lat < -90 || p.Lat > 90 {
		return errors.New("latitude is out of range").
			WithType(ErrTypeValidation).
			WithTag("lat", p.Lat)
	}

	if p.Lng < -180 || p.Lng > 180 {
		return errors.New("longitude is out of range").
			WithType(ErrTypeValidation).
			WithTag("lng", p.Lng)
	}
	return nil
}

// Entity is the authoritative state of a trackable entity.
//
// Entities are stored and returned by value. The attribute map of a stored
// entity is never mutated: updates build a new map.
type Entity struct {
	ID         string     `json:"id"`
	Position   Position   `json:"position"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Attribute returns the attribute with the given name.
func (e Entity) Attribute(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// NumericAttribute returns the attribute with the given name as a float64.
func (e Entity) NumericAttribute(name string) (float64, bool) {
	return Float(e.Attributes[name])
}

// Float converts a numeric attribute value to a float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// EntityStore holds the current state of all registered entities.
type EntityStore struct {
	mutex    sync.RWMutex
	entities map[string]Entity
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities: make(map[string]Entity),
	}
}

// Add registers a new entity. It fails when the id is empty, already
// registered or when the position is invalid.
func (s *EntityStore) Add(e Entity) error {
	if e.ID == "" {
		return errors.New("entity id is empty").WithType(ErrTypeValidation)
	}

	if err := ValidatePosition(e.Position); err != nil {
		return errors.New("invalid entity position").
			WithType(ErrTypeValidation).
			WithTag("entity_id", e.ID).
			Wrap(err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.entities[e.ID]; ok {
		return errors.New("entity is already registered").
			WithType(ErrTypeAlreadyExists).
			WithTag("entity_id", e.ID)
	}

	s.entities[e.ID] = e
	instrumentEntityCount(len(s.entities))
	return nil
}

// Set replaces the state of a registered entity.
func (s *EntityStore) Set(e Entity) error {
	if err := ValidatePosition(e.Position); err != nil {
		return errors.New("invalid entity position").
			WithType(ErrTypeValidation).
			WithTag("entity_id", e.ID).
			Wrap(err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.entities[e.ID]; !ok {
		return errors.New("entity is not registered").
			WithType(ErrTypeNotFound).
			WithTag("entity_id", e.ID)
	}

	s.entities[e.ID] = e
	return nil
}

// Remove deletes the entity with the given id and reports whether it was
// registered.
func (s *EntityStore) Remove(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.entities[id]
	delete(s.entities, id)
	instrumentEntityCount(len(s.entities))
	return ok
}

func (s *EntityStore) EntityByID(id string) (Entity, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entities[id]
	return e, ok
}

func (s *EntityStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entities)
}

// IDs returns the registered entity ids in ascending order.
func (s *EntityStore) IDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entities returns all the registered entities sorted by id.
func (s *EntityStore) Entities() []Entity {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entities := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})
	return entities
}

// Range calls fn for each registered entity in no particular order until fn
// returns false.
func (s *EntityStore) Range(fn func(Entity) bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, e := range s.entities {
		if !fn(e) {
			return
		}
	}
}

// Reset removes all the entities.
func (s *EntityStore) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entities = make(map[string]Entity)
	instrumentEntityCount(0)
}
