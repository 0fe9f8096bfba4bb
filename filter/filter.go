package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aukilabs/kort/models"
)

// Predicate is a filter condition evaluated against an entity.
type Predicate interface {
	// Reports whether the entity passes the predicate.
	Match(models.Entity) bool

	// Returns the predicate name, used for logs and metrics.
	Name() string
}

// Spec is an ordered list of predicates. An entity passes a spec when it
// passes every predicate. Predicates are evaluated in order and evaluation
// stops at the first failing one.
type Spec []Predicate

func (s Spec) Match(e models.Entity) bool {
	for _, p := range s {
		if !p.Match(e) {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

// Apply returns the entities that pass the spec, in their original order. An
// empty spec returns the entities unchanged.
func Apply(entities []models.Entity, s Spec) []models.Entity {
	if len(s) == 0 {
		return entities
	}

	filtered := make([]models.Entity, 0, len(entities))
	for _, e := range entities {
		if s.Match(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

type statusIn struct {
	statuses map[models.Status]struct{}
}

// StatusIn returns a predicate that passes entities with one of the given
// statuses.
func StatusIn(statuses ...models.Status) Predicate {
	p := statusIn{statuses: make(map[models.Status]struct{}, len(statuses))}
	for _, s := range statuses {
		p.statuses[s] = struct{}{}
	}
	return p
}

func (p statusIn) Match(e models.Entity) bool {
	_, ok := p.statuses[e.Status]
	return ok
}

func (p statusIn) Name() string {
	values := make([]string, 0, len(p.statuses))
	for s := range p.statuses {
		values = append(values, string(s))
	}
	sort.Strings(values)
	return fmt.Sprintf("status_in(%s)", strings.Join(values, "|"))
}

type kindIn struct {
	kinds map[models.Kind]struct{}
}

// KindIn returns a predicate that passes entities of one of the given kinds.
func KindIn(kinds ...models.Kind) Predicate {
	p := kindIn{kinds: make(map[models.Kind]struct{}, len(kinds))}
	for _, k := range kinds {
		p.kinds[k] = struct{}{}
	}
	return p
}

func (p kindIn) Match(e models.Entity) bool {
	_, ok := p.kinds[e.Kind]
	return ok
}

func (p kindIn) Name() string {
	values := make([]string, 0, len(p.kinds))
	for k := range p.kinds {
		values = append(values, string(k))
	}
	sort.Strings(values)
	return fmt.Sprintf("kind_in(%s)", strings.Join(values, "|"))
}

type numericRange struct {
	attribute string
	min       float64
	max       float64
}

// NumericRange returns a predicate that passes entities whose numeric
// attribute is within [min, max]. Entities without the attribute, or with a
// non numeric one, fail.
func NumericRange(attribute string, min, max float64) Predicate {
	return numericRange{
		attribute: attribute,
		min:       min,
		max:       max,
	}
}

func (p numericRange) Match(e models.Entity) bool {
	v, ok := e.NumericAttribute(p.attribute)
	return ok && v >= p.min && v <= p.max
}

func (p numericRange) Name() string {
	return fmt.Sprintf("numeric_range(%s,%v,%v)", p.attribute, p.min, p.max)
}

type equals struct {
	attribute string
	value     any
}

// Equals returns a predicate that passes entities whose attribute equals the
// given value. Numeric values are compared as float64 so 3 equals 3.0.
func Equals(attribute string, value any) Predicate {
	return equals{
		attribute: attribute,
		value:     value,
	}
}

func (p equals) Match(e models.Entity) bool {
	v, ok := e.Attribute(p.attribute)
	if !ok {
		return false
	}

	if want, ok := models.Float(p.value); ok {
		got, ok := models.Float(v)
		return ok && got == want
	}

	switch want := p.value.(type) {
	case string:
		got, ok := v.(string)
		return ok && got == want

	case bool:
		got, ok := v.(bool)
		return ok && got == want

	default:
		return false
	}
}

func (p equals) Name() string {
	return fmt.Sprintf("equals(%s,%v)", p.attribute, p.value)
}

type withinBounds struct {
	bounds models.Bounds
}

// WithinBounds returns a predicate that passes entities positioned within the
// bounds, edges included. Bounds crossing the antimeridian are not supported.
func WithinBounds(b models.Bounds) Predicate {
	return withinBounds{bounds: b}
}

func (p withinBounds) Match(e models.Entity) bool {
	return p.bounds.Contains(e.Position)
}

func (p withinBounds) Name() string {
	b := p.bounds
	return fmt.Sprintf("within_bounds(%v,%v,%v,%v)", b.West, b.South, b.East, b.North)
}
