package filter

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/models"
	"github.com/segmentio/encoding/json"
)

// Predicate types accepted by Parse.
const (
	TypeStatusIn     = "status_in"
	TypeKindIn       = "kind_in"
	TypeNumericRange = "numeric_range"
	TypeEquals       = "equals"
	TypeWithinBounds = "within_bounds"
)

// Description is the JSON representation of a predicate.
type Description struct {
	Type      string         `json:"type"`
	Values    []string       `json:"values,omitempty"`
	Attribute string         `json:"attribute,omitempty"`
	Min       *float64       `json:"min,omitempty"`
	Max       *float64       `json:"max,omitempty"`
	Value     any            `json:"value,omitempty"`
	Bounds    *models.Bounds `json:"bounds,omitempty"`
}

// Parse decodes a JSON array of predicate descriptions such as:
//
//	[
//	  {"type": "status_in", "values": ["active", "idle"]},
//	  {"type": "numeric_range", "attribute": "speed", "min": 10}
//	]
//
// Empty input returns an empty spec.
func Parse(data []byte) (Spec, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var descriptions []Description
	if err := json.Unmarshal(data, &descriptions); err != nil {
		return nil, errors.New("decoding filters failed").
			WithType(models.ErrTypeValidation).
			Wrap(err)
	}
	return FromDescriptions(descriptions)
}

// FromDescriptions builds a spec from predicate descriptions.
func FromDescriptions(descriptions []Description) (Spec, error) {
	spec := make(Spec, 0, len(descriptions))

	for i, d := range descriptions {
		p, err := d.Predicate()
		if err != nil {
			return nil, errors.New("invalid filter").
				WithType(models.ErrTypeValidation).
				WithTag("index", i).
				Wrap(err)
		}
		spec = append(spec, p)
	}
	return spec, nil
}

// Predicate returns the predicate described by d.
func (d Description) Predicate() (Predicate, error) {
	switch d.Type {
	case TypeStatusIn:
		statuses := make([]models.Status, len(d.Values))
		for i, v := range d.Values {
			statuses[i] = models.Status(v)
		}
		return StatusIn(statuses...), nil

	case TypeKindIn:
		kinds := make([]models.Kind, len(d.Values))
		for i, v := range d.Values {
			kinds[i] = models.Kind(v)
		}
		return KindIn(kinds...), nil

	case TypeNumericRange:
		if d.Attribute == "" {
			return nil, errors.New("numeric range attribute is empty").
				WithType(models.ErrTypeValidation)
		}

		min, max := math.Inf(-1), math.Inf(1)
		if d.Min != nil {
			min = *d.Min
		}
		if d.Max != nil {
			max = *d.Max
		}
		if min > max {
			return nil, errors.New("numeric range min is greater than max").
				WithType(models.ErrTypeValidation).
				WithTag("min", min).
				WithTag("max", max)
		}
		return NumericRange(d.Attribute, min, max), nil

	case TypeEquals:
		if d.Attribute == "" {
			return nil, errors.New("equals attribute is empty").
				WithType(models.ErrTypeValidation)
		}
		return Equals(d.Attribute, d.Value), nil

	case TypeWithinBounds:
		if d.Bounds == nil {
			return nil, errors.New("within bounds filter has no bounds").
				WithType(models.ErrTypeValidation)
		}
		if err := d.Bounds.Validate(); err != nil {
			return nil, err
		}
		return WithinBounds(*d.Bounds), nil

	default:
		return nil, errors.New("unknown filter type").
			WithType(models.ErrTypeValidation).
			WithTag("type", d.Type)
	}
}
