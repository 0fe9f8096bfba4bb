package models

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/paulmach/orb"
)

// Bounds is a geographic rectangle in degrees.
//
// Bounds crossing the antimeridian (west > east) are not supported.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BoundsFromBound converts an orb bound to bounds.
func BoundsFromBound(b orb.Bound) Bounds {
	return Bounds{
		North: b.Max.Lat(),
		South: b.Min.Lat(),
		East:  b.Max.Lon(),
		West:  b.Min.Lon(),
	}
}

// Bound returns the bounds as an orb bound.
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// Contains reports whether south ≤ lat ≤ north and west ≤ lng ≤ east.
func (b Bounds) Contains(p Position) bool {
	return b.Bound().Contains(p.Point())
}

// Validate checks that both corners are valid positions and that the bounds
// are not inverted.
func (b Bounds) Validate() error {
	if err := ValidatePosition(Position{Lat: b.South, Lng: b.West}); err != nil {
		return errors.New("invalid south west corner").
			WithType(ErrTypeValidation).
			Wrap(err)
	}

	if err := ValidatePosition(Position{Lat: b.North, Lng: b.East}); err != nil {
		return errors.New("invalid north east corner").
			WithType(ErrTypeValidation).
			Wrap(err)
	}

	if b.South > b.North {
		return errors.New("south is greater than north").
			WithType(ErrTypeValidation).
			WithTag("south", b.South).
			WithTag("north", b.North)
	}

	if b.West > b.East {
		return errors.New("west is greater than east").
			WithType(ErrTypeValidation).
			WithTag("west", b.West).
			WithTag("east", b.East)
	}
	return nil
}
