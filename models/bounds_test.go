package models

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBoundsContains(t *testing.T) {
	b := Bounds{North: 31, South: 29, East: -83, West: -85}

	require.True(t, b.Contains(Position{Lat: 30, Lng: -84}))
	require.True(t, b.Contains(Position{Lat: 31, Lng: -83}))
	require.True(t, b.Contains(Position{Lat: 29, Lng: -85}))
	require.False(t, b.Contains(Position{Lat: 31.0001, Lng: -84}))
	require.False(t, b.Contains(Position{Lat: 30, Lng: -82.9}))
}

func TestBoundsValidate(t *testing.T) {
	t.Run("valid bounds", func(t *testing.T) {
		require.NoError(t, Bounds{North: 10, South: -10, East: 10, West: -10}.Validate())
	})

	t.Run("inverted latitudes", func(t *testing.T) {
		err := Bounds{North: -10, South: 10, East: 10, West: -10}.Validate()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeValidation))
	})

	t.Run("antimeridian crossing is rejected", func(t *testing.T) {
		err := Bounds{North: 10, South: -10, East: -170, West: 170}.Validate()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeValidation))
	})

	t.Run("out of range corner", func(t *testing.T) {
		err := Bounds{North: 95, South: -10, East: 10, West: -10}.Validate()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeValidation))
	})
}

func TestBoundsOrbConversion(t *testing.T) {
	b := Bounds{North: 31, South: 29, East: -83, West: -85}
	require.Equal(t, b, BoundsFromBound(b.Bound()))
}
