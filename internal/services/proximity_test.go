package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasteops/internal/geo"
)

func TestDistanceProperties(t *testing.T) {
	points := []geo.Point{
		geo.NewPoint(depotLat, depotLng),
		geo.NewPoint(-33.8688, 151.2093),
		geo.NewPoint(0, 0),
		geo.NewPoint(89.9, -179.9),
	}
	for _, a := range points {
		assert.Equal(t, 0.0, geo.Between(a, a))
		for _, b := range points {
			assert.Equal(t, geo.Between(a, b), geo.Between(b, a))
			assert.GreaterOrEqual(t, geo.Between(a, b), 0.0)
		}
	}
}

func TestCheckOutOfRange(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Check(f.ctx, "fp-1", north(500))
	require.NoError(t, err)
	assert.False(t, res.WithinRange)
	assert.True(t, res.HasCoordinate)
	assert.InDelta(t, 500, res.DistanceMeters, 1)
	assert.Equal(t, "Dadar Market", res.FeederPoint.Name)
}

func TestCheckWithinRange(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Check(f.ctx, "fp-1", north(50))
	require.NoError(t, err)
	assert.True(t, res.WithinRange)
	assert.InDelta(t, 50, res.DistanceMeters, 1)
	assert.Equal(t, 100.0, res.RadiusMeters)
}

func TestCheckFailsOpenWithoutCoordinate(t *testing.T) {
	f := newFixture(t)

	for _, loc := range []geo.Point{north(10), geo.NewPoint(-33.8688, 151.2093), {}} {
		res, err := f.gate.Check(f.ctx, "fp-2", loc)
		require.NoError(t, err)
		assert.True(t, res.WithinRange)
		assert.False(t, res.HasCoordinate)
	}

	closed := newFixture(t, func(o *Options) { o.ProximityFailClosed = true })
	res, err := closed.gate.Check(closed.ctx, "fp-2", north(10))
	require.NoError(t, err)
	assert.False(t, res.WithinRange)
}

func TestCheckErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Check(f.ctx, "nope", north(10))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.gate.Check(f.ctx, "fp-1", geo.Point{})
	requireCode(t, err, CodeInvalidLocation)

	_, err = f.gate.CheckCurrent(f.ctx, "fp-1", LocationFunc(func(context.Context) (geo.Fix, error) {
		return geo.Fix{}, ErrLocationUnavailable
	}))
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "location", ce.Collaborator)
	assert.ErrorIs(t, err, ErrLocationUnavailable)

	res, err := f.gate.CheckCurrent(f.ctx, "fp-1", StaticLocation(geo.Fix{Point: north(40)}))
	require.NoError(t, err)
	assert.True(t, res.WithinRange)
}

func TestNearby(t *testing.T) {
	f := newFixture(t)

	got, err := f.gate.Nearby(f.ctx, north(60), 250)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fp-1", got[0].FeederPoint.ID)
	assert.InDelta(t, 60, got[0].DistanceMeters, 1)

	got, err = f.gate.Nearby(f.ctx, north(5000), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
