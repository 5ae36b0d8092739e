package services

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"wasteops/internal/geo"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

// ProximityResult is the outcome of a gate check. DistanceMeters is only
// meaningful when HasCoordinate is true.
type ProximityResult struct {
	WithinRange    bool               `json:"within_range"`
	DistanceMeters float64            `json:"distance_meters"`
	RadiusMeters   float64            `json:"radius_meters"`
	HasCoordinate  bool               `json:"has_coordinate"`
	FeederPoint    models.FeederPoint `json:"feeder_point"`
}

type NearbyFeederPoint struct {
	FeederPoint    models.FeederPoint `json:"feeder_point"`
	DistanceMeters float64            `json:"distance_meters"`
}

// ProximityGate decides whether a driver is close enough to a feeder point to start a trip.
type ProximityGate struct {
	store    store.Reader
	radius   float64
	failOpen bool
	metrics  Metrics
}

func NewProximityGate(d Deps) *ProximityGate {
	d = d.withDefaults()
	return &ProximityGate{
		store:    d.Store,
		radius:   d.Options.ProximityRadiusMeters,
		failOpen: !d.Options.ProximityFailClosed,
		metrics:  d.Metrics,
	}
}

// Check is read-only. A feeder point without a registered coordinate resolves
// to the fail-open policy regardless of loc.
func (g *ProximityGate) Check(ctx context.Context, feederPointID string, loc geo.Point) (ProximityResult, error) {
	fp, err := g.store.GetFeederPoint(ctx, feederPointID)
	if err != nil {
		return ProximityResult{}, classify(err, "feeder point", feederPointID)
	}
	res, err := g.evaluate(fp, loc)
	if err != nil {
		return ProximityResult{}, err
	}
	g.metrics.ProximityChecked(res.WithinRange)
	logrus.WithFields(logrus.Fields{
		"feeder_point_id": fp.ID,
		"within_range":    res.WithinRange,
		"distance_m":      res.DistanceMeters,
		"has_coordinate":  res.HasCoordinate,
	}).Debug("Proximity check")
	return res, nil
}

// CheckCurrent asks lp for the current location first. Provider failures are
// reported as a CollaboratorError, never as "out of range".
func (g *ProximityGate) CheckCurrent(ctx context.Context, feederPointID string, lp LocationProvider) (ProximityResult, error) {
	fix, err := lp.CurrentLocation(ctx)
	if err != nil {
		return ProximityResult{}, &CollaboratorError{Collaborator: "location", Err: err}
	}
	return g.Check(ctx, feederPointID, fix.Point)
}

func (g *ProximityGate) evaluate(fp models.FeederPoint, loc geo.Point) (ProximityResult, error) {
	res := ProximityResult{RadiusMeters: g.radius, FeederPoint: fp}
	if !fp.HasCoordinate() {
		res.WithinRange = g.failOpen
		return res, nil
	}
	if !loc.InBounds() {
		return ProximityResult{}, invalid(CodeInvalidLocation, "A valid current location is required.")
	}
	res.HasCoordinate = true
	res.DistanceMeters = geo.Between(loc, fp.Location)
	res.WithinRange = res.DistanceMeters <= g.radius
	return res, nil
}

// Nearby lists active feeder points with a coordinate within radius of loc,
// closest first. radius <= 0 uses the gate radius.
func (g *ProximityGate) Nearby(ctx context.Context, loc geo.Point, radius float64) ([]NearbyFeederPoint, error) {
	if !loc.InBounds() {
		return nil, invalid(CodeInvalidLocation, "A valid current location is required.")
	}
	if radius <= 0 {
		radius = g.radius
	}
	fps, err := g.store.ListFeederPoints(ctx, store.FeederPointFilter{
		ActiveOnly:      true,
		GeohashPrefixes: geo.CoverPrefixes(loc, radius),
	})
	if err != nil {
		return nil, classify(err, "feeder point", "")
	}
	out := []NearbyFeederPoint{}
	for _, fp := range fps {
		if !fp.HasCoordinate() {
			continue
		}
		d := geo.Between(loc, fp.Location)
		if d <= radius {
			out = append(out, NearbyFeederPoint{FeederPoint: fp, DistanceMeters: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out, nil
}
