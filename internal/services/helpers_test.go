package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/models"
	"wasteops/internal/store/memstore"
)

var (
	depotLat = 19.0760
	depotLng = 72.8777
	// one degree of latitude is about 111195 m at the haversine radius
	metersPerDegree = 111195.0
)

func north(meters float64) geo.Point {
	return geo.NewPoint(depotLat+meters/metersPerDegree, depotLng)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	ended     int
	cancelled int
	rejected  []string
	recorded  int
	checks    int
}

func (m *recordingMetrics) TripStarted()            { m.mu.Lock(); m.started++; m.mu.Unlock() }
func (m *recordingMetrics) TripEnded(time.Duration) { m.mu.Lock(); m.ended++; m.mu.Unlock() }
func (m *recordingMetrics) TripCancelled()          { m.mu.Lock(); m.cancelled++; m.mu.Unlock() }
func (m *recordingMetrics) StartRejected(code string) {
	m.mu.Lock()
	m.rejected = append(m.rejected, code)
	m.mu.Unlock()
}
func (m *recordingMetrics) AttendanceRecorded(string, models.AttendanceStatus) {
	m.mu.Lock()
	m.recorded++
	m.mu.Unlock()
}
func (m *recordingMetrics) ProximityChecked(bool) { m.mu.Lock(); m.checks++; m.mu.Unlock() }

type fixture struct {
	ctx     context.Context
	store   *memstore.Store
	clock   *testClock
	metrics *recordingMetrics
	deps    Deps
	gate    *ProximityGate
	trips   *TripSessionManager
	att     *AttendanceRecorder
	agg     *Aggregator
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	h := hub.New(64)
	t.Cleanup(h.Close)

	opts := DefaultOptions()
	opts.Location = time.UTC
	for _, fn := range tweak {
		fn(&opts)
	}

	f := &fixture{
		ctx:     context.Background(),
		store:   memstore.New(h),
		clock:   &testClock{t: time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)},
		metrics: &recordingMetrics{},
	}
	f.deps = Deps{Store: f.store, Clock: f.clock, Metrics: f.metrics, Options: opts}
	f.gate = NewProximityGate(f.deps)
	f.trips = NewTripSessionManager(f.deps)
	f.att = NewAttendanceRecorder(f.deps)
	f.agg = NewAggregator(f.deps)
	f.seed(t)
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	for _, w := range []models.Worker{
		{ID: "w1", Name: "Asha", Role: "sweeper", FeederPointID: "fp-1", Active: true},
		{ID: "w2", Name: "Bala", Role: "sweeper", FeederPointID: "fp-1", Active: true},
		{ID: "w3", Name: "Chitra", Role: "loader", FeederPointID: "fp-1", Active: true},
		{ID: "w4", Name: "Dev", Role: "loader", FeederPointID: "fp-1", Active: true},
	} {
		w := w
		require.NoError(t, f.store.SaveWorker(f.ctx, &w))
	}
	for _, fp := range []models.FeederPoint{
		{ID: "fp-1", Name: "Dadar Market", Area: "G North", Ward: "G/N", Location: geo.NewPoint(depotLat, depotLng), Active: true,
			AssignedWorkerIDs: pq.StringArray{"w1", "w2", "w3", "w4"}},
		{ID: "fp-2", Name: "Unsurveyed Lane", Area: "G North", Ward: "G/N", Active: true},
		{ID: "fp-3", Name: "Closed Yard", Location: north(20), Active: false},
	} {
		fp := fp
		require.NoError(t, f.store.SaveFeederPoint(f.ctx, &fp))
	}
}

func (f *fixture) start(t *testing.T, driver, feederPoint string, n int) models.TripSession {
	t.Helper()
	s, err := f.trips.StartTrip(f.ctx, StartTripRequest{
		DriverID:      driver,
		VehicleID:     "MH-01-1234",
		FeederPointID: feederPoint,
		TripNumber:    n,
		Location:      north(30),
	})
	require.NoError(t, err)
	return s
}

func strPtr(s string) *string { return &s }

func requireCode(t *testing.T, err error, code string) *ValidationError {
	t.Helper()
	ve, ok := AsValidation(err)
	require.Truef(t, ok, "expected validation error %q, got %v", code, err)
	require.Equal(t, code, ve.Code)
	return ve
}
