package services

import (
	"time"

	"wasteops/internal/lock"
	"wasteops/internal/store"
)

// Options are the business rules that deployments tune through config.
// The zero value of every field means its default.
type Options struct {
	Location              *time.Location // calendar-day boundaries
	MaxTripsPerDay        int
	ProximityRadiusMeters float64
	ProximityFailClosed   bool // feeder points without coordinates fail the gate
	EnforceProximity      bool // startTrip re-checks the gate server side
	AllowMissingPhoto     bool // endTrip accepts no photo reference
	LateCutoffMinutes     int  // minute of day after which a check-in is late
	LockWait              time.Duration
}

func DefaultOptions() Options {
	return Options{
		Location:              time.Local,
		MaxTripsPerDay:        3,
		ProximityRadiusMeters: 100,
		LateCutoffMinutes:     9 * 60,
		LockWait:              2 * time.Second,
	}
}

// Deps wires the collaborators shared by every service.
type Deps struct {
	Store   store.Store
	Locker  lock.Locker
	Clock   Clock
	Metrics Metrics
	Options Options
}

func (d Deps) withDefaults() Deps {
	def := DefaultOptions()
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Options.Location == nil {
		d.Options.Location = def.Location
	}
	if d.Options.MaxTripsPerDay <= 0 {
		d.Options.MaxTripsPerDay = def.MaxTripsPerDay
	}
	if d.Options.ProximityRadiusMeters <= 0 {
		d.Options.ProximityRadiusMeters = def.ProximityRadiusMeters
	}
	if d.Options.LateCutoffMinutes <= 0 {
		d.Options.LateCutoffMinutes = def.LateCutoffMinutes
	}
	if d.Options.LockWait <= 0 {
		d.Options.LockWait = def.LockWait
	}
	return d
}
