package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/lock"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

type StartTripRequest struct {
	DriverID      string
	VehicleID     string
	ContractorID  string
	FeederPointID string
	TripNumber    int
	Location      geo.Point
}

type EndTripRequest struct {
	EndLocation   geo.Point
	WasteWeightKg float64
	PhotoRefs     []string
	Notes         string
}

// TripSummary is returned by EndTrip. The duration is derived, not stored.
type TripSummary struct {
	Trip            models.TripSession `json:"trip"`
	Duration        time.Duration      `json:"-"`
	DurationMinutes float64            `json:"duration_minutes"`
}

type TripStats struct {
	Total                  int                       `json:"total"`
	ByStatus               map[models.TripStatus]int `json:"by_status"`
	TotalWasteKg           float64                   `json:"total_waste_kg"`
	AverageDurationMinutes float64                   `json:"average_duration_minutes"`
	PresentWorkers         int                       `json:"present_workers"`
	AbsentWorkers          int                       `json:"absent_workers"`
}

// TripSessionManager owns the trip lifecycle: start, end, cancel.
type TripSessionManager struct {
	store     store.Store
	locker    lock.Locker
	gate      *ProximityGate
	validator TripConstraintValidator
	clock     Clock
	metrics   Metrics
	opts      Options
}

func NewTripSessionManager(d Deps) *TripSessionManager {
	d = d.withDefaults()
	return &TripSessionManager{
		store:     d.Store,
		locker:    d.Locker,
		gate:      NewProximityGate(d),
		validator: TripConstraintValidator{MaxTripsPerDay: d.Options.MaxTripsPerDay},
		clock:     d.Clock,
		metrics:   d.Metrics,
		opts:      d.Options,
	}
}

// StartTrip validates and creates a session in status started. Validation and
// the insert run in one transaction under a per-driver lock.
func (m *TripSessionManager) StartTrip(ctx context.Context, req StartTripRequest) (models.TripSession, error) {
	session, err := m.startTrip(ctx, req)
	if err != nil {
		if ve, ok := AsValidation(err); ok {
			m.metrics.StartRejected(ve.Code)
			logrus.WithFields(logrus.Fields{
				"driver_id":       req.DriverID,
				"feeder_point_id": req.FeederPointID,
				"trip_number":     req.TripNumber,
				"code":            ve.Code,
			}).Warn("Trip start rejected")
		}
		return models.TripSession{}, err
	}

	m.metrics.TripStarted()
	logrus.WithFields(logrus.Fields{
		"trip_id":         session.ID,
		"driver_id":       session.DriverID,
		"feeder_point_id": session.FeederPointID,
		"trip_number":     session.TripNumber,
	}).Info("Trip started")
	return session, nil
}

func (m *TripSessionManager) startTrip(ctx context.Context, req StartTripRequest) (models.TripSession, error) {
	req.DriverID = strings.TrimSpace(req.DriverID)
	req.FeederPointID = strings.TrimSpace(req.FeederPointID)
	if req.DriverID == "" || req.FeederPointID == "" {
		return models.TripSession{}, invalid(CodeInvalidInput, "Driver and feeder point are required.")
	}
	if req.Location.Valid && !req.Location.InBounds() {
		return models.TripSession{}, invalid(CodeInvalidLocation, "Start location is out of range.")
	}

	fp, err := m.store.GetFeederPoint(ctx, req.FeederPointID)
	if err != nil {
		return models.TripSession{}, classify(err, "feeder point", req.FeederPointID)
	}
	if !fp.Active {
		return models.TripSession{}, invalid(CodeFeederPointInactive, "Feeder point %s is not active.", nameOr(fp.Name, fp.ID))
	}
	if m.opts.EnforceProximity {
		res, err := m.gate.evaluate(fp, req.Location)
		if err != nil {
			return models.TripSession{}, err
		}
		if !res.WithinRange {
			return models.TripSession{}, invalid(CodeOutOfRange,
				"You are %.0fm from %s. Move within %.0fm to start the trip.",
				res.DistanceMeters, nameOr(fp.Name, fp.ID), res.RadiusMeters)
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockWait)
	defer cancel()
	unlock, err := m.locker.Lock(lockCtx, "trip-start:"+req.DriverID)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return models.TripSession{}, classify(err, "", "")
		}
		return models.TripSession{}, &CollaboratorError{Collaborator: "lock", Err: err}
	}
	defer unlock()

	now := m.clock.Now()
	session := models.TripSession{
		DriverID:            req.DriverID,
		VehicleID:           strings.TrimSpace(req.VehicleID),
		ContractorID:        strings.TrimSpace(req.ContractorID),
		FeederPointID:       fp.ID,
		FeederPointName:     fp.Name,
		FeederPointArea:     fp.Area,
		TripNumber:          req.TripNumber,
		TripDay:             DayKey(now, m.opts.Location),
		Status:              models.TripStarted,
		StartLocation:       req.Location,
		StartTime:           now,
		TotalWorkers:        len(fp.AssignedWorkerIDs),
		AttendanceRecordIDs: pq.StringArray{},
		PhotoRefs:           pq.StringArray{},
	}

	err = m.store.RunInTx(ctx, func(tx store.Tx) error {
		active, err := tx.QueryTripSessions(ctx, store.TripFilter{
			DriverID: req.DriverID,
			Statuses: models.ActiveTripStatuses,
		})
		if err != nil {
			return err
		}
		today, err := tx.QueryTripSessions(ctx, store.TripFilter{
			DriverID:      req.DriverID,
			FeederPointID: fp.ID,
			Day:           session.TripDay,
		})
		if err != nil {
			return err
		}
		if err := m.validator.ValidateStart(active, today, req.TripNumber); err != nil {
			return err
		}
		_, err = tx.AddTripSession(ctx, &session)
		return err
	})
	if err != nil {
		return models.TripSession{}, startConflict(err)
	}
	return session, nil
}

// startConflict maps unique-index violations raised by a concurrent start onto
// the validation error the losing request would have seen.
func startConflict(err error) error {
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		switch ce.Constraint {
		case store.ConstraintActiveTrip:
			return invalid(CodeActiveTripExists, "Another trip is already open for this driver.")
		case store.ConstraintTripSlot:
			return invalid(CodeTripNumberTaken, "This trip number has already been taken today at this feeder point.")
		}
	}
	return classify(err, "trip session", "")
}

// EndTrip completes an open trip. A non-positive waste weight is rejected
// before anything is read or written.
func (m *TripSessionManager) EndTrip(ctx context.Context, tripID string, req EndTripRequest) (TripSummary, error) {
	if req.WasteWeightKg <= 0 {
		return TripSummary{}, invalid(CodeWasteWeight, "Waste weight must be greater than 0 kg.")
	}
	photos := cleanRefs(req.PhotoRefs)
	if !m.opts.AllowMissingPhoto && len(photos) == 0 {
		return TripSummary{}, invalid(CodeEvidenceRequired, "At least one photo is required to end a trip.")
	}
	if req.EndLocation.Valid && !req.EndLocation.InBounds() {
		return TripSummary{}, invalid(CodeInvalidLocation, "End location is out of range.")
	}

	var trip models.TripSession
	err := m.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTripSession(ctx, tripID)
		if err != nil {
			return err
		}
		if !current.Status.Active() {
			return invalid(CodeTripNotActive, "Trip is already %s.", current.Status)
		}
		end := m.clock.Now()
		if end.Before(current.StartTime) {
			end = current.StartTime
		}
		patch := store.Patch{
			"status":          models.TripCompleted,
			"end_time":        end,
			"end_location":    req.EndLocation,
			"waste_weight_kg": req.WasteWeightKg,
			"photo_refs":      photos,
			"notes":           strings.TrimSpace(req.Notes),
		}
		if err := tx.UpdateTripSession(ctx, tripID, patch); err != nil {
			return err
		}
		trip, err = tx.GetTripSession(ctx, tripID)
		return err
	})
	if err != nil {
		return TripSummary{}, classify(err, "trip session", tripID)
	}

	d := trip.Duration()
	m.metrics.TripEnded(d)
	logrus.WithFields(logrus.Fields{
		"trip_id":         trip.ID,
		"driver_id":       trip.DriverID,
		"waste_weight_kg": trip.WasteWeightKg,
		"duration":        d.String(),
	}).Info("Trip completed")
	return TripSummary{Trip: trip, Duration: d, DurationMinutes: d.Minutes()}, nil
}

// CancelTrip moves an open trip to cancelled. A non-empty reason replaces the notes.
func (m *TripSessionManager) CancelTrip(ctx context.Context, tripID, reason string) (models.TripSession, error) {
	var trip models.TripSession
	err := m.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTripSession(ctx, tripID)
		if err != nil {
			return err
		}
		if !current.Status.Active() {
			return invalid(CodeTripNotActive, "Trip is already %s.", current.Status)
		}
		patch := store.Patch{
			"status":   models.TripCancelled,
			"end_time": m.clock.Now(),
		}
		if r := strings.TrimSpace(reason); r != "" {
			patch["notes"] = r
		}
		if err := tx.UpdateTripSession(ctx, tripID, patch); err != nil {
			return err
		}
		trip, err = tx.GetTripSession(ctx, tripID)
		return err
	})
	if err != nil {
		return models.TripSession{}, classify(err, "trip session", tripID)
	}
	m.metrics.TripCancelled()
	logrus.WithFields(logrus.Fields{
		"trip_id":   trip.ID,
		"driver_id": trip.DriverID,
		"reason":    trip.Notes,
	}).Info("Trip cancelled")
	return trip, nil
}

// ActiveTrip returns the driver's open session, or nil when there is none.
func (m *TripSessionManager) ActiveTrip(ctx context.Context, driverID string) (*models.TripSession, error) {
	trips, err := m.store.QueryTripSessions(ctx, store.TripFilter{
		DriverID: driverID,
		Statuses: models.ActiveTripStatuses,
		Limit:    1,
	})
	if err != nil {
		return nil, classify(err, "trip session", "")
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return &trips[0], nil
}

func (m *TripSessionManager) GetTrip(ctx context.Context, tripID string) (models.TripSession, error) {
	t, err := m.store.GetTripSession(ctx, tripID)
	if err != nil {
		return models.TripSession{}, classify(err, "trip session", tripID)
	}
	return t, nil
}

// DriverTrips lists the driver's sessions on day ("" for today), newest first.
func (m *TripSessionManager) DriverTrips(ctx context.Context, driverID, day string) ([]models.TripSession, error) {
	if day == "" {
		day = DayKey(m.clock.Now(), m.opts.Location)
	} else if _, _, err := DayRange(day, m.opts.Location); err != nil {
		return nil, err
	}
	trips, err := m.store.QueryTripSessions(ctx, store.TripFilter{DriverID: driverID, Day: day})
	if err != nil {
		return nil, classify(err, "trip session", "")
	}
	return trips, nil
}

// NextTripNumber reports the number the driver should request next at a feeder point today.
func (m *TripSessionManager) NextTripNumber(ctx context.Context, driverID, feederPointID string) (int, error) {
	today, err := m.store.QueryTripSessions(ctx, store.TripFilter{
		DriverID:      driverID,
		FeederPointID: feederPointID,
		Day:           DayKey(m.clock.Now(), m.opts.Location),
	})
	if err != nil {
		return 0, classify(err, "trip session", "")
	}
	return NextTripNumber(today), nil
}

func (m *TripSessionManager) ListTrips(ctx context.Context, f store.TripFilter) ([]models.TripSession, error) {
	trips, err := m.store.QueryTripSessions(ctx, f)
	if err != nil {
		return nil, classify(err, "trip session", "")
	}
	return trips, nil
}

func (m *TripSessionManager) Stats(ctx context.Context, f store.TripFilter) (TripStats, error) {
	trips, err := m.ListTrips(ctx, f)
	if err != nil {
		return TripStats{}, err
	}
	return SummarizeTrips(trips), nil
}

// SubscribeTrips delivers committed changes to sessions of driverID ("" for all drivers).
func (m *TripSessionManager) SubscribeTrips(driverID string, cb func(models.TripSession)) (unsubscribe func()) {
	return m.store.Subscribe(store.TripSessions, func(c hub.Change) bool {
		t, ok := c.Doc.(models.TripSession)
		return ok && (driverID == "" || t.DriverID == driverID)
	}, func(c hub.Change) {
		cb(c.Doc.(models.TripSession))
	})
}

// SummarizeTrips is pure; average duration covers completed trips only.
func SummarizeTrips(trips []models.TripSession) TripStats {
	stats := TripStats{ByStatus: map[models.TripStatus]int{}}
	var total time.Duration
	completed := 0
	for _, t := range trips {
		stats.Total++
		stats.ByStatus[t.Status]++
		stats.PresentWorkers += t.PresentWorkers
		stats.AbsentWorkers += t.AbsentWorkers
		if t.Status == models.TripCompleted {
			stats.TotalWasteKg += t.WasteWeightKg
			total += t.Duration()
			completed++
		}
	}
	if completed > 0 {
		stats.AverageDurationMinutes = (total / time.Duration(completed)).Minutes()
	}
	return stats
}

// cleanRefs trims references and drops empty ones. The result is never nil.
func cleanRefs(refs []string) pq.StringArray {
	out := pq.StringArray{}
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
