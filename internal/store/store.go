// Package store defines the document store the trip and attendance engine
// runs against. Implementations live in gormstore (PostgreSQL) and memstore.
package store

import (
	"context"
	"errors"
	"time"

	"wasteops/internal/hub"
	"wasteops/internal/models"
)

var (
	ErrNotFound   = errors.New("store: document not found")
	ErrConflict   = errors.New("store: conflicting write")
	ErrUnsetValue = errors.New("store: unset value in write")
)

// Collections.
const (
	FeederPoints     = "feeder_points"
	Workers          = "workers"
	TripSessions     = "trip_sessions"
	WorkerAttendance = "worker_attendance"
)

// Unique constraints reported through ConflictError.
const (
	ConstraintActiveTrip       = "uniq_trip_sessions_active_driver"
	ConstraintTripSlot         = "uniq_trip_sessions_slot"
	ConstraintDirectAttendance = "uniq_worker_attendance_direct_day" // one direct record per (worker, driver, day)
	ConstraintTripAttendance   = "uniq_worker_attendance_trip_worker" // one record per worker per trip
)

// ConflictError reports which unique constraint a write violated.
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return "store: conflicting write on " + e.Constraint
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

type FeederPointFilter struct {
	IDs             []string
	Ward            string
	ActiveOnly      bool
	GeohashPrefixes []string
}

type WorkerFilter struct {
	IDs           []string
	FeederPointID string
}

// TripFilter selects trip sessions. Zero fields do not filter.
// Results are ordered by start time, newest first.
type TripFilter struct {
	DriverID      string
	FeederPointID string
	ContractorID  string
	Day           string
	Statuses      []models.TripStatus
	From, To      time.Time // on StartTime; To is exclusive
	Limit         int
}

// AttendanceFilter selects attendance records. Zero fields do not filter.
// Results are ordered by timestamp, newest first.
type AttendanceFilter struct {
	IDs           []string
	WorkerID      string
	DriverID      string
	TripID        string
	FeederPointID string
	Day           string
	Status        models.AttendanceStatus
	From, To      time.Time // on Timestamp; To is exclusive
	Limit         int
}

// Reader is the read half of the store.
type Reader interface {
	GetFeederPoint(ctx context.Context, id string) (models.FeederPoint, error)
	ListFeederPoints(ctx context.Context, f FeederPointFilter) ([]models.FeederPoint, error)
	GetWorker(ctx context.Context, id string) (models.Worker, error)
	ListWorkers(ctx context.Context, f WorkerFilter) ([]models.Worker, error)
	GetTripSession(ctx context.Context, id string) (models.TripSession, error)
	QueryTripSessions(ctx context.Context, f TripFilter) ([]models.TripSession, error)
	GetAttendance(ctx context.Context, id string) (models.AttendanceRecord, error)
	QueryAttendance(ctx context.Context, f AttendanceFilter) ([]models.AttendanceRecord, error)
}

// Write is one entry of an atomic batch.
type Write struct {
	Collection string
	ID         string
	Patch      Patch
}

// Writer is only available inside a transaction so every write commits atomically
// and its change event is published after commit.
type Writer interface {
	// AddTripSession assigns an id when t.ID is empty and returns it.
	AddTripSession(ctx context.Context, t *models.TripSession) (string, error)
	UpdateTripSession(ctx context.Context, id string, p Patch) error
	AddAttendance(ctx context.Context, r *models.AttendanceRecord) (string, error)
	UpdateAttendance(ctx context.Context, id string, p Patch) error
	// BatchWrite applies every write or none; an unknown id fails the batch with ErrNotFound.
	BatchWrite(ctx context.Context, writes []Write) error
}

// Tx is a read-modify-write transaction.
type Tx interface {
	Reader
	Writer
}

// Store is the full collaborator used by the services.
type Store interface {
	Reader

	// RunInTx runs fn atomically. If fn returns an error nothing it wrote is kept.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Subscribe delivers committed changes on collection asynchronously.
	Subscribe(collection string, filter hub.Filter, cb hub.Callback) (unsubscribe func())

	// Reference data maintained by HR/admin.
	SaveFeederPoint(ctx context.Context, fp *models.FeederPoint) error
	SaveWorker(ctx context.Context, w *models.Worker) error
}
