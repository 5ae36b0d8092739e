// internal/models/trip_session.go
package models

import (
	"time"

	"github.com/lib/pq"

	"wasteops/internal/geo"
)

type TripStatus string

const (
	TripStarted    TripStatus = "started"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// ActiveTripStatuses are the non-terminal statuses. A driver has at most one
// session in one of these at any time.
var ActiveTripStatuses = []TripStatus{TripStarted, TripInProgress}

// Active reports whether the status is non-terminal.
func (s TripStatus) Active() bool {
	return s == TripStarted || s == TripInProgress
}

// TripSession is one drive-and-collect cycle of a driver at a feeder point.
// Sessions are never deleted; completed and cancelled ones stay for audit.
type TripSession struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DriverID     string `json:"driver_id" gorm:"index;not null"`
	VehicleID    string `json:"vehicle_id"`
	ContractorID string `json:"contractor_id" gorm:"index"`

	FeederPointID   string `json:"feeder_point_id" gorm:"index;not null"`
	FeederPointName string `json:"feeder_point_name"`
	FeederPointArea string `json:"feeder_point_area"`

	TripNumber int        `json:"trip_number"`
	TripDay    string     `json:"trip_day" gorm:"index;type:char(10)"` // YYYY-MM-DD in the service time zone
	Status     TripStatus `json:"status" gorm:"index;type:varchar(16)"`

	StartLocation geo.Point  `json:"start_location"`
	EndLocation   geo.Point  `json:"end_location"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`

	TotalWorkers        int            `json:"total_workers"`
	PresentWorkers      int            `json:"present_workers"`
	AbsentWorkers       int            `json:"absent_workers"`
	AttendanceRecordIDs pq.StringArray `json:"attendance_record_ids" gorm:"type:text[]"`

	WasteWeightKg float64        `json:"waste_weight_kg"`
	PhotoRefs     pq.StringArray `json:"photo_refs" gorm:"type:text[]"`
	Notes         string         `json:"notes"`
}

// Duration is the elapsed time between start and end, or zero while the trip is open.
func (t TripSession) Duration() time.Duration {
	if t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}
