// internal/models/attendance_record.go
package models

import (
	"time"

	"wasteops/internal/geo"
)

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
)

// Valid reports whether s is a known attendance status.
func (s AttendanceStatus) Valid() bool {
	return s == AttendancePresent || s == AttendanceAbsent
}

// Attendance sources.
const (
	SourceTrip   = "trip"
	SourceDirect = "direct"
)

// AttendanceRecord is a timestamped presence assertion for one worker.
// Optional evidence is stored as "" / NULL point, never left unset.
type AttendanceRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	WorkerID        string `json:"worker_id" gorm:"index;not null"`
	WorkerName      string `json:"worker_name"`
	FeederPointID   string `json:"feeder_point_id" gorm:"index"`
	FeederPointName string `json:"feeder_point_name"`
	DriverID        string `json:"driver_id" gorm:"index"`
	DriverName      string `json:"driver_name"`
	VehicleID       string `json:"vehicle_id"`
	TripID          string `json:"trip_id" gorm:"index"` // "" for driver-direct records

	Status    AttendanceStatus `json:"status" gorm:"type:varchar(16)"`
	Source    string           `json:"source" gorm:"type:varchar(16)"`
	Timestamp time.Time        `json:"timestamp" gorm:"index"`
	Day       string           `json:"day" gorm:"index;type:char(10)"` // YYYY-MM-DD of Timestamp in the service time zone

	Location geo.Point `json:"location"`
	PhotoRef string    `json:"photo_ref"`
	Notes    string    `json:"notes"`
}

// TableName keeps the collection name used by the mobile clients.
func (AttendanceRecord) TableName() string {
	return "worker_attendance"
}
