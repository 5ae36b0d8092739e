// internal/models/feeder_point.go
package models

import (
	"time"

	"github.com/lib/pq"

	"wasteops/internal/geo"
)

// FeederPoint is a registered waste-collection location. Location is optional;
// points registered without GPS have Location.Valid == false.
type FeederPoint struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name     string    `json:"name" binding:"required"`
	Area     string    `json:"area"`
	Ward     string    `json:"ward" gorm:"index"`
	Location geo.Point `json:"location"`
	Geohash  string    `json:"geohash" gorm:"index;type:varchar(12)"` // derived from Location on save
	Active   bool      `json:"active" gorm:"not null"`

	AssignedWorkerIDs pq.StringArray `json:"assigned_worker_ids" gorm:"type:text[]"`
}

// HasCoordinate reports whether the feeder point has a registered GPS position.
func (f FeederPoint) HasCoordinate() bool {
	return f.Location.Valid
}
