// internal/models/worker.go
package models

import "time"

// Worker is a sanitation worker. Owned by the HR subsystem; the trip engine only reads it.
type Worker struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string `json:"name" binding:"required"`
	Role          string `json:"role"`
	Phone         string `json:"phone"`
	FeederPointID string `json:"feeder_point_id" gorm:"index"`
	ContractorID  string `json:"contractor_id" gorm:"index"`
	Active        bool   `json:"active" gorm:"not null"`
}
