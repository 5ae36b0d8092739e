package routes

import (
	"github.com/gin-gonic/gin"

	"wasteops/internal/controllers"
	"wasteops/internal/middleware"
)

func DriverRoutes(r *gin.Engine, h *controllers.Handler) {
	driver := r.Group("/driver")
	driver.Use(h.Auth.RequireRole(middleware.RoleDriver))
	{
		driver.POST("/proximity-check", h.ProximityCheck)
		driver.GET("/feeder-points/nearby", h.NearbyFeederPoints)

		driver.POST("/trips", h.StartTrip)
		driver.GET("/trips", h.DriverTrips)
		driver.GET("/trips/active", h.ActiveTrip)
		driver.POST("/trips/:id/end", h.EndTrip)
		driver.POST("/trips/:id/cancel", h.CancelTrip)
		driver.POST("/trips/:id/attendance", h.RecordTripAttendance)
		driver.GET("/trips/:id/roster", h.TripRoster)

		driver.POST("/attendance", h.MarkAttendance)
	}
}
