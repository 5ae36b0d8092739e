package routes

import (
	"github.com/gin-gonic/gin"

	"wasteops/internal/controllers"
	"wasteops/internal/middleware"
)

func AdminRoutes(r *gin.Engine, h *controllers.Handler) {
	admin := r.Group("/admin")
	admin.Use(h.Auth.RequireRole(middleware.RoleAdmin, middleware.RoleContractor))
	{
		admin.GET("/trips", h.ListTrips)
		admin.GET("/trips/stats", h.TripStats)
	}
}
