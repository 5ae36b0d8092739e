package routes

import (
	"github.com/gin-gonic/gin"

	"wasteops/internal/controllers"
	"wasteops/internal/middleware"
)

func HRRoutes(r *gin.Engine, h *controllers.Handler) {
	hr := r.Group("/hr")
	hr.Use(h.Auth.RequireRole(middleware.RoleHR, middleware.RoleAdmin))
	{
		hr.GET("/attendance", h.ListAttendance)
		hr.PATCH("/attendance/:id", h.UpdateAttendance)
		hr.POST("/attendance/bulk-status", h.BulkSetStatus)
		hr.GET("/analytics", h.AnalyticsReport)

		hr.GET("/feeder-points", h.ListFeederPoints)
		hr.POST("/feeder-points", h.CreateFeederPoint)
		hr.PUT("/feeder-points/:id", h.UpdateFeederPoint)

		hr.POST("/workers", h.CreateWorker)
		hr.GET("/workers/:id/attendance", h.WorkerHistory)
	}
}
