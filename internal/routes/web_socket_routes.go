package routes

import (
	"github.com/gin-gonic/gin"

	"wasteops/internal/controllers"
)

func WebSocketRoutes(r *gin.Engine, h *controllers.Handler) {
	ws := r.Group("/ws")
	{
		ws.GET("/changes", h.ChangeStream) // token checked in the handler
	}
}
