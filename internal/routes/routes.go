package routes

import (
	"io"
	"net/http"

	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"

	"wasteops/internal/controllers"
	"wasteops/internal/middleware"
)

// SetupRouter builds the engine. accessLog receives the HTTP access log;
// metrics is served at /metrics when non-nil.
func SetupRouter(h *controllers.Handler, metrics http.Handler, accessLog io.Writer) *gin.Engine {
	r := gin.New()
	if accessLog != nil {
		r.Use(ginlog.SetLogger(
			ginlog.WithWriter(accessLog),
			ginlog.WithSkipPath([]string{"/metrics", "/healthz"}),
		))
	}
	r.Use(gin.Recovery(), middleware.CORS())

	r.GET("/healthz", h.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	DriverRoutes(r, h)
	HRRoutes(r, h)
	AdminRoutes(r, h)
	WebSocketRoutes(r, h)

	return r
}
