// Package controllers holds the gin handlers for the driver app, the HR
// dashboard and the admin console.
package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"wasteops/internal/middleware"
	"wasteops/internal/services"
	"wasteops/internal/store"
)

// Handler wires the services into HTTP endpoints.
type Handler struct {
	Trips      *services.TripSessionManager
	Attendance *services.AttendanceRecorder
	Gate       *services.ProximityGate
	Analytics  *services.Aggregator
	Store      store.Store
	Auth       *middleware.Auth
	Location   *time.Location
}

var conflictCodes = map[string]bool{
	services.CodeActiveTripExists: true,
	services.CodeTripNumberTaken:  true,
	services.CodeDriverBusy:       true,
	services.CodeDuplicateDay:     true,
}

// respondError maps a service error onto a status code and a {"error","code"} body.
func respondError(c *gin.Context, err error) {
	var (
		nf *services.NotFoundError
		ce *services.CollaboratorError
	)
	if ve, ok := services.AsValidation(err); ok {
		status := http.StatusUnprocessableEntity
		switch {
		case conflictCodes[ve.Code]:
			status = http.StatusConflict
		case ve.Code == services.CodeTripDriverMismatch:
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": ve.Message, "code": ve.Code})
		return
	}
	switch {
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error(), "code": "not_found"})
	case errors.As(err, &ce):
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Collaborator unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable", "code": "unavailable"})
	default:
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "internal"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": services.CodeInvalidInput})
}

// queryTime parses an RFC3339 timestamp or a YYYY-MM-DD day.
func (h *Handler) queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, h.loc())
	if err != nil {
		return time.Time{}, errors.New("invalid " + key + ": expected RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (h *Handler) loc() *time.Location {
	if h.Location == nil {
		return time.Local
	}
	return h.Location
}
