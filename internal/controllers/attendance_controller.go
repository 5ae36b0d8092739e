package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wasteops/internal/geo"
	"wasteops/internal/middleware"
	"wasteops/internal/models"
	"wasteops/internal/services"
	"wasteops/internal/store"
)

type tripAttendanceInput struct {
	WorkerID   string                  `json:"worker_id" binding:"required"`
	WorkerName string                  `json:"worker_name"`
	DriverName string                  `json:"driver_name"`
	Status     models.AttendanceStatus `json:"status" binding:"required"`
	Location   *geo.Point              `json:"location"`
	PhotoRef   *string                 `json:"photo_ref"`
	Notes      *string                 `json:"notes"`
}

// RecordTripAttendance records one worker on the caller's open trip.
func (h *Handler) RecordTripAttendance(c *gin.Context) {
	var in tripAttendanceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.Attendance.RecordAttendance(c.Request.Context(), services.TripAttendanceInput{
		TripID:     c.Param("id"),
		WorkerID:   in.WorkerID,
		WorkerName: in.WorkerName,
		DriverID:   middleware.UserID(c),
		DriverName: in.DriverName,
		Status:     in.Status,
		Location:   in.Location,
		PhotoRef:   in.PhotoRef,
		Notes:      in.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) TripRoster(c *gin.Context) {
	trip, ok := h.ownTrip(c)
	if !ok {
		return
	}
	roster, err := h.Attendance.TripRoster(c.Request.Context(), trip.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": trip, "roster": roster})
}

type directAttendanceInput struct {
	WorkerID    string     `json:"worker_id" binding:"required"`
	WorkerName  string     `json:"worker_name"`
	DriverName  string     `json:"driver_name"`
	VehicleID   *string    `json:"vehicle_id"`
	Present     bool       `json:"present"`
	CheckInTime time.Time  `json:"check_in_time"`
	PhotoRef    *string    `json:"photo_ref"`
	Location    *geo.Point `json:"location"`
	Notes       *string    `json:"notes"`
}

// MarkAttendance is the driver-direct flow. A repeat on the same day updates in place.
func (h *Handler) MarkAttendance(c *gin.Context) {
	var in directAttendanceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rec, created, err := h.Attendance.MarkAttendance(c.Request.Context(), services.DirectAttendanceInput{
		WorkerID:    in.WorkerID,
		WorkerName:  in.WorkerName,
		DriverID:    middleware.UserID(c),
		DriverName:  in.DriverName,
		VehicleID:   in.VehicleID,
		Present:     in.Present,
		CheckInTime: in.CheckInTime,
		PhotoRef:    in.PhotoRef,
		Location:    in.Location,
		Notes:       in.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

// ListAttendance is the HR query over worker_attendance.
func (h *Handler) ListAttendance(c *gin.Context) {
	from, err := h.queryTime(c, "from")
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := h.queryTime(c, "to")
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	recs, err := h.Attendance.List(c.Request.Context(), store.AttendanceFilter{
		WorkerID:      c.Query("worker_id"),
		DriverID:      c.Query("driver_id"),
		TripID:        c.Query("trip_id"),
		FeederPointID: c.Query("feeder_point_id"),
		Day:           c.Query("day"),
		Status:        models.AttendanceStatus(c.Query("status")),
		From:          from,
		To:            to,
		Limit:         limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// WorkerHistory lists one worker's records over ?from=&to= (default last 30 days).
func (h *Handler) WorkerHistory(c *gin.Context) {
	from, err := h.queryTime(c, "from")
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := h.queryTime(c, "to")
	if err != nil {
		badRequest(c, err)
		return
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	recs, err := h.Attendance.WorkerHistory(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

type updateAttendanceInput struct {
	Status    *models.AttendanceStatus `json:"status"`
	Notes     *string                  `json:"notes"`
	Timestamp *time.Time               `json:"timestamp"`
}

func (h *Handler) UpdateAttendance(c *gin.Context) {
	var in updateAttendanceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.Attendance.UpdateRecord(c.Request.Context(), c.Param("id"), services.RecordPatch{
		Status:    in.Status,
		Notes:     in.Notes,
		Timestamp: in.Timestamp,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type bulkStatusInput struct {
	IDs    []string                `json:"ids" binding:"required"`
	Status models.AttendanceStatus `json:"status" binding:"required"`
}

func (h *Handler) BulkSetStatus(c *gin.Context) {
	var in bulkStatusInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.Attendance.BulkSetStatus(c.Request.Context(), in.IDs, in.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
