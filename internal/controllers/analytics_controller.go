package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wasteops/internal/services"
)

// AnalyticsReport returns the full report, or a single breakdown when ?dimension= is set.
func (h *Handler) AnalyticsReport(c *gin.Context) {
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
	grouping, err := services.ParseGrouping(c.Query("group"))
	if err != nil {
		respondError(c, err)
		return
	}
	top, err := queryInt(c, "top", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	q := services.ReportQuery{
		From:          from,
		To:            to,
		FeederPointID: c.Query("feeder_point_id"),
		DriverID:      c.Query("driver_id"),
		WorkerID:      c.Query("worker_id"),
		Grouping:      grouping,
		TopN:          top,
	}

	if dim := c.Query("dimension"); dim != "" {
		d, err := services.ParseDimension(dim)
		if err != nil {
			respondError(c, err)
			return
		}
		buckets, err := h.Analytics.Breakdown(c.Request.Context(), q, d)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, buckets)
		return
	}

	report, err := h.Analytics.Report(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
