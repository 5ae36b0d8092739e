package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wasteops/internal/geo"
	"wasteops/internal/middleware"
	"wasteops/internal/models"
	"wasteops/internal/services"
	"wasteops/internal/store"
)

type proximityCheckInput struct {
	FeederPointID string    `json:"feeder_point_id" binding:"required"`
	Location      geo.Point `json:"location"`
}

// ProximityCheck tells the driver app whether the device is close enough to start.
func (h *Handler) ProximityCheck(c *gin.Context) {
	var in proximityCheckInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Gate.Check(c.Request.Context(), in.FeederPointID, in.Location)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// NearbyFeederPoints lists active feeder points around ?lat=&lng= within ?radius= meters.
func (h *Handler) NearbyFeederPoints(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required", "code": services.CodeInvalidLocation})
		return
	}
	radius := 0.0
	if raw := c.Query("radius"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid radius", "code": services.CodeInvalidInput})
			return
		}
		radius = r
	}
	nearby, err := h.Gate.Nearby(c.Request.Context(), geo.NewPoint(lat, lng), radius)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, nearby)
}

type startTripInput struct {
	FeederPointID string    `json:"feeder_point_id" binding:"required"`
	TripNumber    int       `json:"trip_number" binding:"required"`
	VehicleID     string    `json:"vehicle_id"`
	ContractorID  string    `json:"contractor_id"`
	Location      geo.Point `json:"location"`
}

func (h *Handler) StartTrip(c *gin.Context) {
	var in startTripInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	trip, err := h.Trips.StartTrip(c.Request.Context(), services.StartTripRequest{
		DriverID:      middleware.UserID(c),
		VehicleID:     in.VehicleID,
		ContractorID:  in.ContractorID,
		FeederPointID: in.FeederPointID,
		TripNumber:    in.TripNumber,
		Location:      in.Location,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trip)
}

// DriverTrips lists the caller's trips for ?day= (default today).
func (h *Handler) DriverTrips(c *gin.Context) {
	trips, err := h.Trips.DriverTrips(c.Request.Context(), middleware.UserID(c), c.Query("day"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trips)
}

// ActiveTrip returns the open trip and, with ?feeder_point_id=, the next trip number there.
func (h *Handler) ActiveTrip(c *gin.Context) {
	ctx := c.Request.Context()
	driverID := middleware.UserID(c)
	trip, err := h.Trips.ActiveTrip(ctx, driverID)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"trip": trip}
	if fp := c.Query("feeder_point_id"); fp != "" {
		next, err := h.Trips.NextTripNumber(ctx, driverID, fp)
		if err != nil {
			respondError(c, err)
			return
		}
		resp["next_trip_number"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ownTrip loads the trip in :id and checks it belongs to the caller.
func (h *Handler) ownTrip(c *gin.Context) (models.TripSession, bool) {
	trip, err := h.Trips.GetTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return trip, false
	}
	if trip.DriverID != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Trip belongs to another driver.", "code": services.CodeTripDriverMismatch})
		return trip, false
	}
	return trip, true
}

type endTripInput struct {
	EndLocation   geo.Point `json:"end_location"`
	WasteWeightKg float64   `json:"waste_weight_kg"`
	PhotoRefs     []string  `json:"photo_refs"`
	Notes         string    `json:"notes"`
}

func (h *Handler) EndTrip(c *gin.Context) {
	var in endTripInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	trip, ok := h.ownTrip(c)
	if !ok {
		return
	}
	summary, err := h.Trips.EndTrip(c.Request.Context(), trip.ID, services.EndTripRequest{
		EndLocation:   in.EndLocation,
		WasteWeightKg: in.WasteWeightKg,
		PhotoRefs:     in.PhotoRefs,
		Notes:         in.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type cancelTripInput struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelTrip(c *gin.Context) {
	var in cancelTripInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err)
			return
		}
	}
	trip, ok := h.ownTrip(c)
	if !ok {
		return
	}
	trip, err := h.Trips.CancelTrip(c.Request.Context(), trip.ID, in.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trip)
}

// tripFilter reads the admin listing filters from the query string.
func (h *Handler) tripFilter(c *gin.Context) (store.TripFilter, error) {
	from, err := h.queryTime(c, "from")
	if err != nil {
		return store.TripFilter{}, err
	}
	to, err := h.queryTime(c, "to")
	if err != nil {
		return store.TripFilter{}, err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return store.TripFilter{}, err
	}
	f := store.TripFilter{
		DriverID:      c.Query("driver_id"),
		FeederPointID: c.Query("feeder_point_id"),
		ContractorID:  c.Query("contractor_id"),
		Day:           c.Query("day"),
		From:          from,
		To:            to,
		Limit:         limit,
	}
	if s := c.Query("status"); s != "" {
		f.Statuses = []models.TripStatus{models.TripStatus(s)}
	}
	return f, nil
}

func (h *Handler) ListTrips(c *gin.Context) {
	f, err := h.tripFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	trips, err := h.Trips.ListTrips(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trips)
}

func (h *Handler) TripStats(c *gin.Context) {
	f, err := h.tripFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	stats, err := h.Trips.Stats(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
