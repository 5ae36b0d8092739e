package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"wasteops/internal/geo"
	"wasteops/internal/models"
	"wasteops/internal/services"
	"wasteops/internal/store"
)

// FeederPointResponse adds the GeoJSON geometry for map clients.
type FeederPointResponse struct {
	models.FeederPoint
	Geometry string `json:"geometry,omitempty"`
}

func toFeederPointResponse(fp models.FeederPoint) FeederPointResponse {
	g, err := fp.Location.GeoJSON()
	if err != nil {
		logrus.WithError(err).WithField("feeder_point_id", fp.ID).Warn("Failed to render feeder point geometry")
	}
	return FeederPointResponse{FeederPoint: fp, Geometry: g}
}

// ListFeederPoints supports ?ward= and ?active=true.
func (h *Handler) ListFeederPoints(c *gin.Context) {
	fps, err := h.Store.ListFeederPoints(c.Request.Context(), store.FeederPointFilter{
		Ward:       c.Query("ward"),
		ActiveOnly: c.Query("active") == "true",
	})
	if err != nil {
		respondError(c, &services.CollaboratorError{Collaborator: "store", Err: err})
		return
	}
	out := make([]FeederPointResponse, 0, len(fps))
	for _, fp := range fps {
		out = append(out, toFeederPointResponse(fp))
	}
	c.JSON(http.StatusOK, out)
}

type feederPointInput struct {
	Name              *string    `json:"name"`
	Area              *string    `json:"area"`
	Ward              *string    `json:"ward"`
	Location          *geo.Point `json:"location"`
	Active            *bool      `json:"active"`
	AssignedWorkerIDs []string   `json:"assigned_worker_ids"`
}

func (in feederPointInput) apply(fp *models.FeederPoint) error {
	if in.Name != nil {
		fp.Name = strings.TrimSpace(*in.Name)
	}
	if fp.Name == "" {
		return errors.New("name is required")
	}
	if in.Area != nil {
		fp.Area = strings.TrimSpace(*in.Area)
	}
	if in.Ward != nil {
		fp.Ward = strings.TrimSpace(*in.Ward)
	}
	if in.Location != nil {
		if in.Location.Valid && !in.Location.InBounds() {
			return errors.New("location is out of range")
		}
		fp.Location = *in.Location
	}
	if in.Active != nil {
		fp.Active = *in.Active
	}
	if in.AssignedWorkerIDs != nil {
		fp.AssignedWorkerIDs = in.AssignedWorkerIDs
	}
	return nil
}

func (h *Handler) CreateFeederPoint(c *gin.Context) {
	var in feederPointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	fp := models.FeederPoint{Active: true}
	if err := in.apply(&fp); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Store.SaveFeederPoint(c.Request.Context(), &fp); err != nil {
		respondError(c, &services.CollaboratorError{Collaborator: "store", Err: err})
		return
	}
	c.JSON(http.StatusCreated, toFeederPointResponse(fp))
}

func (h *Handler) UpdateFeederPoint(c *gin.Context) {
	var in feederPointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	fp, err := h.Store.GetFeederPoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, &services.NotFoundError{Kind: "feeder point", ID: id})
			return
		}
		respondError(c, &services.CollaboratorError{Collaborator: "store", Err: err})
		return
	}
	if err := in.apply(&fp); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Store.SaveFeederPoint(ctx, &fp); err != nil {
		respondError(c, &services.CollaboratorError{Collaborator: "store", Err: err})
		return
	}
	c.JSON(http.StatusOK, toFeederPointResponse(fp))
}

type workerInput struct {
	ID            string `json:"id"`
	Name          string `json:"name" binding:"required"`
	Role          string `json:"role"`
	Phone         string `json:"phone"`
	FeederPointID string `json:"feeder_point_id"`
	ContractorID  string `json:"contractor_id"`
	Active        *bool  `json:"active"`
}

// CreateWorker registers (or, with an existing id, replaces) a worker.
func (h *Handler) CreateWorker(c *gin.Context) {
	var in workerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	w := models.Worker{
		ID:            strings.TrimSpace(in.ID),
		Name:          strings.TrimSpace(in.Name),
		Role:          in.Role,
		Phone:         in.Phone,
		FeederPointID: in.FeederPointID,
		ContractorID:  in.ContractorID,
		Active:        in.Active == nil || *in.Active,
	}
	if err := h.Store.SaveWorker(c.Request.Context(), &w); err != nil {
		respondError(c, &services.CollaboratorError{Collaborator: "store", Err: err})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
