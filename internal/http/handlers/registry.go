package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atm_fieldops/backend/internal/models"
)

type EngineerRequest struct {
	Name             string   `json:"name" validate:"required,max=128"`
	Lat              *float64 `json:"lat" validate:"omitempty,min=-90,max=90"`
	Lng              *float64 `json:"lng" validate:"omitempty,min=-180,max=180"`
	FirstTimeFixRate float64  `json:"firstTimeFixRate" validate:"min=0,max=1"`
	Status           string   `json:"status" validate:"omitempty,oneof=available on_break"`
}

type PositionRequest struct {
	Lat *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng *float64 `json:"lng" validate:"required,min=-180,max=180"`
}

type AvailabilityRequest struct {
	Status string `json:"status" validate:"required,oneof=available on_break"`
}

type MachineRequest struct {
	ID       string   `json:"id" validate:"required,max=64"`
	Name     string   `json:"name" validate:"max=128"`
	BranchID string   `json:"branchId" validate:"max=64"`
	Address  string   `json:"address" validate:"max=512"`
	Lat      *float64 `json:"lat" validate:"required_with=Lng,omitempty,min=-90,max=90"`
	Lng      *float64 `json:"lng" validate:"required_with=Lat,omitempty,min=-180,max=180"`
}

// @Summary List engineers
// @Tags engineers
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/engineers [get]
func (h *Handler) EngineersList(c *gin.Context) {
	items, err := h.Service.ListEngineers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Create or update an engineer
// @Description Busy status and the ongoing task are owned by assignment and are kept as stored.
// @Tags engineers
// @Accept json
// @Produce json
// @Param id path string true "Engineer ID"
// @Param body body EngineerRequest true "Engineer"
// @Success 200 {object} models.Engineer
// @Router /api/engineers/{id} [put]
func (h *Handler) EngineerUpsert(c *gin.Context) {
	var req EngineerRequest
	if !h.bind(c, &req) {
		return
	}
	e := models.Engineer{
		ID:               strings.TrimSpace(c.Param("id")),
		Name:             strings.TrimSpace(req.Name),
		Status:           models.EngineerStatus(req.Status),
		FirstTimeFixRate: req.FirstTimeFixRate,
	}
	if req.Lat != nil && req.Lng != nil {
		e.Lat, e.Lng = *req.Lat, *req.Lng
	}
	out, err := h.Service.UpsertEngineer(c.Request.Context(), e)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Report engineer position
// @Tags engineers
// @Accept json
// @Produce json
// @Param id path string true "Engineer ID"
// @Param body body PositionRequest true "Position"
// @Success 200 {object} models.Engineer
// @Router /api/engineers/{id}/position [patch]
func (h *Handler) EngineerPosition(c *gin.Context) {
	var req PositionRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.UpdateEngineerPosition(c.Request.Context(), c.Param("id"), models.Position{Lat: *req.Lat, Lng: *req.Lng})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Set engineer availability
// @Tags engineers
// @Accept json
// @Produce json
// @Param id path string true "Engineer ID"
// @Param body body AvailabilityRequest true "Availability"
// @Success 200 {object} models.Engineer
// @Router /api/engineers/{id}/availability [patch]
func (h *Handler) EngineerAvailability(c *gin.Context) {
	var req AvailabilityRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.SetEngineerAvailability(c.Request.Context(), c.Param("id"), models.EngineerStatus(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary List machines
// @Tags machines
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/machines [get]
func (h *Handler) MachinesList(c *gin.Context) {
	items, err := h.Service.ListMachines(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Register a machine
// @Description Missing coordinates are resolved from the address when a geocoder is configured.
// @Tags machines
// @Accept json
// @Produce json
// @Param body body MachineRequest true "Machine"
// @Success 201 {object} models.Machine
// @Router /api/machines [post]
func (h *Handler) MachineRegister(c *gin.Context) {
	var req MachineRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.RegisterMachine(c.Request.Context(), models.Machine{
		ID:       strings.TrimSpace(req.ID),
		Name:     strings.TrimSpace(req.Name),
		BranchID: strings.TrimSpace(req.BranchID),
		Address:  strings.TrimSpace(req.Address),
		Lat:      req.Lat,
		Lng:      req.Lng,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}
