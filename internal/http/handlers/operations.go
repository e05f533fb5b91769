package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/service"
)

type DispatchRequest struct {
	TicketID    string `json:"ticketId" validate:"max=64"`
	MachineID   string `json:"machineId" validate:"required_without=TicketID,max=64"`
	Origin      string `json:"origin" validate:"omitempty,oneof=system customer branch_staff"`
	Category    string `json:"category" validate:"omitempty,max=32"`
	Severity    string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Description string `json:"description" validate:"max=2000"`
}

type AlertRequest struct {
	MachineID string `json:"machineId" validate:"required,max=64"`
	Category  string `json:"category" validate:"omitempty,max=32"`
	Severity  string `json:"severity" validate:"omitempty,max=16"`
	Message   string `json:"message" validate:"max=2000"`
}

type FinalizeRequest struct {
	Summary   string   `json:"summary" validate:"max=4000"`
	PartsUsed []string `json:"partsUsed" validate:"max=100,dive,max=128"`
}

type EscalateRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type ReassignRequest struct {
	EngineerID string `json:"engineerId" validate:"required,max=64"`
}

type AssignRequest struct {
	TicketID string `json:"ticketId" validate:"required,max=64"`
}

// @Summary Dispatch an engineer
// @Description Creates a ticket for the machine (or takes an existing OPEN one) and assigns the best ranked available engineer.
// @Tags operations
// @Accept json
// @Produce json
// @Param body body DispatchRequest true "Dispatch"
// @Success 201 {object} service.DispatchResult
// @Failure 503 {object} map[string]any
// @Router /api/dispatch [post]
func (h *Handler) Dispatch(c *gin.Context) {
	var req DispatchRequest
	if !h.bind(c, &req) {
		return
	}
	origin := models.Origin(req.Origin)
	if origin == "" {
		origin = models.OriginCustomer
	}
	res, err := h.Service.Dispatch(c.Request.Context(), models.DispatchRequest{
		TicketID:    strings.TrimSpace(req.TicketID),
		MachineID:   strings.TrimSpace(req.MachineID),
		Origin:      origin,
		Category:    models.IssueCategory(strings.ToUpper(req.Category)),
		Severity:    models.Severity(req.Severity),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Summary Ingest a machine alert
// @Tags operations
// @Accept json
// @Produce json
// @Param body body AlertRequest true "Alert"
// @Success 201 {object} service.DispatchResult
// @Router /api/alerts [post]
func (h *Handler) Alert(c *gin.Context) {
	var req AlertRequest
	if !h.bind(c, &req) {
		return
	}
	dr, err := service.DispatchRequestFromAlert(models.Alert{
		MachineID: req.MachineID,
		Category:  models.IssueCategory(strings.ToUpper(req.Category)),
		Severity:  models.Severity(strings.ToUpper(req.Severity)),
		Message:   req.Message,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Service.Dispatch(c.Request.Context(), dr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Summary Finalize a ticket
// @Description Requires proof, branch confirmation and IN_PROGRESS status. Releases the engineer.
// @Tags operations
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body FinalizeRequest false "Resolution"
// @Success 200 {object} models.Ticket
// @Failure 412 {object} map[string]any
// @Router /api/tickets/{id}/finalize [post]
func (h *Handler) Finalize(c *gin.Context) {
	var req FinalizeRequest
	if c.Request.ContentLength != 0 && !h.bind(c, &req) {
		return
	}
	out, err := h.Service.Finalize(c.Request.Context(), c.Param("id"), req.Summary, req.PartsUsed)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Escalate a ticket
// @Tags operations
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body EscalateRequest true "Reason"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/escalate [post]
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.Escalate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Close a ticket
// @Tags operations
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/close [post]
func (h *Handler) Close(c *gin.Context) {
	out, err := h.Service.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Reassign a ticket
// @Tags operations
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body ReassignRequest true "Engineer"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/reassign [post]
func (h *Handler) Reassign(c *gin.Context) {
	var req ReassignRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.Reassign(c.Request.Context(), c.Param("id"), req.EngineerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Assign an engineer to a ticket
// @Tags operations
// @Accept json
// @Produce json
// @Param id path string true "Engineer ID"
// @Param body body AssignRequest true "Ticket"
// @Success 200 {object} models.Ticket
// @Router /api/engineers/{id}/assign [post]
func (h *Handler) AssignEngineer(c *gin.Context) {
	var req AssignRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.AssignEngineer(c.Request.Context(), c.Param("id"), req.TicketID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Release an engineer
// @Description Refused while the engineer still holds an ASSIGNED or IN_PROGRESS ticket.
// @Tags operations
// @Produce json
// @Param id path string true "Engineer ID"
// @Success 200 {object} models.Engineer
// @Failure 412 {object} map[string]any
// @Router /api/engineers/{id}/release [post]
func (h *Handler) ReleaseEngineer(c *gin.Context) {
	out, err := h.Service.ReleaseEngineer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Recent audit events
// @Tags operations
// @Produce json
// @Param count query int false "How many, newest first"
// @Success 200 {object} map[string]any
// @Router /api/events [get]
func (h *Handler) EventsRecent(c *gin.Context) {
	count := queryInt(c, "count", 50)
	if count == 0 || count > 500 {
		count = 50
	}
	if h.Feed == nil {
		c.JSON(http.StatusOK, gin.H{"items": []any{}})
		return
	}
	items, err := h.Feed.Recent(c.Request.Context(), int64(count))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Event stream unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
