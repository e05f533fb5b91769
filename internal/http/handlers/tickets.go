package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/service"
)

type CreateTicketRequest struct {
	MachineID   string `json:"machineId" validate:"required,max=64"`
	EngineerID  string `json:"engineerId" validate:"max=64"`
	Origin      string `json:"origin" validate:"omitempty,oneof=system customer branch_staff"`
	Category    string `json:"category" validate:"omitempty,max=32"`
	Severity    string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Description string `json:"description" validate:"max=2000"`
}

type ArrivalRequest struct {
	Lat      *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng      *float64 `json:"lng" validate:"required,min=-180,max=180"`
	Override bool     `json:"override"`
}

type VerificationRequest struct {
	Code string `json:"code" validate:"max=32"`
}

type ProofURLRequest struct {
	URL string `json:"url" validate:"required,max=1024"`
}

type BranchConfirmationRequest struct {
	ConfirmedBy string `json:"confirmedBy" validate:"required,max=128"`
}

type StageResponse struct {
	TicketID string              `json:"ticketId"`
	Status   models.TicketStatus `json:"status"`
	Stage    service.Stage       `json:"stage"`
	Step     int                 `json:"step"`
}

// @Summary List tickets
// @Tags tickets
// @Produce json
// @Param status query string false "Ticket status"
// @Param machineId query string false "Machine ID"
// @Param engineerId query string false "Engineer ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} map[string]any
// @Router /api/tickets [get]
func (h *Handler) TicketsList(c *gin.Context) {
	f := models.TicketFilter{
		Status:     models.TicketStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		MachineID:  strings.TrimSpace(c.Query("machineId")),
		EngineerID: strings.TrimSpace(c.Query("engineerId")),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown status", string(f.Status))
		return
	}
	items, err := h.Service.ListTickets(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": f.Limit, "offset": f.Offset})
}

// @Summary Create ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Param body body CreateTicketRequest true "Ticket"
// @Success 201 {object} models.Ticket
// @Router /api/tickets [post]
func (h *Handler) TicketCreate(c *gin.Context) {
	var req CreateTicketRequest
	if !h.bind(c, &req) {
		return
	}
	t := models.Ticket{
		MachineID:   strings.TrimSpace(req.MachineID),
		Origin:      models.Origin(req.Origin),
		Category:    models.IssueCategory(strings.ToUpper(req.Category)),
		Severity:    models.Severity(req.Severity),
		Description: strings.TrimSpace(req.Description),
	}
	if id := strings.TrimSpace(req.EngineerID); id != "" {
		t.EngineerID = &id
		t.Status = models.StatusAssigned
	}
	out, err := h.Service.CreateTicket(c.Request.Context(), t)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// @Summary Ticket details
// @Tags tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} map[string]any
// @Router /api/tickets/{id} [get]
func (h *Handler) TicketDetails(c *gin.Context) {
	out, err := h.Service.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Patch ticket
// @Description Merge a partial update. Sub-records are merged field by field; "version" enables optimistic concurrency.
// @Description Arrival, verification, proof, branch confirmation and the IN_PROGRESS/RESOLVED statuses go through their own actions and return 412 here.
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body models.TicketPatch true "Patch"
// @Success 200 {object} models.Ticket
// @Failure 409 {object} map[string]any
// @Failure 412 {object} map[string]any
// @Router /api/tickets/{id} [patch]
func (h *Handler) TicketPatch(c *gin.Context) {
	var p models.TicketPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if p.ExpectedVersion == nil {
		if v, err := strconv.ParseInt(strings.Trim(c.GetHeader("If-Match"), `"`), 10, 64); err == nil {
			p.ExpectedVersion = &v
		}
	}
	out, err := h.Service.PatchTicket(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Ticket stage
// @Tags tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Param localVerified query bool false "Caller has already seen the code accepted"
// @Success 200 {object} StageResponse
// @Router /api/tickets/{id}/stage [get]
func (h *Handler) TicketStage(c *gin.Context) {
	t, err := h.Service.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	local, _ := strconv.ParseBool(c.Query("localVerified"))
	st := service.ProjectStage(t, local)
	c.JSON(http.StatusOK, StageResponse{TicketID: t.ID, Status: t.Status, Stage: st, Step: int(st)})
}

// @Summary Confirm arrival
// @Tags field
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body ArrivalRequest true "Engineer position"
// @Success 200 {object} service.ArrivalResult
// @Router /api/tickets/{id}/arrival [post]
func (h *Handler) Arrival(c *gin.Context) {
	var req ArrivalRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Service.ConfirmArrival(c.Request.Context(), c.Param("id"), models.Position{Lat: *req.Lat, Lng: *req.Lng}, req.Override)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Submit verification code
// @Description Mismatched or incomplete codes return 200 with the result and change nothing.
// @Tags field
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body VerificationRequest true "Code entered by the branch"
// @Success 200 {object} service.VerificationOutcome
// @Router /api/tickets/{id}/verification [post]
func (h *Handler) Verification(c *gin.Context) {
	var req VerificationRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Service.SubmitVerificationCode(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Attach proof of work
// @Description Either a multipart "file" image or a JSON body with an already stored url.
// @Tags field
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param file formData file false "Proof image"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/proof [post]
func (h *Handler) Proof(c *gin.Context) {
	id := c.Param("id")
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req ProofURLRequest
		if !h.bind(c, &req) {
			return
		}
		out, err := h.Service.AttachProofURL(c.Request.Context(), id, req.URL)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "file required", nil)
		return
	}
	if h.MaxUploadBytes > 0 && fh.Size > h.MaxUploadBytes {
		writeError(c, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Proof image too large", fh.Size)
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable file", err.Error())
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable file", err.Error())
			return
		}
	}

	out, err := h.Service.AttachProof(c.Request.Context(), id, service.ProofUpload{
		FileName:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Branch confirms completion
// @Tags field
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param body body BranchConfirmationRequest true "Confirmation"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/branch-confirmation [post]
func (h *Handler) BranchConfirmation(c *gin.Context) {
	var req BranchConfirmationRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Service.ConfirmCompletion(c.Request.Context(), c.Param("id"), req.ConfirmedBy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
