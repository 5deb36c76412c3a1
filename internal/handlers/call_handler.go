package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gossiphub/internal/models"
	"gossiphub/internal/pdf"
	"gossiphub/internal/services"
)

type CallHandler struct {
	calls  *services.CallService
	report pdf.Generator
}

type createCallRequest struct {
	CalleeID  string           `json:"calleeId" binding:"required"`
	MediaKind models.MediaKind `json:"mediaKind"`
	RoomID    string           `json:"roomId" binding:"required"`
}

type updateCallStatusRequest struct {
	Status   models.CallStatus `json:"status" binding:"required"`
	Duration int               `json:"duration"`
}

func NewCallHandler(calls *services.CallService, report pdf.Generator) *CallHandler {
	return &CallHandler{calls: calls, report: report}
}

// @Summary      Create a call record
// @Description  Stores a ringing session without ringing the callee.
// @Tags         Calls
// @Accept       json
// @Produce      json
// @Param        body  body      createCallRequest  true  "Call"
// @Success      201   {object}  models.CallSession
// @Failure      403   {object}  map[string]string
// @Router       /calls [post]
func (h *CallHandler) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call, err := h.calls.CreateRecord(c.Request.Context(), currentUser(c), req.CalleeID, req.MediaKind, req.RoomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

// @Summary      Move a call to a new status
// @Tags         Calls
// @Accept       json
// @Produce      json
// @Param        id    path  string                   true  "Session ID"
// @Param        body  body  updateCallStatusRequest  true  "Status"
// @Success      200   {object}  models.CallSession
// @Failure      409   {object}  map[string]string
// @Router       /calls/{id}/status [put]
func (h *CallHandler) UpdateStatus(c *gin.Context) {
	var req updateCallStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call, err := h.calls.UpdateStatus(c.Request.Context(), currentUser(c), c.Param("id"), req.Status, req.Duration)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// @Summary      Call history, newest first
// @Tags         Calls
// @Produce      json
// @Param        limit  query  int  false  "Max entries (default 20)"
// @Success      200    {array}  models.CallSession
// @Router       /calls/history [get]
func (h *CallHandler) History(c *gin.Context) {
	calls, err := h.calls.History(c.Request.Context(), currentUser(c), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	if calls == nil {
		calls = []*models.CallSession{}
	}
	c.JSON(http.StatusOK, calls)
}

// @Summary      Call history as PDF
// @Tags         Calls
// @Produce      application/pdf
// @Param        limit  query  int  false  "Max entries (default 20)"
// @Success      200
// @Router       /calls/history/export [get]
func (h *CallHandler) ExportHistory(c *gin.Context) {
	user := currentUser(c)
	calls, err := h.calls.History(c.Request.Context(), user, queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := h.report.WriteCallHistory(&buf, pdf.CallHistoryData{Identity: user, Calls: calls, GeneratedAt: time.Now()}); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="calls_%s.pdf"`, time.Now().Format("20060102")))
	c.Data(http.StatusOK, "application/pdf", buf.Bytes())
}
