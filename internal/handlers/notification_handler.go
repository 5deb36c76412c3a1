package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gossiphub/internal/models"
	"gossiphub/internal/services"
)

type NotificationHandler struct {
	notes *services.NotificationService
}

type markReadRequest struct {
	ID string `json:"id"`
}

type targetRequest struct {
	Email          string `json:"email"`
	TelegramChatID int64  `json:"telegramChatId"`
}

func NewNotificationHandler(notes *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{notes: notes}
}

// @Summary      Notifications of the current user, newest first
// @Tags         Notifications
// @Produce      json
// @Success      200  {array}  models.Notification
// @Router       /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	list, err := h.notes.List(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

// @Summary      Mark one notification read, or all when id is empty
// @Tags         Notifications
// @Accept       json
// @Produce      json
// @Param        body  body  markReadRequest  false  "Notification"
// @Success      200   {object}  map[string]int64
// @Failure      404   {object}  map[string]string
// @Router       /notifications/read [put]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	n, err := h.notes.MarkRead(c.Request.Context(), currentUser(c), req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// @Summary      Delete a notification
// @Tags         Notifications
// @Param        id  path  string  true  "Notification ID"
// @Success      204
// @Failure      404  {object}  map[string]string
// @Router       /notifications/{id} [delete]
func (h *NotificationHandler) Delete(c *gin.Context) {
	if err := h.notes.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary      Set where offline notifications are forwarded
// @Tags         Notifications
// @Accept       json
// @Produce      json
// @Param        body  body      targetRequest  true  "Addresses"
// @Success      200   {object}  models.NotificationTarget
// @Failure      400   {object}  map[string]string
// @Router       /notifications/target [put]
func (h *NotificationHandler) SetTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.notes.SetTarget(c.Request.Context(), currentUser(c), req.Email, req.TelegramChatID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
