package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gossiphub/internal/models"
	"gossiphub/internal/services"
)

type ChatHandler struct {
	chats    *services.ChatService
	messages *services.MessageService
}

type accessRoomRequest struct {
	PeerID  string   `json:"peerId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type sendMessageRequest struct {
	Content   string             `json:"content" binding:"required"`
	Type      models.MessageType `json:"type"`
	Ephemeral bool               `json:"ephemeral"`
	FileName  string             `json:"fileName"`
}

func NewChatHandler(chats *services.ChatService, messages *services.MessageService) *ChatHandler {
	return &ChatHandler{chats: chats, messages: messages}
}

// @Summary      Rooms of the current user
// @Tags         Rooms
// @Produce      json
// @Success      200  {array}   models.ChatRoom
// @Failure      401  {object}  map[string]string
// @Router       /rooms [get]
func (h *ChatHandler) ListRooms(c *gin.Context) {
	rooms, err := h.chats.ListUserRooms(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if rooms == nil {
		rooms = []*models.ChatRoom{}
	}
	c.JSON(http.StatusOK, rooms)
}

// @Summary      Open a direct room or create a group
// @Description  With peerId returns (or creates) the direct room with that user. With name and members creates a group.
// @Tags         Rooms
// @Accept       json
// @Produce      json
// @Param        body  body      accessRoomRequest  true  "Peer or group"
// @Success      200   {object}  models.ChatRoom
// @Failure      400   {object}  map[string]string
// @Router       /rooms/access [post]
func (h *ChatHandler) AccessRoom(c *gin.Context) {
	var req accessRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		room *models.ChatRoom
		err  error
	)
	if req.PeerID != "" {
		room, err = h.chats.Access(c.Request.Context(), currentUser(c), req.PeerID)
	} else {
		room, err = h.chats.CreateGroup(c.Request.Context(), currentUser(c), req.Name, req.Members)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// @Summary      Room timeline
// @Tags         Messages
// @Produce      json
// @Param        id      path   string  true   "Room ID"
// @Param        limit   query  int     false  "Page size (default 50)"
// @Param        offset  query  int     false  "Offset"
// @Success      200     {array}   models.ChatMessage
// @Failure      403     {object}  map[string]string
// @Router       /rooms/{id}/messages [get]
func (h *ChatHandler) ListMessages(c *gin.Context) {
	msgs, err := h.messages.History(c.Request.Context(), currentUser(c), c.Param("id"), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

// @Summary      Search text messages of a room
// @Tags         Messages
// @Produce      json
// @Param        id  path   string  true  "Room ID"
// @Param        q   query  string  true  "Case-insensitive substring"
// @Success      200 {array}   models.ChatMessage
// @Failure      400 {object}  map[string]string
// @Router       /rooms/{id}/messages/search [get]
func (h *ChatHandler) SearchMessages(c *gin.Context) {
	msgs, err := h.messages.Search(c.Request.Context(), currentUser(c), c.Param("id"), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

// @Summary      Send a message over REST
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        id    path  string              true  "Room ID"
// @Param        body  body  sendMessageRequest  true  "Message"
// @Success      201   {object}  models.ChatMessage
// @Failure      403   {object}  map[string]string
// @Router       /rooms/{id}/messages [post]
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), services.SendInput{
		Sender:    currentUser(c),
		RoomID:    c.Param("id"),
		Content:   req.Content,
		Type:      req.Type,
		Ephemeral: req.Ephemeral,
		FileName:  req.FileName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// @Summary      Delete an own message
// @Tags         Messages
// @Param        id  path  string  true  "Message ID"
// @Success      204
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /messages/{id} [delete]
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
