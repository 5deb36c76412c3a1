package routes

import (
	"github.com/gin-gonic/gin"

	"gossiphub/internal/handlers"
	"gossiphub/internal/middleware"
)

func SetupRoutes(
	r *gin.Engine,
	auth *middleware.Authenticator,
	chatHandler *handlers.ChatHandler,
	callHandler *handlers.CallHandler,
	notificationHandler *handlers.NotificationHandler,
	realtimeHandler *handlers.RealtimeHandler,
) *gin.Engine {

	// ---- websocket: authenticates itself so a bad token is refused before upgrade
	r.GET("/ws", realtimeHandler.Serve)

	// ---- protected
	api := r.Group("/")
	api.Use(middleware.AuthMiddleware(auth))

	// ROOMS
	rooms := api.Group("/rooms")
	{
		rooms.GET("", chatHandler.ListRooms)
		rooms.POST("/access", chatHandler.AccessRoom)
		rooms.GET("/:id/messages", chatHandler.ListMessages)
		rooms.GET("/:id/messages/search", chatHandler.SearchMessages)
		rooms.POST("/:id/messages", chatHandler.SendMessage)
	}

	// MESSAGES
	api.DELETE("/messages/:id", chatHandler.DeleteMessage)

	// CALLS
	calls := api.Group("/calls")
	{
		calls.POST("", callHandler.CreateCall)
		calls.PUT("/:id/status", callHandler.UpdateStatus)
		calls.GET("/history", callHandler.History)
		calls.GET("/history/export", callHandler.ExportHistory)
	}

	// NOTIFICATIONS
	notifications := api.Group("/notifications")
	{
		notifications.GET("", notificationHandler.List)
		notifications.PUT("/read", notificationHandler.MarkRead)
		notifications.PUT("/target", notificationHandler.SetTarget)
		notifications.DELETE("/:id", notificationHandler.Delete)
	}

	return r
}
