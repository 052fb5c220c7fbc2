package routes

import (
	"feedsync/api/handlers"
	"feedsync/api/middleware"
	"feedsync/auth"

	"github.com/gin-gonic/gin"
)

// PrivateApi - действия от имени пользователя, нужен Bearer токен
func PrivateApi(router *gin.Engine, authService *auth.Service) *gin.RouterGroup {
	privateEndpoints := router.Group("/api/v1/")
	privateEndpoints.Use(middleware.AuthMiddleware(authService))
	{
		privateEndpoints.POST("auth/signout", handlers.SignOut)
		privateEndpoints.POST("auth/refresh", handlers.RefreshSession)
		privateEndpoints.GET("auth/session", handlers.CurrentSession)

		privateEndpoints.GET("profile", handlers.GetProfile)
		privateEndpoints.PATCH("profile", handlers.UpdateProfile)
		privateEndpoints.GET("notifications", handlers.Notifications)
		privateEndpoints.POST("create", handlers.CreatePost)
		privateEndpoints.GET("saved", handlers.ListSaved)

		// Пост
		privateEndpoints.DELETE("post/:id", handlers.DeletePost)
		privateEndpoints.POST("post/:id/like", handlers.ToggleLike)
		privateEndpoints.POST("post/:id/comments", handlers.AddComment)
		privateEndpoints.DELETE("post/:id/comments/:comment_id", handlers.DeleteComment)
		privateEndpoints.POST("post/:id/save", handlers.ToggleSave)

		// Диалоги
		privateEndpoints.GET("messages", handlers.ListConversations)
		privateEndpoints.POST("messages", handlers.StartConversation)
		privateEndpoints.GET("messages/:id", handlers.GetMessages)
		privateEndpoints.POST("messages/:id", handlers.SendMessage)
		privateEndpoints.POST("messages/:id/read", handlers.MarkRead)
		privateEndpoints.GET("messages/:id/reactions/:message_id", handlers.GetReactions)
		privateEndpoints.POST("messages/:id/reactions/:message_id", handlers.ToggleReaction)

		privateEndpoints.GET("ws", handlers.WSHandler)
	}
	return privateEndpoints
}
