package routes

import (
	"feedsync/api/handlers"
	"feedsync/api/middleware"
	"feedsync/auth"

	"github.com/gin-gonic/gin"
)

// PublicApi - страницы, доступные без входа. С токеном зритель известен
func PublicApi(router *gin.Engine, authService *auth.Service) *gin.RouterGroup {
	publicEndpoints := router.Group("/api/v1/")
	publicEndpoints.Use(middleware.OptionalAuthMiddleware(authService))
	{
		publicEndpoints.POST("auth/signup", handlers.SignUp)
		publicEndpoints.POST("auth/signin", handlers.SignIn)

		publicEndpoints.GET("", handlers.GetFeed)
		publicEndpoints.GET("explore", handlers.Explore)
		publicEndpoints.GET("search", handlers.UserSearch)
		publicEndpoints.GET("post/:id", handlers.GetPost)
		publicEndpoints.GET("profile/:username", handlers.GetProfile)
	}
	return publicEndpoints
}
