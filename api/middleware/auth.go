package middleware

import (
	"net/http"
	"strings"

	"feedsync/auth"

	"github.com/gin-gonic/gin"
)

const (
	ViewerKey = "viewer"
	TokenKey  = "token"
)

// bearerToken - токен из Authorization: Bearer, для WebSocket еще и ?token=
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}

func setViewer(c *gin.Context, token string, viewer auth.Viewer) {
	c.Set(ViewerKey, viewer)
	c.Set("user_id", viewer.UserID)
	c.Set(TokenKey, token)
	c.Request = c.Request.WithContext(auth.WithViewer(c.Request.Context(), viewer))
}

// AuthMiddleware пропускает только запросы с действующей сессией
func AuthMiddleware(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required: provide Authorization Bearer token"})
			c.Abort()
			return
		}
		session, err := svc.Session(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}
		setViewer(c, token, session.Viewer())
		c.Next()
	}
}

// OptionalAuthMiddleware - без токена или с неверным токеном запрос идет как аноним
func OptionalAuthMiddleware(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if session, err := svc.Session(c.Request.Context(), token); err == nil {
				setViewer(c, token, session.Viewer())
			}
		}
		c.Next()
	}
}

// Viewer - текущий пользователь запроса, аноним если сессии нет
func Viewer(c *gin.Context) auth.Viewer {
	if v, ok := c.Get(ViewerKey); ok {
		if viewer, ok := v.(auth.Viewer); ok {
			return viewer
		}
	}
	return auth.Anonymous()
}
