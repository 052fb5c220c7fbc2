package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedsync/auth"
	"feedsync/repository"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T) (*auth.Service, *auth.Session) {
	t.Helper()
	svc := auth.NewService(auth.NewStoreProvider(repository.NewMemoryStore()), "test-secret", time.Hour)
	session, err := svc.SignUp(context.Background(), auth.SignUpRequest{
		Email:    "viewer@example.com",
		Password: "secret-password",
		Username: "viewer_one",
	})
	require.NoError(t, err)
	return svc, session
}

func viewerRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/whoami", func(c *gin.Context) {
		v := Viewer(c)
		c.JSON(http.StatusOK, gin.H{
			"user_id":  v.UserID,
			"from_ctx": auth.ViewerFrom(c.Request.Context()).UserID,
			"token":    c.GetString(TokenKey),
		})
	})
	return r
}

func get(r *gin.Engine, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	svc, session := newAuthService(t)
	r := viewerRouter(AuthMiddleware(svc))

	w := get(r, "/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/whoami", "Bearer broken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/whoami", "Bearer "+session.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"`+session.User.ID+`"`)
	assert.Contains(t, w.Body.String(), `"from_ctx":"`+session.User.ID+`"`)

	// WebSocket-клиенты передают токен в query
	w = get(r, "/whoami?token="+session.Token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	svc, session := newAuthService(t)
	r := viewerRouter(OptionalAuthMiddleware(svc))

	w := get(r, "/whoami", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":""`)

	w = get(r, "/whoami", "Bearer broken")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":""`)

	w = get(r, "/whoami", "Bearer "+session.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"token":"`+session.Token+`"`)
}

func TestPrometheusMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware("feedsync_test"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := get(r, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = get(r, "/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
