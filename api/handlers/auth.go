package handlers

import (
	"net/http"

	"feedsync/api/middleware"
	"feedsync/auth"

	"github.com/gin-gonic/gin"
)

type SignInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func SignUp(c *gin.Context) {
	var req auth.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	session, err := deps.Auth.SignUp(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "Failed to sign up")
		return
	}
	c.JSON(http.StatusCreated, session)
}

func SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	session, err := deps.Auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err, "Failed to sign in")
		return
	}
	c.JSON(http.StatusOK, session)
}

func SignOut(c *gin.Context) {
	if err := deps.Auth.SignOut(c.Request.Context(), c.GetString(middleware.TokenKey)); err != nil {
		writeError(c, err, "Failed to sign out")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
}

// RefreshSession выдает новый токен вместо текущего
func RefreshSession(c *gin.Context) {
	session, err := deps.Auth.Refresh(c.Request.Context(), c.GetString(middleware.TokenKey))
	if err != nil {
		writeError(c, err, "Failed to refresh session")
		return
	}
	c.JSON(http.StatusOK, session)
}

func CurrentSession(c *gin.Context) {
	session, err := deps.Auth.Session(c.Request.Context(), c.GetString(middleware.TokenKey))
	if err != nil {
		writeError(c, err, "Failed to read session")
		return
	}
	c.JSON(http.StatusOK, session)
}
