package handlers

import (
	"net/http"

	"feedsync/api/middleware"
	"feedsync/models"
	"feedsync/services"

	"github.com/gin-gonic/gin"
)

// GetProfile - /profile для своего профиля, /profile/:username для чужого
func GetProfile(c *gin.Context) {
	page, err := deps.Posts.ProfileByUsername(c.Request.Context(), middleware.Viewer(c), c.Param("username"))
	if err != nil {
		writeError(c, err, "Failed to get profile")
		return
	}
	c.JSON(http.StatusOK, page)
}

func UpdateProfile(c *gin.Context) {
	var upd models.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	profile, err := deps.Posts.UpdateProfile(c.Request.Context(), middleware.Viewer(c), upd)
	if err != nil {
		writeError(c, err, "Failed to update profile")
		return
	}
	c.JSON(http.StatusOK, profile)
}

func UserSearch(c *gin.Context) {
	profiles, err := deps.Posts.SearchProfiles(c.Request.Context(), c.Query("q"), queryLimit(c, services.DEFAULT_PAGE))
	if err != nil {
		writeError(c, err, "Failed to search profiles")
		return
	}

	users := make([]models.ProfileSummary, 0, len(profiles))
	for _, p := range profiles {
		users = append(users, p.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
