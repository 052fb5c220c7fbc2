package handlers

import (
	"net/http"
	"time"

	"feedsync/api/middleware"
	"feedsync/models"
	"feedsync/services"

	"github.com/gin-gonic/gin"
)

// PostDetails - пост со всем, что видит конкретный зритель
type PostDetails struct {
	Post         models.Post                `json:"post"`
	Interactions services.InteractionState `json:"interactions"`
	Saved        bool                       `json:"saved"`
}

// GetFeed - лента, курсор before в RFC3339 из предыдущего ответа
func GetFeed(c *gin.Context) {
	var before *time.Time
	if beforeStr := c.Query("before"); beforeStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid before cursor"})
			return
		}
		before = &parsed
	}

	feed, err := deps.Posts.Feed(c.Request.Context(), before, queryLimit(c, services.DEFAULT_PAGE))
	if err != nil {
		writeError(c, err, "Failed to get feed")
		return
	}
	c.JSON(http.StatusOK, feed)
}

func Explore(c *gin.Context) {
	posts, err := deps.Posts.Explore(c.Request.Context(), middleware.Viewer(c), queryLimit(c, services.DEFAULT_PAGE))
	if err != nil {
		writeError(c, err, "Failed to get explore posts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// CreatePost принимает multipart с файлом image или JSON с image_url
func CreatePost(c *gin.Context) {
	var req struct {
		ImageURL string `json:"image_url" form:"image_url"`
		Caption  string `json:"caption" form:"caption"`
		Location string `json:"location" form:"location"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	in := services.NewPostInput{ImageURL: req.ImageURL, Caption: req.Caption, Location: req.Location}
	if file, err := c.FormFile("image"); err == nil {
		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
			return
		}
		defer src.Close()
		in.Media = src
		in.MediaName = file.Filename
	}

	post, err := deps.Posts.CreatePost(c.Request.Context(), middleware.Viewer(c), in)
	if err != nil {
		writeError(c, err, "Failed to create post")
		return
	}
	c.JSON(http.StatusCreated, post)
}

func GetPost(c *gin.Context) {
	ctx := c.Request.Context()
	post, err := deps.Posts.GetPost(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to get post")
		return
	}

	viewer := middleware.Viewer(c)
	interactions := services.NewPostInteractions(deps.Store, nil, viewer, post.ID, post.LikesCount)
	defer interactions.Close()
	interactions.Load(ctx)

	saved := services.NewSavedPost(deps.Store, viewer, post.ID)
	defer saved.Close()
	saved.Load(ctx)

	c.JSON(http.StatusOK, PostDetails{Post: *post, Interactions: interactions.State(), Saved: saved.Saved()})
}

// postInteractions открывает синхронизатор поста на время запроса
func postInteractions(c *gin.Context) (*services.PostInteractions, bool) {
	post, err := deps.Posts.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to get post")
		return nil, false
	}
	s := services.NewPostInteractions(deps.Store, nil, middleware.Viewer(c), post.ID, post.LikesCount)
	s.Load(c.Request.Context())
	return s, true
}

func ToggleLike(c *gin.Context) {
	s, ok := postInteractions(c)
	if !ok {
		return
	}
	defer s.Close()
	c.JSON(http.StatusOK, s.ToggleLike(c.Request.Context()))
}

func AddComment(c *gin.Context) {
	var req struct {
		Content  string `json:"content" binding:"required"`
		ParentID string `json:"parent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	s, ok := postInteractions(c)
	if !ok {
		return
	}
	defer s.Close()

	comment := s.AddComment(c.Request.Context(), req.Content, req.ParentID)
	if comment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Comment is empty"})
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func DeleteComment(c *gin.Context) {
	s, ok := postInteractions(c)
	if !ok {
		return
	}
	defer s.Close()

	if !s.DeleteComment(c.Request.Context(), c.Param("comment_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Comment not found"})
		return
	}
	c.JSON(http.StatusOK, s.State())
}

func ToggleSave(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := deps.Posts.GetPost(ctx, c.Param("id")); err != nil {
		writeError(c, err, "Failed to get post")
		return
	}

	saved := services.NewSavedPost(deps.Store, middleware.Viewer(c), c.Param("id"))
	defer saved.Close()
	saved.Load(ctx)
	if err := saved.ToggleSave(ctx); err != nil {
		writeError(c, err, "Failed to save post")
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved.Saved()})
}

func DeletePost(c *gin.Context) {
	if err := deps.Posts.DeletePost(c.Request.Context(), middleware.Viewer(c), c.Param("id")); err != nil {
		writeError(c, err, "Failed to delete post")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Post deleted successfully"})
}

func ListSaved(c *gin.Context) {
	list, err := deps.Saved.List(c.Request.Context(), middleware.Viewer(c).UserID)
	if err != nil {
		writeError(c, err, "Failed to get saved posts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": list})
}

func Notifications(c *gin.Context) {
	items := []services.Notification{}
	if deps.Activity != nil {
		items = deps.Activity.Notifications(middleware.Viewer(c).UserID)
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}
