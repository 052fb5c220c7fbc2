package handlers

import (
	"net/http"

	"feedsync/api/middleware"
	"feedsync/services"

	"github.com/gin-gonic/gin"
)

// inbox - список диалогов зрителя на время запроса, без подписок
func inbox(c *gin.Context) *services.Inbox {
	return services.NewInbox(deps.Conversations, deps.Store, nil, middleware.Viewer(c))
}

func ListConversations(c *gin.Context) {
	list, err := deps.Conversations.List(c.Request.Context(), middleware.Viewer(c).UserID)
	if err != nil {
		writeError(c, err, "Failed to list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func StartConversation(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ib := inbox(c)
	defer ib.Close()
	if err := ib.Load(c.Request.Context()); err != nil {
		writeError(c, err, "Failed to load conversations")
		return
	}
	summary, err := ib.StartConversation(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err, "Failed to start conversation")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func GetMessages(c *gin.Context) {
	ib := inbox(c)
	defer ib.Close()
	messages, err := ib.Messages(c.Request.Context(), c.Param("id"), queryLimit(c, 50))
	if err != nil {
		writeError(c, err, "Failed to get messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func SendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ib := inbox(c)
	defer ib.Close()
	msg, err := ib.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err, "Failed to send message")
		return
	}
	if msg == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is empty"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func MarkRead(c *gin.Context) {
	ib := inbox(c)
	defer ib.Close()
	n, err := ib.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// messageReactions проверяет участие в диалоге и загружает реакции сообщения
func messageReactions(c *gin.Context) (*services.MessageReactions, bool) {
	viewer := middleware.Viewer(c)
	ok, err := deps.Store.IsParticipant(c.Request.Context(), c.Param("id"), viewer.UserID)
	if err != nil {
		writeError(c, err, "Failed to check participant")
		return nil, false
	}
	if !ok {
		writeError(c, services.ErrNotParticipant, "")
		return nil, false
	}

	r := services.NewMessageReactions(deps.Store, nil, viewer, c.Param("message_id"))
	if err := r.Load(c.Request.Context()); err != nil {
		r.Close()
		writeError(c, err, "Failed to load reactions")
		return nil, false
	}
	return r, true
}

func GetReactions(c *gin.Context) {
	r, ok := messageReactions(c)
	if !ok {
		return
	}
	defer r.Close()
	c.JSON(http.StatusOK, gin.H{"reactions": r.Grouped()})
}

func ToggleReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	r, ok := messageReactions(c)
	if !ok {
		return
	}
	defer r.Close()
	if err := r.Toggle(c.Request.Context(), req.Emoji); err != nil {
		writeError(c, err, "Failed to toggle reaction")
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": r.Grouped()})
}
