package handlers

import (
	"net/http"
	"strconv"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/realtime"
	"feedsync/repository"
	"feedsync/services"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Deps - сервисы, с которыми работают обработчики. Задаются один раз через Init
type Deps struct {
	Store         repository.Store
	Broker        realtime.Broker
	Auth          *auth.Service
	Posts         *services.PostService
	Saved         *services.SavedPostsService
	Conversations *services.ConversationService
	Activity      *services.ActivityNotifier
	WS            *services.WSConnManager
	Presence      services.PresenceOptions

	// ReconcileInterval > 0 периодически перечитывает посты, открытые в WebSocket-сессиях
	ReconcileInterval time.Duration
}

var deps *Deps

func Init(d *Deps) {
	if d.WS == nil {
		d.WS = services.GlobalWSConnManager
	}
	deps = d
}

// statusFor сопоставляет доменные ошибки HTTP-кодам
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, services.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrAlreadyExists),
		errors.Is(err, auth.ErrAccountExists),
		errors.Is(err, services.ErrSaveInFlight):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidSignUp),
		errors.Is(err, services.ErrEmptyPost),
		errors.Is(err, services.ErrSelfConversation),
		errors.Is(err, services.ErrUnknownReaction),
		errors.Is(err, repository.ErrParentNotFound),
		errors.Is(err, repository.ErrCrossPostReply):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %s: %v", c.Request.Method, c.FullPath(), message, err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, def int) int {
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
			return parsed
		}
	}
	return def
}
