// Package repository - реляционное хранилище, в которое ходят синхронизаторы.
// GormStore работает поверх postgres/sqlite, MemoryStore - сидированные демо-данные.
// Реализация выбирается один раз при старте приложения.
package repository

import (
	"context"
	"time"

	"feedsync/models"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyExists  = errors.New("record already exists")
	ErrParentNotFound = errors.New("parent comment not found")
	ErrCrossPostReply = errors.New("parent comment belongs to another post")
)

type ProfileRepository interface {
	CreateProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*models.Profile, error)
	GetProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error)
	SearchProfiles(ctx context.Context, query string, limit int) ([]models.Profile, error)
	UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.Profile, error)
}

type TokenRepository interface {
	CreateToken(ctx context.Context, t *models.UserToken) error
	GetToken(ctx context.Context, id string) (*models.UserToken, error)
	DeleteToken(ctx context.Context, id string) error
}

type PostRepository interface {
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// GetPostsByIDs - батчевый запрос с профилем автора, порядок не гарантируется
	GetPostsByIDs(ctx context.Context, ids []string) ([]models.Post, error)
	ListPosts(ctx context.Context, before *time.Time, limit int) ([]models.Post, error)
	ListPostsByUser(ctx context.Context, userID string, limit int) ([]models.Post, error)
	DeletePost(ctx context.Context, id, ownerID string) (*models.Post, error)
}

type LikeRepository interface {
	HasLike(ctx context.Context, postID, userID string) (bool, error)
	InsertLike(ctx context.Context, postID, userID string) (*models.Like, error)
	// DeleteLike возвращает удаленную запись или nil, если лайка не было
	DeleteLike(ctx context.Context, postID, userID string) (*models.Like, error)
	CountLikes(ctx context.Context, postID string) (int64, error)
}

type CommentRepository interface {
	// ListComments - плоский список по возрастанию created_at с профилем автора
	ListComments(ctx context.Context, postID string) ([]models.Comment, error)
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	InsertComment(ctx context.Context, c *models.Comment) error
	// DeleteComment удаляет комментарий автора вместе с ответами на него
	DeleteComment(ctx context.Context, id, authorID string) (*models.Comment, error)
}

type SavedRepository interface {
	IsSaved(ctx context.Context, userID, postID string) (bool, error)
	InsertSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error)
	DeleteSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error)
	// ListSaved - закладки пользователя, новые первыми
	ListSaved(ctx context.Context, userID string) ([]models.SavedPost, error)
}

type ConversationRepository interface {
	ListMemberships(ctx context.Context, userID string) ([]models.ConversationParticipant, error)
	// ListOtherParticipants - одним запросом участники диалогов convIDs, кроме excludeUserID
	ListOtherParticipants(ctx context.Context, convIDs []string, excludeUserID string) ([]models.ConversationParticipant, error)
	IsParticipant(ctx context.Context, convID, userID string) (bool, error)
	InsertConversation(ctx context.Context, c *models.Conversation) error
	InsertParticipants(ctx context.Context, ps []models.ConversationParticipant) error
	// CreateConversation вставляет диалог и участников атомарно: либо все, либо ничего
	CreateConversation(ctx context.Context, c *models.Conversation, ps []models.ConversationParticipant) error
	// LatestMessage возвращает nil без ошибки для пустого диалога
	LatestMessage(ctx context.Context, convID string) (*models.Message, error)
	ListMessages(ctx context.Context, convID string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, m *models.Message) error
	// MarkRead помечает прочитанными чужие сообщения, обратного перехода нет
	MarkRead(ctx context.Context, convID, readerID string) (int64, error)
}

type ReactionRepository interface {
	ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error)
	InsertReaction(ctx context.Context, r *models.MessageReaction) error
	DeleteReaction(ctx context.Context, id, userID string) (*models.MessageReaction, error)
}

type Store interface {
	ProfileRepository
	TokenRepository
	PostRepository
	LikeRepository
	CommentRepository
	SavedRepository
	ConversationRepository
	ReactionRepository
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
