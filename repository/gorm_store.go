package repository

import (
	"context"
	"strings"
	"time"

	"feedsync/db"
	"feedsync/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore - Store поверх gorm. Чтение идет через реплики, запись через мастер
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(database *gorm.DB) *GormStore {
	return &GormStore{db: database}
}

func (s *GormStore) read(ctx context.Context) *gorm.DB {
	return db.GetReadOnlyDB(ctx, s.db)
}

func (s *GormStore) write(ctx context.Context) *gorm.DB {
	return db.GetWriteDB(ctx, s.db)
}

// translate приводит ошибки gorm к ошибкам пакета
func translate(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrap(ErrNotFound, msg)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrap(ErrAlreadyExists, msg)
	default:
		return errors.Wrap(err, msg)
	}
}

func (s *GormStore) CreateProfile(ctx context.Context, p *models.Profile) error {
	return translate(s.write(ctx).Create(p).Error, "failed to create profile")
}

func (s *GormStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	if err := s.read(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to get profile")
	}
	return &p, nil
}

func (s *GormStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	var p models.Profile
	if err := s.read(ctx).First(&p, "username = ?", username).Error; err != nil {
		return nil, translate(err, "failed to get profile by username")
	}
	return &p, nil
}

func (s *GormStore) GetProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	var p models.Profile
	err := s.read(ctx).First(&p, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		return nil, translate(err, "failed to get profile by email")
	}
	return &p, nil
}

func (s *GormStore) GetProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	ids = uniqueIDs(ids)
	profiles := make([]models.Profile, 0, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}
	if err := s.read(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, translate(err, "failed to get profiles")
	}
	return profiles, nil
}

func (s *GormStore) SearchProfiles(ctx context.Context, query string, limit int) ([]models.Profile, error) {
	limit = clampLimit(limit, 20, 50)
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	var profiles []models.Profile
	err := s.read(ctx).
		Where("LOWER(username) LIKE ? OR LOWER(full_name) LIKE ?", pattern, pattern).
		Order("username ASC").
		Limit(limit).
		Find(&profiles).Error
	if err != nil {
		return nil, translate(err, "failed to search profiles")
	}
	return profiles, nil
}

func (s *GormStore) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.Profile, error) {
	updates := map[string]interface{}{}
	if upd.FullName != nil {
		updates["full_name"] = *upd.FullName
	}
	if upd.Avatar != nil {
		updates["avatar"] = *upd.Avatar
	}
	if upd.Bio != nil {
		updates["bio"] = *upd.Bio
	}
	if upd.Website != nil {
		updates["website"] = *upd.Website
	}

	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		res := s.write(ctx).Model(&models.Profile{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, translate(res.Error, "failed to update profile")
		}
		if res.RowsAffected == 0 {
			return nil, errors.Wrap(ErrNotFound, "failed to update profile")
		}
	}

	// читаем с мастера, реплика может отставать
	var p models.Profile
	if err := s.write(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to reload profile")
	}
	return &p, nil
}

func (s *GormStore) CreateToken(ctx context.Context, t *models.UserToken) error {
	return translate(s.write(ctx).Create(t).Error, "failed to create token")
}

func (s *GormStore) GetToken(ctx context.Context, id string) (*models.UserToken, error) {
	var t models.UserToken
	if err := s.write(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to get token")
	}
	return &t, nil
}

func (s *GormStore) DeleteToken(ctx context.Context, id string) error {
	return translate(s.write(ctx).Delete(&models.UserToken{}, "id = ?", id).Error, "failed to delete token")
}

func (s *GormStore) CreatePost(ctx context.Context, p *models.Post) error {
	return translate(s.write(ctx).Omit(clause.Associations).Create(p).Error, "failed to create post")
}

func (s *GormStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	if err := s.read(ctx).Preload("Profile").First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to get post")
	}
	return &p, nil
}

func (s *GormStore) GetPostsByIDs(ctx context.Context, ids []string) ([]models.Post, error) {
	ids = uniqueIDs(ids)
	posts := make([]models.Post, 0, len(ids))
	if len(ids) == 0 {
		return posts, nil
	}
	if err := s.read(ctx).Preload("Profile").Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, translate(err, "failed to get posts")
	}
	return posts, nil
}

func (s *GormStore) ListPosts(ctx context.Context, before *time.Time, limit int) ([]models.Post, error) {
	limit = clampLimit(limit, 20, 100)
	query := s.read(ctx).Preload("Profile")
	if before != nil {
		query = query.Where("created_at < ?", *before)
	}

	var posts []models.Post
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, translate(err, "failed to list posts")
	}
	return posts, nil
}

func (s *GormStore) ListPostsByUser(ctx context.Context, userID string, limit int) ([]models.Post, error) {
	limit = clampLimit(limit, 30, 100)
	var posts []models.Post
	err := s.read(ctx).Preload("Profile").
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, translate(err, "failed to list user posts")
	}
	return posts, nil
}

// DeletePost удаляет пост владельца вместе с лайками, комментариями и закладками
func (s *GormStore) DeletePost(ctx context.Context, id, ownerID string) (*models.Post, error) {
	var post models.Post
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&post, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
			return err
		}
		for _, model := range []interface{}{&models.Like{}, &models.Comment{}, &models.SavedPost{}} {
			if err := tx.Where("post_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&post).Error
	})
	if err != nil {
		return nil, translate(err, "failed to delete post")
	}
	return &post, nil
}

func (s *GormStore) HasLike(ctx context.Context, postID, userID string) (bool, error) {
	var n int64
	err := s.read(ctx).Model(&models.Like{}).Where("post_id = ? AND user_id = ?", postID, userID).Count(&n).Error
	if err != nil {
		return false, translate(err, "failed to check like")
	}
	return n > 0, nil
}

// InsertLike добавляет лайк и в той же транзакции увеличивает likes_count
func (s *GormStore) InsertLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	like := &models.Like{PostID: postID, UserID: userID}
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(like).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Post{}).Where("id = ?", postID).
			UpdateColumn("likes_count", gorm.Expr("likes_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, translate(err, "failed to insert like")
	}
	return like, nil
}

func (s *GormStore) DeleteLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	var like models.Like
	found := true
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&like, "post_id = ? AND user_id = ?", postID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&like).Error; err != nil {
			return err
		}
		return tx.Model(&models.Post{}).Where("id = ? AND likes_count > 0", postID).
			UpdateColumn("likes_count", gorm.Expr("likes_count - ?", 1)).Error
	})
	if err != nil {
		return nil, translate(err, "failed to delete like")
	}
	if !found {
		return nil, nil
	}
	return &like, nil
}

func (s *GormStore) CountLikes(ctx context.Context, postID string) (int64, error) {
	var n int64
	if err := s.read(ctx).Model(&models.Like{}).Where("post_id = ?", postID).Count(&n).Error; err != nil {
		return 0, translate(err, "failed to count likes")
	}
	return n, nil
}

func (s *GormStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	var comments []models.Comment
	err := s.read(ctx).Preload("Profile").
		Where("post_id = ?", postID).
		Order("created_at ASC, id ASC").
		Find(&comments).Error
	if err != nil {
		return nil, translate(err, "failed to list comments")
	}
	return comments, nil
}

func (s *GormStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	var c models.Comment
	if err := s.read(ctx).Preload("Profile").First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to get comment")
	}
	return &c, nil
}

// InsertComment проверяет родителя: он должен быть у того же поста.
// Ответ на ответ переносится к корневому комментарию
func (s *GormStore) InsertComment(ctx context.Context, c *models.Comment) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if !c.IsTopLevel() {
			var parent models.Comment
			err := tx.First(&parent, "id = ?", *c.ParentID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParentNotFound
			}
			if err != nil {
				return err
			}
			if parent.PostID != c.PostID {
				return ErrCrossPostReply
			}
			if !parent.IsTopLevel() {
				root := *parent.ParentID
				c.ParentID = &root
			}
		} else {
			c.ParentID = nil
		}
		return tx.Omit(clause.Associations).Create(c).Error
	})
	return translate(err, "failed to insert comment")
}

func (s *GormStore) DeleteComment(ctx context.Context, id, authorID string) (*models.Comment, error) {
	var c models.Comment
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ? AND user_id = ?", id, authorID).Error; err != nil {
			return err
		}
		if err := tx.Where("parent_id = ?", id).Delete(&models.Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
	if err != nil {
		return nil, translate(err, "failed to delete comment")
	}
	return &c, nil
}

func (s *GormStore) IsSaved(ctx context.Context, userID, postID string) (bool, error) {
	var n int64
	err := s.read(ctx).Model(&models.SavedPost{}).Where("user_id = ? AND post_id = ?", userID, postID).Count(&n).Error
	if err != nil {
		return false, translate(err, "failed to check saved post")
	}
	return n > 0, nil
}

func (s *GormStore) InsertSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	saved := &models.SavedPost{UserID: userID, PostID: postID}
	if err := s.write(ctx).Create(saved).Error; err != nil {
		return nil, translate(err, "failed to save post")
	}
	return saved, nil
}

func (s *GormStore) DeleteSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	var saved models.SavedPost
	err := s.write(ctx).First(&saved, "user_id = ? AND post_id = ?", userID, postID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "failed to find saved post")
	}
	if err := s.write(ctx).Delete(&saved).Error; err != nil {
		return nil, translate(err, "failed to unsave post")
	}
	return &saved, nil
}

func (s *GormStore) ListSaved(ctx context.Context, userID string) ([]models.SavedPost, error) {
	var saved []models.SavedPost
	err := s.read(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&saved).Error
	if err != nil {
		return nil, translate(err, "failed to list saved posts")
	}
	return saved, nil
}

func (s *GormStore) ListMemberships(ctx context.Context, userID string) ([]models.ConversationParticipant, error) {
	var rows []models.ConversationParticipant
	err := s.read(ctx).Where("user_id = ?", userID).Order("created_at ASC, conversation_id ASC").Find(&rows).Error
	if err != nil {
		return nil, translate(err, "failed to list memberships")
	}
	return rows, nil
}

func (s *GormStore) ListOtherParticipants(ctx context.Context, convIDs []string, excludeUserID string) ([]models.ConversationParticipant, error) {
	convIDs = uniqueIDs(convIDs)
	rows := make([]models.ConversationParticipant, 0, len(convIDs))
	if len(convIDs) == 0 {
		return rows, nil
	}
	err := s.read(ctx).
		Where("conversation_id IN ? AND user_id <> ?", convIDs, excludeUserID).
		Order("created_at ASC, conversation_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "failed to list participants")
	}
	return rows, nil
}

func (s *GormStore) IsParticipant(ctx context.Context, convID, userID string) (bool, error) {
	var n int64
	err := s.read(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).Count(&n).Error
	if err != nil {
		return false, translate(err, "failed to check participant")
	}
	return n > 0, nil
}

func (s *GormStore) InsertConversation(ctx context.Context, c *models.Conversation) error {
	return translate(s.write(ctx).Create(c).Error, "failed to create conversation")
}

func (s *GormStore) InsertParticipants(ctx context.Context, ps []models.ConversationParticipant) error {
	if len(ps) == 0 {
		return nil
	}
	return translate(s.write(ctx).Create(&ps).Error, "failed to add participants")
}

func (s *GormStore) CreateConversation(ctx context.Context, c *models.Conversation, ps []models.ConversationParticipant) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		for i := range ps {
			ps[i].ConversationID = c.ID
		}
		if len(ps) == 0 {
			return nil
		}
		return tx.Create(&ps).Error
	})
	return translate(err, "failed to create conversation")
}

func (s *GormStore) LatestMessage(ctx context.Context, convID string) (*models.Message, error) {
	var msgs []models.Message
	err := s.read(ctx).Where("conversation_id = ?", convID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err, "failed to get latest message")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// ListMessages возвращает последние limit сообщений по возрастанию времени
func (s *GormStore) ListMessages(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	limit = clampLimit(limit, 50, 200)
	var msgs []models.Message
	err := s.read(ctx).Where("conversation_id = ?", convID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err, "failed to list messages")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GormStore) InsertMessage(ctx context.Context, m *models.Message) error {
	return translate(s.write(ctx).Create(m).Error, "failed to send message")
}

func (s *GormStore) MarkRead(ctx context.Context, convID, readerID string) (int64, error) {
	res := s.write(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", convID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, translate(res.Error, "failed to mark messages read")
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	var reactions []models.MessageReaction
	err := s.read(ctx).Where("message_id = ?", messageID).Order("created_at ASC, id ASC").Find(&reactions).Error
	if err != nil {
		return nil, translate(err, "failed to list reactions")
	}
	return reactions, nil
}

func (s *GormStore) InsertReaction(ctx context.Context, r *models.MessageReaction) error {
	return translate(s.write(ctx).Create(r).Error, "failed to add reaction")
}

func (s *GormStore) DeleteReaction(ctx context.Context, id, userID string) (*models.MessageReaction, error) {
	var r models.MessageReaction
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&r, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			return err
		}
		return tx.Delete(&r).Error
	})
	if err != nil {
		return nil, translate(err, "failed to remove reaction")
	}
	return &r, nil
}
