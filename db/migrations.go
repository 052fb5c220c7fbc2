package db

import (
	"fmt"

	"feedsync/models"

	"gorm.io/gorm"
)

// Migrate создает таблицы и индексы, которые не выражаются тегами gorm
func Migrate(database *gorm.DB) error {
	err := database.AutoMigrate(
		&models.Profile{},
		&models.UserToken{},
		&models.Post{},
		&models.Like{},
		&models.Comment{},
		&models.SavedPost{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReaction{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := createConversationIndexes(database); err != nil {
		return err
	}
	return nil
}

// createConversationIndexes индекс для батчевого поиска собеседников по списку диалогов
func createConversationIndexes(database *gorm.DB) error {
	createIndexSQL := `
		CREATE INDEX IF NOT EXISTS idx_conversation_participants_conv_user
		ON conversation_participants (conversation_id, user_id);
	`
	if err := database.Exec(createIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create index idx_conversation_participants_conv_user: %w", err)
	}

	createIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_comments_post_created
		ON comments (post_id, created_at);
	`
	if err := database.Exec(createIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create index idx_comments_post_created: %w", err)
	}
	return nil
}
