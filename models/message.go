package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation - диалог ровно двух участников
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

type ConversationParticipant struct {
	ConversationID string    `gorm:"primaryKey;size:36" json:"conversation_id"`
	UserID         string    `gorm:"primaryKey;size:36;index" json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}

// Message - сообщение в диалоге. IsRead меняется только false -> true и только получателем
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;index:idx_messages_conv_created" json:"conversation_id"`
	SenderID       string    `gorm:"size:36;index" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conv_created" json:"created_at"`
	IsRead         bool      `gorm:"default:false" json:"is_read"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

type MessageReaction struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	MessageID string    `gorm:"size:36;uniqueIndex:idx_reaction_msg_user_emoji" json:"message_id"`
	UserID    string    `gorm:"size:36;uniqueIndex:idx_reaction_msg_user_emoji" json:"user_id"`
	Emoji     string    `gorm:"size:16;uniqueIndex:idx_reaction_msg_user_emoji" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

func (MessageReaction) TableName() string {
	return "message_reactions"
}

func (r *MessageReaction) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ConversationSummary - строка списка диалогов с превью последнего сообщения
type ConversationSummary struct {
	ID          string         `json:"id"`
	User        ProfileSummary `json:"user"`
	LastMessage *Message       `json:"last_message,omitempty"`
}

// LastActivity возвращает время последнего сообщения или нулевое время
func (s ConversationSummary) LastActivity() time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.CreatedAt
}
