package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Post - публикация пользователя
type Post struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     string    `gorm:"size:36;index" json:"user_id"`
	ImageURL   string    `gorm:"size:1024" json:"image_url"`
	Caption    *string   `gorm:"type:text" json:"caption"`
	Location   *string   `gorm:"size:255" json:"location"`
	LikesCount int64     `gorm:"not null;default:0" json:"likes_count"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`

	Profile *Profile `gorm:"foreignKey:UserID" json:"profile,omitempty"`
}

func (Post) TableName() string {
	return "posts"
}

func (p *Post) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Like - не более одной записи на пару (post, user)
type Like struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PostID    string    `gorm:"size:36;uniqueIndex:idx_like_post_user" json:"post_id"`
	UserID    string    `gorm:"size:36;uniqueIndex:idx_like_post_user" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Like) TableName() string {
	return "likes"
}

func (l *Like) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// SavedPost - закладка пользователя
type SavedPost struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;uniqueIndex:idx_saved_user_post" json:"user_id"`
	PostID    string    `gorm:"size:36;uniqueIndex:idx_saved_user_post" json:"post_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (SavedPost) TableName() string {
	return "saved_posts"
}

func (s *SavedPost) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// FeedResponse - ответ API для ленты
type FeedResponse struct {
	Posts   []Post     `json:"posts"`
	HasMore bool       `json:"has_more"`
	Before  *time.Time `json:"before,omitempty"`
}
