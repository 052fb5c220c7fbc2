package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Comment - комментарий к посту. ParentID == nil означает комментарий верхнего уровня,
// Replies заполняется только при построении дерева и не хранится
type Comment struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PostID    string    `gorm:"size:36;index" json:"post_id"`
	UserID    string    `gorm:"size:36;index" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	ParentID  *string   `gorm:"size:36;index" json:"parent_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Profile *Profile  `gorm:"foreignKey:UserID" json:"profile,omitempty"`
	Replies []Comment `gorm:"-" json:"replies"`
}

func (Comment) TableName() string {
	return "comments"
}

func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (c Comment) IsTopLevel() bool {
	return c.ParentID == nil || *c.ParentID == ""
}
