package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Profile - зарегистрированный пользователь (identity)
type Profile struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Username  string    `gorm:"size:60;uniqueIndex" json:"username"`
	FullName  string    `gorm:"size:255" json:"full_name"`
	Avatar    *string   `gorm:"size:1024" json:"avatar"`
	Bio       string    `gorm:"type:text" json:"bio"`
	Website   *string   `gorm:"size:1024" json:"website,omitempty"`
	Email     string    `gorm:"size:255;uniqueIndex" json:"-"`
	Password  string    `gorm:"size:255" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Profile) TableName() string {
	return "profiles"
}

func (p *Profile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ProfileSummary - то, что подтягивается join-проекцией к постам и комментариям
type ProfileSummary struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	FullName string  `json:"full_name,omitempty"`
	Avatar   *string `json:"avatar"`
}

func (p Profile) Summary() ProfileSummary {
	return ProfileSummary{ID: p.ID, Username: p.Username, FullName: p.FullName, Avatar: p.Avatar}
}

// ProfileUpdate - частичное обновление профиля, nil поля не трогаем
type ProfileUpdate struct {
	FullName *string `json:"full_name"`
	Avatar   *string `json:"avatar"`
	Bio      *string `json:"bio"`
	Website  *string `json:"website"`
}

// UserToken - выданная сессия, удаляется при выходе
type UserToken struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;index" json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (UserToken) TableName() string {
	return "user_tokens"
}
