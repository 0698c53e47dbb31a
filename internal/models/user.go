package models

import "time"

// User describes an account that can receive notifications.
type User struct {
	BaseModel

	Name     string `gorm:"type:varchar(120);not null" json:"name"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	IsActive      bool `gorm:"default:true" json:"is_active"`
	EmailVerified bool `gorm:"default:false" json:"email_verified"`

	LastLoginAt *time.Time `json:"last_login_at"`
}
