package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents an account that owns messages and recipient rollups
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	TokenVersion int    `gorm:"default:0" json:"-"`

	// Password reset. Only the SHA-256 of the emailed token is stored.
	ResetTokenHash      *string    `gorm:"index" json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Relations
	Messages         []Message         `gorm:"foreignKey:UserID" json:"-"`
	UniqueRecipients []UniqueRecipient `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// SanitizeForResponse clears fields that never leave the server
func (u *User) SanitizeForResponse() {
	u.PasswordHash = ""
	u.ResetTokenHash = nil
	u.ResetTokenExpiresAt = nil
}
