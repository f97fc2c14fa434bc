package models

import "time"

// UniqueRecipient aggregates engagement across every message a user sent
// to one address.
type UniqueRecipient struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex:idx_owner_recipient" json:"user_id"`
	RecipientEmail string    `gorm:"not null;uniqueIndex:idx_owner_recipient" json:"recipient_email"`
	FirstEmailTime time.Time `json:"first_email_time"`
	LastEmailTime  time.Time `gorm:"index" json:"last_email_time"`

	TotalEmailsSent int `gorm:"not null;default:0" json:"total_emails_sent"`
	TotalOpens      int `gorm:"not null;default:0" json:"total_opens"`
	TotalClicks     int `gorm:"not null;default:0" json:"total_clicks"`

	HasReplied    bool       `gorm:"default:false" json:"has_replied"`
	LastReplyTime *time.Time `json:"last_reply_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
