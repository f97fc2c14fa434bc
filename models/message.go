package models

import (
	"time"

	"gorm.io/gorm"
)

// Folders
const (
	FolderInbox  = "Inbox"
	FolderSent   = "Sent"
	FolderDrafts = "Drafts"
	FolderTrash  = "Trash"
)

// Message statuses
const (
	StatusSent      = "sent"
	StatusScheduled = "scheduled"
	StatusFailed    = "failed"
)

// Schedule types
const (
	ScheduleDate      = "date"
	ScheduleTime      = "time"
	ScheduleDayOfWeek = "dayOfWeek"
)

// Message is one logical email: sent, received, draft or trashed, along
// with its reply thread and tracking state.
type Message struct {
	gorm.Model
	UserID *uint `gorm:"index" json:"user_id,omitempty"`

	From     string   `gorm:"index;not null" json:"from"`
	To       string   `gorm:"index;not null" json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `gorm:"type:text" json:"body"`
	Category string   `gorm:"default:'primary'" json:"category"`
	Files    []string `gorm:"type:jsonb;serializer:json" json:"files"`

	Folder string    `gorm:"index;not null;default:'Inbox'" json:"folder"`
	Status string    `gorm:"index;not null;default:'sent'" json:"status"`
	Unread bool      `json:"unread"`
	SentAt time.Time `gorm:"index" json:"time"`

	ScheduledFor       *time.Time `gorm:"index" json:"scheduled_for,omitempty"`
	ScheduledType      string     `json:"scheduled_type,omitempty"`
	ScheduledDayOfWeek *int       `json:"scheduled_day_of_week,omitempty"`
	ScheduleClaimedAt  *time.Time `json:"-"`

	Thread     []ThreadEntry     `gorm:"type:jsonb;serializer:json" json:"thread"`
	Tracking   TrackingRecord    `gorm:"type:jsonb;serializer:json" json:"tracking"`
	Recipients []RecipientStatus `gorm:"type:jsonb;serializer:json" json:"recipients"`
	Viewers    []Viewer          `gorm:"type:jsonb;serializer:json" json:"viewers"`

	Replied           bool       `gorm:"default:false" json:"replied"`
	ReplyFrom         string     `json:"reply_from,omitempty"`
	ReplyTime         *time.Time `json:"reply_time,omitempty"`
	ReplyBody         string     `gorm:"type:text" json:"reply_body,omitempty"`
	OriginalMessageID *uint      `gorm:"index" json:"original_email_id,omitempty"`

	Version int `gorm:"not null;default:0" json:"-"`
}

type ThreadEntry struct {
	Sender   string    `json:"sender"`
	Body     string    `json:"body"`
	Time     time.Time `json:"time"`
	Files    []string  `json:"files,omitempty"`
	Category string    `json:"category,omitempty"`
}

type Viewer struct {
	User     string    `json:"user"`
	Internal bool      `json:"internal"`
	Time     time.Time `json:"time"`
}

// OwnerID returns the owning user or 0 when the message has none.
func (m *Message) OwnerID() uint {
	if m.UserID == nil {
		return 0
	}
	return *m.UserID
}

// FindRecipient returns the status record for addr, matched case-insensitively.
func (m *Message) FindRecipient(addr string) *RecipientStatus {
	addr = NormalizeAddress(addr)
	for i := range m.Recipients {
		if NormalizeAddress(m.Recipients[i].Email) == addr {
			return &m.Recipients[i]
		}
	}
	return nil
}

// OpenedCount is the number of distinct recipients that opened. It falls
// back to the recipient records when the unique-open set is empty.
func (m *Message) OpenedCount() int {
	if n := len(m.Tracking.UniqueOpens); n > 0 {
		return n
	}
	n := 0
	for _, r := range m.Recipients {
		if r.Opened {
			n++
		}
	}
	return n
}

func (m *Message) ClickedCount() int {
	n := 0
	for _, r := range m.Recipients {
		if r.Clicked {
			n++
		}
	}
	return n
}

// SetRecipientStatus sets the delivery status on every recipient record.
func (m *Message) SetRecipientStatus(status string) {
	for i := range m.Recipients {
		m.Recipients[i].Status = status
	}
}
