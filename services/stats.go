package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"mailpulse/models"
)

// Stats is the dashboard summary for one user.
type Stats struct {
	TotalEmails           int64   `json:"totalEmails"`
	SentEmails            int64   `json:"sentEmails"`
	ScheduledEmails       int64   `json:"scheduledEmails"`
	RepliedEmails         int64   `json:"repliedEmails"`
	UniqueRecipientsCount int64   `json:"uniqueRecipientsCount"`
	TotalOpens            int     `json:"totalOpens"`
	TotalClicks           int     `json:"totalClicks"`
	TotalRecipients       int     `json:"totalRecipients"`
	OpenedRecipients      int     `json:"openedRecipients"`
	ClickedRecipients     int     `json:"clickedRecipients"`
	OpenRate              float64 `json:"openRate"`
	ClickRate             float64 `json:"clickRate"`
}

// MessageSummary is a sent message with its engagement counts.
type MessageSummary struct {
	ID             uint                     `json:"id"`
	To             string                   `json:"to"`
	From           string                   `json:"from"`
	Subject        string                   `json:"subject"`
	Time           time.Time                `json:"time"`
	ScheduledFor   *time.Time               `json:"scheduledFor,omitempty"`
	Status         string                   `json:"status"`
	RecipientCount int                      `json:"recipientCount"`
	OpenedCount    int                      `json:"openedCount"`
	ClickedCount   int                      `json:"clickedCount"`
	TotalOpens     int                      `json:"totalOpens"`
	TotalClicks    int                      `json:"totalClicks"`
	HasOpened      bool                     `json:"hasOpened"`
	Replied        bool                     `json:"replied"`
	ReplyFrom      string                   `json:"replyFrom,omitempty"`
	ReplyTime      *time.Time               `json:"replyTime,omitempty"`
	ReplyBody      string                   `json:"replyBody,omitempty"`
	Recipients     []models.RecipientStatus `json:"recipients"`
	UniqueOpens    []string                 `json:"uniqueOpens"`
	LinkClicks     []models.LinkClick       `json:"linkClicks"`
}

// Summarize derives the engagement counts of msg.
func Summarize(msg *models.Message) MessageSummary {
	recipients := msg.Recipients
	if recipients == nil {
		recipients = []models.RecipientStatus{}
	}
	uniqueOpens := msg.Tracking.UniqueOpens
	if uniqueOpens == nil {
		uniqueOpens = []string{}
	}
	clicks := msg.Tracking.Clicks
	if clicks == nil {
		clicks = []models.LinkClick{}
	}
	opened := msg.OpenedCount()
	return MessageSummary{
		ID:             msg.ID,
		To:             msg.To,
		From:           msg.From,
		Subject:        msg.Subject,
		Time:           msg.SentAt,
		ScheduledFor:   msg.ScheduledFor,
		Status:         msg.Status,
		RecipientCount: recipientCount(msg),
		OpenedCount:    opened,
		ClickedCount:   msg.ClickedCount(),
		TotalOpens:     msg.Tracking.Opens,
		TotalClicks:    msg.Tracking.TotalClicks(),
		HasOpened:      opened > 0,
		Replied:        msg.Replied,
		ReplyFrom:      msg.ReplyFrom,
		ReplyTime:      msg.ReplyTime,
		ReplyBody:      msg.ReplyBody,
		Recipients:     recipients,
		UniqueOpens:    uniqueOpens,
		LinkClicks:     clicks,
	}
}

func SummarizeAll(msgs []models.Message) []MessageSummary {
	out := make([]MessageSummary, 0, len(msgs))
	for i := range msgs {
		out = append(out, Summarize(&msgs[i]))
	}
	return out
}

func recipientCount(msg *models.Message) int {
	if n := len(msg.Recipients); n > 0 {
		return n
	}
	return 1
}

// openedRecipients takes whichever of the unique-open set and the
// recipient flags reports more opens.
func openedRecipients(msg *models.Message) int {
	flagged := 0
	for _, r := range msg.Recipients {
		if r.Opened {
			flagged++
		}
	}
	if n := len(msg.Tracking.UniqueOpens); n > flagged {
		return n
	}
	return flagged
}

// Aggregate folds the engagement of sent messages into s.
func (s *Stats) Aggregate(sent []models.Message) {
	for i := range sent {
		msg := &sent[i]
		s.TotalOpens += msg.Tracking.Opens
		s.TotalClicks += msg.Tracking.TotalClicks()
		s.TotalRecipients += recipientCount(msg)
		s.OpenedRecipients += openedRecipients(msg)
		s.ClickedRecipients += msg.ClickedCount()
	}
	if s.TotalRecipients > 0 {
		s.OpenRate = float64(s.OpenedRecipients) / float64(s.TotalRecipients) * 100
		s.ClickRate = float64(s.ClickedRecipients) / float64(s.TotalRecipients) * 100
	}
}

// Dashboard computes read-side aggregates over a user's messages.
type Dashboard struct {
	db     *gorm.DB
	rollup *RollupStore
}

func NewDashboard(db *gorm.DB, rollup *RollupStore) *Dashboard {
	return &Dashboard{db: db, rollup: rollup}
}

func (d *Dashboard) Stats(ctx context.Context, ownerID uint) (*Stats, error) {
	var s Stats
	base := func() *gorm.DB {
		return d.db.WithContext(ctx).Model(&models.Message{}).Where("user_id = ?", ownerID)
	}
	if err := base().Count(&s.TotalEmails).Error; err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	if err := base().Where("folder = ?", models.FolderSent).Count(&s.SentEmails).Error; err != nil {
		return nil, fmt.Errorf("count sent: %w", err)
	}
	if err := base().Where("status = ?", models.StatusScheduled).Count(&s.ScheduledEmails).Error; err != nil {
		return nil, fmt.Errorf("count scheduled: %w", err)
	}
	if err := base().Where("folder = ? AND replied = ?", models.FolderSent, true).Count(&s.RepliedEmails).Error; err != nil {
		return nil, fmt.Errorf("count replied: %w", err)
	}
	n, err := d.rollup.Count(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	s.UniqueRecipientsCount = n

	var sent []models.Message
	if err := d.db.WithContext(ctx).
		Select("id", "tracking", "recipients").
		Where("user_id = ? AND folder = ?", ownerID, models.FolderSent).
		Find(&sent).Error; err != nil {
		return nil, fmt.Errorf("load sent: %w", err)
	}
	s.Aggregate(sent)
	return &s, nil
}
