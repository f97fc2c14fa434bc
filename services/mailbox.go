package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

// Mailbox serves a user's folders and the folder moves on their messages.
type Mailbox struct {
	db         *gorm.DB
	reconciler *Reconciler
	userEmail  string
}

func NewMailbox(db *gorm.DB, reconciler *Reconciler, userEmail string) *Mailbox {
	return &Mailbox{db: db, reconciler: reconciler, userEmail: userEmail}
}

func (m *Mailbox) owned(ctx context.Context, ownerID uint) *gorm.DB {
	return m.db.WithContext(ctx).Where("user_id = ?", ownerID)
}

const (
	newestFirst      = "sent_at DESC, id DESC"
	soonestFirst     = "scheduled_for IS NULL, scheduled_for ASC, id ASC"
	latestReplyFirst = "reply_time DESC, id DESC"
)

func inFolder(ownerID uint, folder string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND folder = ?", ownerID, folder)
	}
}

func pendingSchedule(ownerID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND status = ?", ownerID, models.StatusScheduled)
	}
}

func repliedTo(ownerID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND folder = ? AND replied = ?", ownerID, models.FolderSent, true)
	}
}

// List returns the messages in folder, newest first.
func (m *Mailbox) List(ctx context.Context, ownerID uint, folder string) ([]models.Message, error) {
	var out []models.Message
	err := m.db.WithContext(ctx).Scopes(inFolder(ownerID, folder)).Order(newestFirst).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	return out, nil
}

// ListPage returns one page of folder and the folder's total size.
func (m *Mailbox) ListPage(ctx context.Context, ownerID uint, folder string, page Page) ([]models.Message, int64, error) {
	var out []models.Message
	total, err := findPage(m.db.WithContext(ctx), &models.Message{}, inFolder(ownerID, folder), newestFirst, page, &out)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", folder, err)
	}
	return out, total, nil
}

func (m *Mailbox) Get(ctx context.Context, ownerID, id uint) (*models.Message, error) {
	msg, err := m.reconciler.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.OwnerID() != ownerID {
		return nil, ErrNotFound
	}
	return msg, nil
}

// update runs fn on a message the user owns.
func (m *Mailbox) update(ctx context.Context, ownerID, id uint, fn func(*models.Message)) (*models.Message, error) {
	msg, _, err := m.reconciler.Update(ctx, id, func(msg *models.Message) (tracking.Result, error) {
		if msg.OwnerID() != ownerID {
			return tracking.Result{}, ErrNotFound
		}
		fn(msg)
		return tracking.Result{}, nil
	})
	return msg, err
}

func (m *Mailbox) SetUnread(ctx context.Context, ownerID, id uint, unread bool) (*models.Message, error) {
	return m.update(ctx, ownerID, id, func(msg *models.Message) {
		msg.Unread = unread
	})
}

// RecordView appends viewer to the message's view log. Views by the
// configured mailbox address are flagged internal.
func (m *Mailbox) RecordView(ctx context.Context, ownerID, id uint, viewer string) (*models.Message, error) {
	viewer = strings.TrimSpace(viewer)
	internal := viewer != "" && strings.EqualFold(viewer, m.userEmail)
	if viewer == "" {
		viewer = "Anonymous"
	}
	now := time.Now()
	return m.update(ctx, ownerID, id, func(msg *models.Message) {
		msg.Viewers = append(msg.Viewers, models.Viewer{User: viewer, Internal: internal, Time: now})
	})
}

func (m *Mailbox) Trash(ctx context.Context, ownerID, id uint) (*models.Message, error) {
	return m.update(ctx, ownerID, id, func(msg *models.Message) {
		msg.Folder = models.FolderTrash
	})
}

// Restore moves a message out of Trash: to Sent when the user wrote it,
// otherwise to Inbox.
func (m *Mailbox) Restore(ctx context.Context, ownerID, id uint) (*models.Message, error) {
	return m.update(ctx, ownerID, id, func(msg *models.Message) {
		if m.isOwnAddress(msg.From) {
			msg.Folder = models.FolderSent
		} else {
			msg.Folder = models.FolderInbox
		}
	})
}

func (m *Mailbox) isOwnAddress(from string) bool {
	return from == "Me" || (m.userEmail != "" && strings.EqualFold(strings.TrimSpace(from), m.userEmail))
}

// DeletePermanently removes a message and every file attached to it or to
// its thread.
func (m *Mailbox) DeletePermanently(ctx context.Context, ownerID, id uint) error {
	msg, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Unscoped().Delete(&models.Message{}, msg.ID).Error; err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	m.removeFiles(msg)
	return nil
}

// EmptyTrash permanently deletes everything in the user's Trash.
func (m *Mailbox) EmptyTrash(ctx context.Context, ownerID uint) (int, error) {
	trashed, err := m.List(ctx, ownerID, models.FolderTrash)
	if err != nil {
		return 0, err
	}
	if len(trashed) == 0 {
		return 0, nil
	}
	ids := make([]uint, 0, len(trashed))
	for _, msg := range trashed {
		ids = append(ids, msg.ID)
	}
	if err := m.db.WithContext(ctx).Unscoped().
		Where("user_id = ? AND folder = ?", ownerID, models.FolderTrash).
		Delete(&models.Message{}, ids).Error; err != nil {
		return 0, fmt.Errorf("empty trash: %w", err)
	}
	for i := range trashed {
		m.removeFiles(&trashed[i])
	}
	return len(trashed), nil
}

func (m *Mailbox) removeFiles(msg *models.Message) {
	paths := append([]string{}, msg.Files...)
	for _, entry := range msg.Thread {
		paths = append(paths, entry.Files...)
	}
	if err := utils.RemoveFiles(paths); err != nil {
		utils.LogError("remove_attachments", err, map[string]interface{}{"message_id": msg.ID})
	}
}

// Scheduled lists pending scheduled messages, soonest first. Weekly
// messages have no fixed instant and sort last.
func (m *Mailbox) Scheduled(ctx context.Context, ownerID uint) ([]models.Message, error) {
	var out []models.Message
	err := m.db.WithContext(ctx).Scopes(pendingSchedule(ownerID)).Order(soonestFirst).Find(&out).Error
	return out, err
}

func (m *Mailbox) ScheduledPage(ctx context.Context, ownerID uint, page Page) ([]models.Message, int64, error) {
	var out []models.Message
	total, err := findPage(m.db.WithContext(ctx), &models.Message{}, pendingSchedule(ownerID), soonestFirst, page, &out)
	return out, total, err
}

// RepliedPage lists sent messages that received a reply, latest reply
// first.
func (m *Mailbox) RepliedPage(ctx context.Context, ownerID uint, page Page) ([]models.Message, int64, error) {
	var out []models.Message
	total, err := findPage(m.db.WithContext(ctx), &models.Message{}, repliedTo(ownerID), latestReplyFirst, page, &out)
	return out, total, err
}

// SentTo lists the user's sent messages addressed to email.
func (m *Mailbox) SentTo(ctx context.Context, ownerID uint, email string) ([]models.Message, error) {
	var out []models.Message
	err := m.owned(ctx, ownerID).
		Where("folder = ?", models.FolderSent).
		Where(`LOWER("to") = ?`, models.NormalizeAddress(email)).
		Order("sent_at DESC").
		Find(&out).Error
	return out, err
}

// SearchSent matches term against the envelope and body of sent messages.
func (m *Mailbox) SearchSent(ctx context.Context, ownerID uint, term string, limit int) ([]models.Message, error) {
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	var out []models.Message
	err := m.owned(ctx, ownerID).
		Where("folder = ?", models.FolderSent).
		Where(`(LOWER(subject) LIKE ? ESCAPE '\' OR LOWER("to") LIKE ? ESCAPE '\' OR LOWER("from") LIKE ? ESCAPE '\' OR LOWER(body) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern, pattern).
		Order("sent_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
