package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

// RollupStore maintains the unique-recipient aggregates. Every write is a
// single atomic upsert so concurrent increments are never lost.
type RollupStore struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewRollupStore(db *gorm.DB, logger *log.Logger) *RollupStore {
	return &RollupStore{db: db, logger: logger}
}

// Apply upserts one delta. first_email_time is only written on insert.
func (s *RollupStore) Apply(ctx context.Context, d tracking.RollupDelta) error {
	email := models.NormalizeAddress(d.RecipientEmail)
	if d.UserID == 0 || email == "" {
		return nil
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	first := d.FirstEmailTime
	if first.IsZero() {
		first = at
	}

	row := models.UniqueRecipient{
		UserID:          d.UserID,
		RecipientEmail:  email,
		FirstEmailTime:  first,
		LastEmailTime:   at,
		TotalEmailsSent: d.EmailsSent,
		TotalOpens:      d.Opens,
		TotalClicks:     d.Clicks,
		HasReplied:      d.Replied,
		LastReplyTime:   d.ReplyTime,
	}

	updates := map[string]interface{}{
		"last_email_time": at,
		"updated_at":      time.Now(),
	}
	if d.EmailsSent != 0 {
		updates["total_emails_sent"] = gorm.Expr("unique_recipients.total_emails_sent + ?", d.EmailsSent)
	}
	if d.Opens != 0 {
		updates["total_opens"] = gorm.Expr("unique_recipients.total_opens + ?", d.Opens)
	}
	if d.Clicks != 0 {
		updates["total_clicks"] = gorm.Expr("unique_recipients.total_clicks + ?", d.Clicks)
	}
	if d.Replied {
		updates["has_replied"] = true
		updates["last_reply_time"] = d.ReplyTime
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "recipient_email"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert unique recipient %s: %w", email, err)
	}
	return nil
}

// ApplyAll applies deltas, logging failures without returning them. The
// message counters stay authoritative when the rollup cannot be written.
func (s *RollupStore) ApplyAll(ctx context.Context, deltas []tracking.RollupDelta) {
	for _, d := range deltas {
		if err := s.Apply(ctx, d); err != nil {
			s.logger.Printf("Failed to update rollup for %s: %v", d.RecipientEmail, err)
			utils.LogError("rollup_upsert", err, map[string]interface{}{
				"user_id":   d.UserID,
				"recipient": d.RecipientEmail,
			})
		}
	}
}

func ownedBy(userID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID)
	}
}

const lastContactedFirst = "last_email_time DESC, id DESC"

// List returns a user's recipients, most recently contacted first.
func (s *RollupStore) List(ctx context.Context, userID uint) ([]models.UniqueRecipient, error) {
	var out []models.UniqueRecipient
	err := s.db.WithContext(ctx).Scopes(ownedBy(userID)).Order(lastContactedFirst).Find(&out).Error
	return out, err
}

func (s *RollupStore) ListPage(ctx context.Context, userID uint, page Page) ([]models.UniqueRecipient, int64, error) {
	var out []models.UniqueRecipient
	total, err := findPage(s.db.WithContext(ctx), &models.UniqueRecipient{}, ownedBy(userID), lastContactedFirst, page, &out)
	return out, total, err
}

func (s *RollupStore) Get(ctx context.Context, userID uint, email string) (*models.UniqueRecipient, error) {
	var out models.UniqueRecipient
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND recipient_email = ?", userID, models.NormalizeAddress(email)).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RollupStore) Count(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.UniqueRecipient{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}
