package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"mailpulse/models"
	"mailpulse/utils"
)

// Accounts is the administrative view over users.
type Accounts struct {
	db     *gorm.DB
	logger *log.Logger
	now    func() time.Time
}

func NewAccounts(db *gorm.DB, logger *log.Logger) *Accounts {
	return &Accounts{db: db, logger: logger, now: time.Now}
}

// AccountUpdate holds the admin-editable fields. Nil fields are left alone.
type AccountUpdate struct {
	Name     *string `json:"name" validate:"omitempty,max=100"`
	Email    *string `json:"email" validate:"omitempty,mailaddr"`
	Timezone *string `json:"timezone" validate:"omitempty,timezone"`
	IsActive *bool   `json:"is_active"`
	IsAdmin  *bool   `json:"is_admin"`
}

type MonthCount struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Count int `json:"count"`
}

type Analytics struct {
	TotalUsers   int64        `json:"totalUsers"`
	NewUsers     int64        `json:"activeUsers"`
	TotalEmails  int64        `json:"totalEmails"`
	SentEmails   int64        `json:"sentEmails"`
	UsersByMonth []MonthCount `json:"usersByMonth"`
}

func allUsers(db *gorm.DB) *gorm.DB { return db }

// List returns users, newest account first.
func (a *Accounts) List(ctx context.Context, page Page) ([]models.User, int64, error) {
	var out []models.User
	total, err := findPage(a.db.WithContext(ctx), &models.User{}, allUsers, "created_at DESC, id DESC", page, &out)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	for i := range out {
		out[i].SanitizeForResponse()
	}
	return out, total, nil
}

func (a *Accounts) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := a.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	user.SanitizeForResponse()
	return &user, nil
}

// Update applies upd to user id. Deactivating or demoting an account
// also revokes its tokens.
func (a *Accounts) Update(ctx context.Context, id uint, upd AccountUpdate) (*models.User, error) {
	user, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{}
	if upd.Name != nil {
		if name := strings.TrimSpace(*upd.Name); name != "" {
			changes["name"] = name
		} else {
			changes["name"] = nil
		}
	}
	if upd.Email != nil {
		email := models.NormalizeAddress(*upd.Email)
		if email != user.Email {
			var n int64
			if err := a.db.WithContext(ctx).Model(&models.User{}).Where("email = ? AND id <> ?", email, id).Count(&n).Error; err != nil {
				return nil, fmt.Errorf("check email: %w", err)
			}
			if n > 0 {
				return nil, ErrEmailTaken
			}
			changes["email"] = email
		}
	}
	if upd.Timezone != nil {
		changes["timezone"] = *upd.Timezone
	}
	revoke := false
	if upd.IsActive != nil {
		changes["is_active"] = *upd.IsActive
		revoke = revoke || (user.IsActive && !*upd.IsActive)
	}
	if upd.IsAdmin != nil {
		changes["is_admin"] = *upd.IsAdmin
		revoke = revoke || (user.IsAdmin && !*upd.IsAdmin)
	}
	if revoke {
		changes["token_version"] = gorm.Expr("token_version + 1")
	}
	if len(changes) == 0 {
		return user, nil
	}

	if err := a.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(changes).Error; err != nil {
		return nil, fmt.Errorf("update user %d: %w", id, err)
	}
	return a.Get(ctx, id)
}

// Delete removes the user and every message they own in one transaction.
// Their unique-recipient rows go with the user through the cascading
// foreign key. Attachments are removed once the rows are gone.
func (a *Accounts) Delete(ctx context.Context, id uint) error {
	var msgs []models.Message
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Unscoped().First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Unscoped().Select("id", "files", "thread").Where("user_id = ?", id).Find(&msgs).Error; err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		if err := tx.Unscoped().Where("user_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Unscoped().Delete(&user).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var paths []string
	for _, msg := range msgs {
		paths = append(paths, msg.Files...)
		for _, entry := range msg.Thread {
			paths = append(paths, entry.Files...)
		}
	}
	if err := utils.RemoveFiles(paths); err != nil {
		utils.LogError("remove_attachments", err, map[string]interface{}{"user_id": id})
	}
	a.logger.Printf("Deleted user %d and %d messages", id, len(msgs))
	return nil
}

// Analytics summarizes accounts and mail volume. New users are those
// created in the last 30 days; the monthly series covers six months.
func (a *Accounts) Analytics(ctx context.Context) (*Analytics, error) {
	now := a.now()
	db := a.db.WithContext(ctx)
	var out Analytics

	if err := db.Model(&models.User{}).Count(&out.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if err := db.Model(&models.User{}).Where("created_at >= ?", now.AddDate(0, 0, -30)).Count(&out.NewUsers).Error; err != nil {
		return nil, fmt.Errorf("count new users: %w", err)
	}
	if err := db.Model(&models.Message{}).Count(&out.TotalEmails).Error; err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	if err := db.Model(&models.Message{}).Where("folder = ?", models.FolderSent).Count(&out.SentEmails).Error; err != nil {
		return nil, fmt.Errorf("count sent emails: %w", err)
	}

	var created []time.Time
	if err := db.Model(&models.User{}).Where("created_at >= ?", now.AddDate(0, -6, 0)).Order("created_at ASC").Pluck("created_at", &created).Error; err != nil {
		return nil, fmt.Errorf("users by month: %w", err)
	}
	out.UsersByMonth = []MonthCount{}
	for _, at := range created {
		at = at.UTC()
		n := len(out.UsersByMonth)
		if n > 0 && out.UsersByMonth[n-1].Year == at.Year() && out.UsersByMonth[n-1].Month == int(at.Month()) {
			out.UsersByMonth[n-1].Count++
			continue
		}
		out.UsersByMonth = append(out.UsersByMonth, MonthCount{Year: at.Year(), Month: int(at.Month()), Count: 1})
	}
	return &out, nil
}
