package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

// ComposeRequest is an outbound message addressed to one or more
// recipients. Each recipient gets its own Message.
type ComposeRequest struct {
	From       string   `json:"from" validate:"omitempty,mailaddr"`
	Recipients []string `json:"recipients" validate:"required,min=1,dive,mailaddr"`
	Subject    string   `json:"subject" validate:"required,max=998"`
	Body       string   `json:"body" validate:"required"`
	Category   string   `json:"category"`
	Files      []string `json:"-"`
}

type DispatcherConfig struct {
	BaseURL        string
	FromEmail      string
	FromName       string
	WeeklySendHour int
}

// Dispatcher creates outbound messages and hands them to the transport,
// immediately or when their schedule comes due.
type Dispatcher struct {
	db         *gorm.DB
	reconciler *Reconciler
	transport  utils.Transport
	cfg        DispatcherConfig
	logger     *log.Logger
	now        func() time.Time
}

func NewDispatcher(db *gorm.DB, reconciler *Reconciler, transport utils.Transport, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		reconciler: reconciler,
		transport:  transport,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the dispatcher's time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Send delivers req to every recipient right away. Delivery failures are
// recorded on the affected messages rather than returned.
func (d *Dispatcher) Send(ctx context.Context, ownerID uint, req ComposeRequest) ([]models.Message, error) {
	recipients := uniqueRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	out := make([]models.Message, 0, len(recipients))
	for _, rcpt := range recipients {
		msg := d.newOutbound(ownerID, req, rcpt)
		msg.Status = models.StatusSent
		if err := d.db.WithContext(ctx).Create(msg).Error; err != nil {
			return out, fmt.Errorf("create message for %s: %w", rcpt, err)
		}

		sent, err := d.deliver(ctx, msg)
		if err != nil {
			return out, err
		}
		out = append(out, *sent)
	}
	return out, nil
}

// Schedule stores req for later delivery to every recipient.
func (d *Dispatcher) Schedule(ctx context.Context, ownerID uint, req ComposeRequest, sreq ScheduleRequest) ([]models.Message, error) {
	recipients := uniqueRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	sched, err := ResolveSchedule(sreq, d.now())
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(recipients))
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rcpt := range recipients {
			msg := d.newOutbound(ownerID, req, rcpt)
			msg.Status = models.StatusScheduled
			msg.ScheduledType = sched.Type
			msg.ScheduledFor = sched.At
			msg.ScheduledDayOfWeek = sched.DayOfWeek
			if err := tx.Create(msg).Error; err != nil {
				return fmt.Errorf("create scheduled message for %s: %w", rcpt, err)
			}
			out = append(out, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel removes a scheduled message that has not been picked up for
// sending yet.
func (d *Dispatcher) Cancel(ctx context.Context, ownerID, id uint) error {
	res := d.db.WithContext(ctx).Unscoped().
		Where("id = ? AND user_id = ? AND status = ? AND schedule_claimed_at IS NULL", id, ownerID, models.StatusScheduled).
		Delete(&models.Message{})
	if res.Error != nil {
		return fmt.Errorf("cancel message %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("lookup message %d: %w", id, err)
	}
	if count > 0 {
		return ErrNotCancellable
	}
	return ErrNotFound
}

// DispatchDue sends every scheduled message that is due and returns how
// many were handed to the transport.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.now()
	var candidates []models.Message
	err := d.db.WithContext(ctx).
		Where("status = ? AND schedule_claimed_at IS NULL", models.StatusScheduled).
		Where("((scheduled_day_of_week IS NULL AND scheduled_for <= ?) OR scheduled_day_of_week = ?)", now, int(now.Weekday())).
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("find due messages: %w", err)
	}

	dispatched := 0
	for i := range candidates {
		msg := &candidates[i]
		if !IsDue(msg, now, d.cfg.WeeklySendHour) {
			continue
		}
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}

		claimed, err := d.claim(ctx, msg.ID, now)
		if err != nil {
			utils.LogError("schedule_claim", err, map[string]interface{}{"message_id": msg.ID})
			continue
		}
		if !claimed {
			continue
		}
		if _, err := d.deliver(ctx, msg); err != nil {
			utils.LogError("scheduled_send", err, map[string]interface{}{"message_id": msg.ID})
			if err := d.abandon(ctx, msg.ID); err != nil {
				utils.LogError("schedule_abandon", err, map[string]interface{}{"message_id": msg.ID})
			}
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// claim marks a scheduled message as taken so that concurrent pollers and
// cancellations cannot act on it.
func (d *Dispatcher) claim(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := d.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ? AND schedule_claimed_at IS NULL", id, models.StatusScheduled).
		Updates(map[string]interface{}{
			"schedule_claimed_at": at,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// abandon marks a claimed message failed when its delivery outcome could
// not be committed. The transport may already have accepted it, so it is
// never released back to the pollers.
func (d *Dispatcher) abandon(ctx context.Context, id uint) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return d.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.StatusScheduled).
		Updates(map[string]interface{}{
			"status":  models.StatusFailed,
			"version": gorm.Expr("version + 1"),
		}).Error
}

// deliver renders msg with tracking, sends it and commits the outcome.
// The rollup send counter only moves on successful delivery.
func (d *Dispatcher) deliver(ctx context.Context, msg *models.Message) (*models.Message, error) {
	env := utils.Envelope{
		FromEmail:   msg.From,
		To:          []string{msg.To},
		Subject:     msg.Subject,
		HTMLBody:    utils.InjectTracking(msg.Body, d.cfg.BaseURL, msg.ID, msg.To),
		Attachments: msg.Files,
	}
	if strings.EqualFold(msg.From, d.cfg.FromEmail) {
		env.FromName = d.cfg.FromName
	}
	sendErr := d.transport.Send(ctx, env)
	if sendErr != nil {
		utils.LogError("email_send", sendErr, map[string]interface{}{
			"message_id": msg.ID,
			"recipient":  msg.To,
		})
	} else {
		d.logger.Printf("Email %d sent to %s", msg.ID, msg.To)
	}

	sentAt := d.now()
	updated, _, err := d.reconciler.Update(ctx, msg.ID, func(m *models.Message) (tracking.Result, error) {
		if sendErr != nil {
			m.Status = models.StatusFailed
			m.SetRecipientStatus(models.RecipientFailed)
			return tracking.Result{}, nil
		}
		m.Status = models.StatusSent
		m.SentAt = sentAt
		m.SetRecipientStatus(models.RecipientSent)
		return d.reconciler.Engine().MarkSent(m, m.To), nil
	})
	if err != nil {
		return nil, fmt.Errorf("record delivery of message %d: %w", msg.ID, err)
	}
	return updated, nil
}

// ReplyInThread sends body as a reply to message id and appends it to the
// message's thread.
func (d *Dispatcher) ReplyInThread(ctx context.Context, ownerID, id uint, body string, files []string) (*models.Message, error) {
	original, err := d.reconciler.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.OwnerID() != ownerID {
		return nil, ErrNotFound
	}

	to := original.To
	if original.Folder != models.FolderSent && original.From != "" {
		to = original.From
	}
	html := body
	if !utils.LooksLikeHTML(html) {
		html = strings.ReplaceAll(strings.ReplaceAll(html, "\r\n", "\n"), "\n", "<br>")
	}
	env := utils.Envelope{
		FromEmail:   d.cfg.FromEmail,
		FromName:    d.cfg.FromName,
		To:          []string{to},
		Subject:     "Re: " + tracking.StripReplyPrefix(original.Subject),
		HTMLBody:    html,
		Attachments: files,
	}
	if err := d.transport.Send(ctx, env); err != nil {
		return nil, fmt.Errorf("send reply: %w", err)
	}

	at := d.now()
	updated, _, err := d.reconciler.Update(ctx, id, func(m *models.Message) (tracking.Result, error) {
		m.Thread = append(m.Thread, models.ThreadEntry{
			Sender:   "Me",
			Body:     body,
			Time:     at,
			Files:    files,
			Category: m.Category,
		})
		return tracking.Result{}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) newOutbound(ownerID uint, req ComposeRequest, recipient string) *models.Message {
	now := d.now()
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = d.cfg.FromEmail
	}
	sender := req.From
	if sender == "" {
		sender = "Me"
	}
	category := req.Category
	if category == "" {
		category = "primary"
	}
	files := req.Files
	if files == nil {
		files = []string{}
	}

	msg := &models.Message{
		Model:    gorm.Model{CreatedAt: now},
		From:     from,
		To:       recipient,
		Subject:  req.Subject,
		Body:     req.Body,
		Category: category,
		Files:    files,
		Folder:   models.FolderSent,
		Unread:   false,
		SentAt:   now,
		Recipients: []models.RecipientStatus{{
			Email:  recipient,
			Status: models.RecipientPending,
		}},
		Thread: []models.ThreadEntry{{
			Sender:   sender,
			Body:     req.Body,
			Time:     now,
			Files:    files,
			Category: category,
		}},
		Viewers: []models.Viewer{},
	}
	if ownerID != 0 {
		msg.UserID = &ownerID
	}
	d.reconciler.Engine().EnsureInitialized(msg)
	return msg
}

// uniqueRecipients normalizes addresses and drops blanks and duplicates
// while keeping the caller's order.
func uniqueRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		addr := models.NormalizeAddress(r)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
