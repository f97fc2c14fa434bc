package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gorm.io/gorm"
	"mailpulse/events"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

// Columns written back on every message commit.
var messageColumns = []string{
	"from", "to", "subject", "body", "category", "files",
	"folder", "status", "unread", "sent_at",
	"scheduled_for", "scheduled_type", "scheduled_day_of_week", "schedule_claimed_at",
	"thread", "tracking", "recipients", "viewers",
	"replied", "reply_from", "reply_time", "reply_body", "original_message_id",
	"version", "updated_at",
}

// MutateFunc changes msg in memory. It may run more than once when a
// concurrent writer wins the version race, so it must only touch msg.
type MutateFunc func(msg *models.Message) (tracking.Result, error)

// Reconciler is the single path through which messages are mutated.
// Writers of the same message are serialized in-process by a keyed mutex
// and across processes by the version column.
type Reconciler struct {
	db        *gorm.DB
	engine    *tracking.Engine
	rollup    *RollupStore
	publisher events.Publisher
	locks     *tracking.KeyedMutex
	logger    *log.Logger
	attempts  uint
}

func NewReconciler(db *gorm.DB, engine *tracking.Engine, rollup *RollupStore, publisher events.Publisher, logger *log.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		db:        db,
		engine:    engine,
		rollup:    rollup,
		publisher: publisher,
		locks:     tracking.NewKeyedMutex(),
		logger:    logger,
		attempts:  5,
	}
}

func (r *Reconciler) Engine() *tracking.Engine { return r.engine }

// Load returns the message with the given id.
func (r *Reconciler) Load(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message %d: %w", id, err)
	}
	return &msg, nil
}

// Update loads message id, applies fn and commits the result. The rollup
// deltas of the committed attempt are applied after the commit.
func (r *Reconciler) Update(ctx context.Context, id uint, fn MutateFunc) (*models.Message, tracking.Result, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var (
		committed *models.Message
		result    tracking.Result
		lastErr   error
	)
	err := retry.Do(
		func() error {
			msg, res, err := r.attempt(ctx, id, fn)
			if err != nil {
				lastErr = err
				return err
			}
			committed, result, lastErr = msg, res, nil
			return nil
		},
		retry.Attempts(r.attempts),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.MaxJitter(20*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Printf("Retrying update of message %d (attempt %d): %v", id, n+1, err)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrVersionConflict)
		}),
	)
	if err != nil || committed == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, tracking.Result{}, ctxErr
		}
		if lastErr != nil {
			return nil, tracking.Result{}, lastErr
		}
		return nil, tracking.Result{}, err
	}

	if r.rollup != nil && len(result.Rollup) > 0 {
		r.rollup.ApplyAll(ctx, result.Rollup)
	}
	return committed, result, nil
}

func (r *Reconciler) attempt(ctx context.Context, id uint, fn MutateFunc) (*models.Message, tracking.Result, error) {
	msg, err := r.Load(ctx, id)
	if err != nil {
		return nil, tracking.Result{}, err
	}
	prev := msg.Version

	res, err := fn(msg)
	if err != nil {
		return nil, tracking.Result{}, err
	}

	msg.Version = prev + 1
	tx := r.db.WithContext(ctx).
		Model(msg).
		Where("version = ?", prev).
		Select(messageColumns).
		Updates(msg)
	if tx.Error != nil {
		return nil, tracking.Result{}, fmt.Errorf("commit message %d: %w", id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, tracking.Result{}, ErrVersionConflict
	}
	return msg, res, nil
}

// RecordOpen folds a pixel fire for recipient into message id. An empty
// recipient falls back to the message's primary address.
func (r *Reconciler) RecordOpen(ctx context.Context, id uint, recipient string) (*models.Message, tracking.Result, error) {
	var addr string
	msg, res, err := r.Update(ctx, id, func(m *models.Message) (tracking.Result, error) {
		addr = strings.TrimSpace(recipient)
		if addr == "" {
			addr = m.To
		}
		return r.engine.MarkOpen(m, addr, models.OpenSourcePixel, true), nil
	})
	if err != nil {
		return nil, res, err
	}

	r.publish(ctx, events.Event{
		Type:   events.EmailOpened,
		UserID: msg.OwnerID(),
		Payload: events.OpenedPayload{
			EmailID:     msg.ID,
			Recipient:   models.NormalizeAddress(addr),
			Source:      models.OpenSourcePixel,
			WasNewOpen:  res.WasNewOpen,
			Opens:       msg.Tracking.Opens,
			UniqueOpens: len(msg.Tracking.UniqueOpens),
			OpenedCount: msg.OpenedCount(),
		},
	})
	return msg, res, nil
}

// RecordClick folds a tracked-link click into message id. A click that is
// also the recipient's first open publishes both notifications.
func (r *Reconciler) RecordClick(ctx context.Context, id uint, recipient, url string) (*models.Message, tracking.Result, error) {
	var addr string
	msg, res, err := r.Update(ctx, id, func(m *models.Message) (tracking.Result, error) {
		addr = strings.TrimSpace(recipient)
		if addr == "" {
			addr = m.To
		}
		return r.engine.MarkClick(m, addr, url), nil
	})
	if err != nil {
		return nil, res, err
	}

	addr = models.NormalizeAddress(addr)
	if res.WasNewOpen {
		r.publish(ctx, events.Event{
			Type:   events.EmailOpened,
			UserID: msg.OwnerID(),
			Payload: events.OpenedPayload{
				EmailID:     msg.ID,
				Recipient:   addr,
				Source:      models.OpenSourceClick,
				WasNewOpen:  true,
				Opens:       msg.Tracking.Opens,
				UniqueOpens: len(msg.Tracking.UniqueOpens),
				OpenedCount: msg.OpenedCount(),
			},
		})
	}
	r.publish(ctx, events.Event{
		Type:   events.EmailClicked,
		UserID: msg.OwnerID(),
		Payload: events.ClickedPayload{
			EmailID:      msg.ID,
			Recipient:    addr,
			URL:          url,
			URLClicks:    msg.Tracking.ClickCount(url),
			TotalClicks:  msg.Tracking.TotalClicks(),
			ClickedCount: msg.ClickedCount(),
		},
	})
	return msg, res, nil
}

// RecordReply folds a matched inbound reply into the original message.
func (r *Reconciler) RecordReply(ctx context.Context, id uint, reply tracking.Reply, replyMessageID uint) (*models.Message, tracking.Result, error) {
	msg, res, err := r.Update(ctx, id, func(m *models.Message) (tracking.Result, error) {
		return r.engine.MarkReply(m, reply), nil
	})
	if err != nil {
		return nil, res, err
	}

	from := models.NormalizeAddress(reply.From)
	r.publish(ctx, events.Event{
		Type:   events.EmailOpened,
		UserID: msg.OwnerID(),
		Payload: events.OpenedPayload{
			EmailID:     msg.ID,
			Recipient:   from,
			Source:      models.OpenSourceReply,
			WasNewOpen:  res.WasNewOpen,
			Opens:       msg.Tracking.Opens,
			UniqueOpens: len(msg.Tracking.UniqueOpens),
			OpenedCount: msg.OpenedCount(),
		},
	})
	replyTime := reply.Time
	if msg.ReplyTime != nil {
		replyTime = *msg.ReplyTime
	}
	r.publish(ctx, events.Event{
		Type:   events.EmailReplied,
		UserID: msg.OwnerID(),
		Payload: events.RepliedPayload{
			OriginalEmailID: msg.ID,
			ReplyEmailID:    replyMessageID,
			ReplyFrom:       from,
			ReplySubject:    reply.Subject,
			ReplySnippet:    events.Snippet(reply.Body, 100),
			ReplyTime:       replyTime,
		},
	})
	return msg, res, nil
}

// Publish sends evt to the live-update channel. Failures are logged only.
func (r *Reconciler) Publish(ctx context.Context, evt events.Event) {
	r.publish(ctx, evt)
}

func (r *Reconciler) publish(ctx context.Context, evt events.Event) {
	if evt.UserID == 0 {
		return
	}
	if evt.SentAt.IsZero() {
		evt.SentAt = time.Now()
	}
	if err := r.publisher.Publish(ctx, evt); err != nil {
		utils.LogError("live_update_publish", err, map[string]interface{}{
			"event_type": string(evt.Type),
			"user_id":    evt.UserID,
		})
	}
}
