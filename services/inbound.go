package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"mailpulse/events"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

// InboundProcessor stores mail fetched from the inbox and reconciles
// replies against the messages they answer.
type InboundProcessor struct {
	db         *gorm.DB
	reconciler *Reconciler
	uploadDir  string
	logger     *log.Logger
}

func NewInboundProcessor(db *gorm.DB, reconciler *Reconciler, uploadDir string, logger *log.Logger) *InboundProcessor {
	return &InboundProcessor{
		db:         db,
		reconciler: reconciler,
		uploadDir:  uploadDir,
		logger:     logger,
	}
}

// Process stores pm in the Inbox. When pm is a reply to a sent message the
// original is marked replied and opened, and the stored copy points back
// at it.
func (p *InboundProcessor) Process(ctx context.Context, pm utils.ParsedMessage) (*models.Message, error) {
	from := models.NormalizeAddress(pm.From)
	if from == "" {
		return nil, fmt.Errorf("inbound message %q has no sender", pm.MessageID)
	}
	at := pm.Date
	if at.IsZero() {
		at = time.Now()
	}
	body := pm.Body()

	files := make([]string, 0, len(pm.Attachments))
	for _, a := range pm.Attachments {
		path, err := utils.SaveAttachment(p.uploadDir, a.Filename, a.Content)
		if err != nil {
			utils.LogError("inbound_attachment", err, map[string]interface{}{"filename": a.Filename})
			continue
		}
		files = append(files, path)
	}

	var original *models.Message
	if tracking.IsReply(pm.Subject) {
		found, err := p.FindOriginal(ctx, from, pm.Subject)
		if err != nil {
			return nil, err
		}
		original = found
	}

	msg := &models.Message{
		From:     from,
		To:       pm.To,
		Subject:  pm.Subject,
		Body:     body,
		Category: "primary",
		Files:    files,
		Folder:   models.FolderInbox,
		Status:   models.StatusSent,
		Unread:   true,
		SentAt:   at,
		Thread: []models.ThreadEntry{{
			Sender:   from,
			Body:     body,
			Time:     at,
			Files:    files,
			Category: "primary",
		}},
		Viewers: []models.Viewer{},
	}
	if original != nil {
		msg.UserID = original.UserID
		msg.OriginalMessageID = &original.ID
	} else if owner, ok := p.ownerOf(ctx, pm.To); ok {
		msg.UserID = &owner
	}
	p.reconciler.Engine().EnsureInitialized(msg)

	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}

	if original != nil {
		_, _, err := p.reconciler.RecordReply(ctx, original.ID, tracking.Reply{
			From:    from,
			Subject: pm.Subject,
			Body:    body,
			Files:   files,
			Time:    at,
		}, msg.ID)
		if err != nil {
			utils.LogError("reply_reconcile", err, map[string]interface{}{
				"original_id": original.ID,
				"reply_id":    msg.ID,
			})
		} else {
			p.logger.Printf("Matched reply from %s to message %d", from, original.ID)
		}
	}

	payload := events.NewEmailPayload{
		EmailID: msg.ID,
		From:    from,
		Subject: msg.Subject,
		Time:    at,
		IsReply: original != nil,
	}
	if original != nil {
		payload.MatchedID = &original.ID
	}
	p.reconciler.Publish(ctx, events.Event{
		Type:    events.NewEmail,
		UserID:  msg.OwnerID(),
		Payload: payload,
	})
	return msg, nil
}

// FindOriginal returns the most recent sent message to sender whose
// subject contains subject without its reply prefix. When none does, it
// falls back to the most recent sent message to sender. nil means no
// candidate exists.
func (p *InboundProcessor) FindOriginal(ctx context.Context, sender, subject string) (*models.Message, error) {
	sender = models.NormalizeAddress(sender)
	stripped := strings.ToLower(tracking.StripReplyPrefix(subject))

	if stripped != "" {
		var msg models.Message
		err := p.sentTo(ctx, sender).
			Where("LOWER(subject) LIKE ? ESCAPE '\\'", "%"+escapeLike(stripped)+"%").
			First(&msg).Error
		if err == nil {
			return &msg, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("match reply by subject: %w", err)
		}
	}

	var msg models.Message
	err := p.sentTo(ctx, sender).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match reply by recipient: %w", err)
	}
	return &msg, nil
}

func (p *InboundProcessor) sentTo(ctx context.Context, addr string) *gorm.DB {
	return p.db.WithContext(ctx).
		Where("folder = ? AND status = ?", models.FolderSent, models.StatusSent).
		Where(`LOWER("to") = ?`, addr).
		Order("sent_at DESC").
		Order("id DESC")
}

func (p *InboundProcessor) ownerOf(ctx context.Context, addr string) (uint, bool) {
	addr = models.NormalizeAddress(addr)
	if addr == "" {
		return 0, false
	}
	var user models.User
	if err := p.db.WithContext(ctx).Where("LOWER(email) = ?", addr).First(&user).Error; err != nil {
		return 0, false
	}
	return user.ID, true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
