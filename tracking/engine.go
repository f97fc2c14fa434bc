// Package tracking folds open, click and reply signals into a message's
// tracking record. It mutates in-memory state only; callers commit the
// message and apply the returned rollup deltas.
package tracking

import (
	"strings"
	"time"

	"mailpulse/models"
)

// RollupDelta is an increment to apply to the (UserID, RecipientEmail)
// unique-recipient rollup.
type RollupDelta struct {
	UserID         uint
	RecipientEmail string
	FirstEmailTime time.Time
	At             time.Time

	EmailsSent int
	Opens      int
	Clicks     int

	Replied   bool
	ReplyTime *time.Time
}

// Result reports what a reconciliation call changed.
type Result struct {
	WasNewOpen bool
	Rollup     []RollupDelta
}

func (r *Result) addDelta(d RollupDelta) {
	for i := range r.Rollup {
		cur := &r.Rollup[i]
		if cur.UserID != d.UserID || cur.RecipientEmail != d.RecipientEmail {
			continue
		}
		cur.EmailsSent += d.EmailsSent
		cur.Opens += d.Opens
		cur.Clicks += d.Clicks
		if d.Replied {
			cur.Replied = true
			cur.ReplyTime = d.ReplyTime
		}
		if d.At.After(cur.At) {
			cur.At = d.At
		}
		return
	}
	r.Rollup = append(r.Rollup, d)
}

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock returns an engine that stamps events using now.
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// EnsureInitialized brings a message's tracking state into canonical
// shape: empty collections instead of nil, one recipient record per
// address, and every opened recipient present in the unique-open set.
// It runs before every mutation.
func (e *Engine) EnsureInitialized(msg *models.Message) {
	t := &msg.Tracking
	if t.UniqueOpens == nil {
		t.UniqueOpens = []string{}
	}
	if t.Clicks == nil {
		t.Clicks = []models.LinkClick{}
	}
	if t.RecipientClicks == nil {
		t.RecipientClicks = []models.RecipientClick{}
	}
	if msg.Recipients == nil {
		msg.Recipients = []models.RecipientStatus{}
	}
	if msg.Thread == nil {
		msg.Thread = []models.ThreadEntry{}
	}

	msg.Recipients = dedupeRecipients(msg.Recipients)
	for _, r := range msg.Recipients {
		if r.Opened {
			t.AddUniqueOpen(r.Email)
		}
	}
}

func dedupeRecipients(in []models.RecipientStatus) []models.RecipientStatus {
	if !needsDedupe(in) {
		return in
	}
	out := make([]models.RecipientStatus, 0, len(in))
	index := make(map[string]int, len(in))
	for _, r := range in {
		key := models.NormalizeAddress(r.Email)
		if key == "" {
			continue
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, r)
			continue
		}
		merged := &out[i]
		if r.Opened && (!merged.Opened || earlier(r.OpenedAt, merged.OpenedAt)) {
			merged.OpenedAt = r.OpenedAt
			merged.OpenSource = r.OpenSource
		}
		merged.Opened = merged.Opened || r.Opened
		merged.Clicked = merged.Clicked || r.Clicked
		merged.ClickCount += r.ClickCount
		if r.OpenHits > merged.OpenHits {
			merged.OpenHits = r.OpenHits
		}
		if r.LastClickedAt != nil && (merged.LastClickedAt == nil || r.LastClickedAt.After(*merged.LastClickedAt)) {
			merged.LastClickedAt = r.LastClickedAt
		}
	}
	return out
}

func needsDedupe(in []models.RecipientStatus) bool {
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		key := models.NormalizeAddress(r.Email)
		if key == "" {
			return true
		}
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

func earlier(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.Before(*b)
}

// Recipient returns the status record for addr, creating one with status
// "sent" when the address has not been seen on this message.
func (e *Engine) Recipient(msg *models.Message, addr string) *models.RecipientStatus {
	if r := msg.FindRecipient(addr); r != nil {
		return r
	}
	msg.Recipients = append(msg.Recipients, models.RecipientStatus{
		Email:  models.NormalizeAddress(addr),
		Status: models.RecipientSent,
	})
	return &msg.Recipients[len(msg.Recipients)-1]
}

// MarkOpen records an open by recipient. Forced signals (pixel fires,
// replies) count as raw hits even when the recipient already opened; an
// unforced signal only counts the first open. WasNewOpen reports whether
// the recipient had not opened before this call.
func (e *Engine) MarkOpen(msg *models.Message, recipient, source string, forceIncrement bool) Result {
	if msg == nil || strings.TrimSpace(recipient) == "" {
		return Result{}
	}
	e.EnsureInitialized(msg)
	now := e.now()

	rec := e.Recipient(msg, recipient)
	alreadyOpened := rec.Opened
	before := rec.OpenContribution()

	if !alreadyOpened {
		rec.Opened = true
		rec.OpenSource = source
		rec.OpenedAt = &now
	}
	if forceIncrement {
		rec.OpenHits++
	}
	delta := rec.OpenContribution() - before
	msg.Tracking.Opens += delta
	msg.Tracking.AddUniqueOpen(rec.Email)

	res := Result{WasNewOpen: !alreadyOpened}
	if owner := msg.OwnerID(); owner != 0 && delta > 0 {
		res.addDelta(RollupDelta{
			UserID:         owner,
			RecipientEmail: models.NormalizeAddress(rec.Email),
			FirstEmailTime: firstEmailTime(msg, now),
			At:             now,
			Opens:          delta,
		})
	}
	return res
}

// MarkClick records a click on url by recipient. A click implies an open
// but never forces an extra open hit.
func (e *Engine) MarkClick(msg *models.Message, recipient, url string) Result {
	if msg == nil || strings.TrimSpace(recipient) == "" || strings.TrimSpace(url) == "" {
		return Result{}
	}
	e.EnsureInitialized(msg)
	now := e.now()

	msg.Tracking.IncrementClick(url)
	msg.Tracking.IncrementRecipientClick(recipient, url)

	rec := e.Recipient(msg, recipient)
	rec.Clicked = true
	rec.ClickCount++
	rec.LastClickedAt = &now

	res := e.MarkOpen(msg, recipient, models.OpenSourceClick, false)
	if owner := msg.OwnerID(); owner != 0 {
		res.addDelta(RollupDelta{
			UserID:         owner,
			RecipientEmail: models.NormalizeAddress(recipient),
			FirstEmailTime: firstEmailTime(msg, now),
			At:             now,
			Clicks:         1,
		})
	}
	return res
}

// MarkSent produces the rollup delta for a message delivered to recipient.
func (e *Engine) MarkSent(msg *models.Message, recipient string) Result {
	if msg == nil || msg.OwnerID() == 0 || strings.TrimSpace(recipient) == "" {
		return Result{}
	}
	now := e.now()
	var res Result
	res.addDelta(RollupDelta{
		UserID:         msg.OwnerID(),
		RecipientEmail: models.NormalizeAddress(recipient),
		FirstEmailTime: firstEmailTime(msg, now),
		At:             now,
		EmailsSent:     1,
	})
	return res
}

func firstEmailTime(msg *models.Message, fallback time.Time) time.Time {
	switch {
	case !msg.SentAt.IsZero():
		return msg.SentAt
	case !msg.CreatedAt.IsZero():
		return msg.CreatedAt
	default:
		return fallback
	}
}
