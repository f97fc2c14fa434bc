package models

import (
	"strings"
	"time"
)

// Recipient delivery states
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
)

// Open sources recorded on a recipient's first open
const (
	OpenSourcePixel = "pixel"
	OpenSourceClick = "click"
	OpenSourceReply = "reply"
)

// TrackingRecord holds the aggregate open/click counters of a message.
// Opens is a hit counter; UniqueOpens is the deduplicated view.
type TrackingRecord struct {
	Opens           int              `json:"opens"`
	UniqueOpens     []string         `json:"uniqueOpens"`
	Clicks          []LinkClick      `json:"clicks"`
	RecipientClicks []RecipientClick `json:"recipientClicks"`
}

type LinkClick struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

type RecipientClick struct {
	Recipient string `json:"recipient"`
	URL       string `json:"url"`
	Count     int    `json:"count"`
}

// RecipientStatus is the per-recipient delivery and engagement record.
type RecipientStatus struct {
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	Opened        bool       `json:"opened"`
	Clicked       bool       `json:"clicked"`
	ClickCount    int        `json:"clickCount"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
	LastClickedAt *time.Time `json:"lastClickedAt,omitempty"`
	OpenSource    string     `json:"openSource,omitempty"`
	// OpenHits counts forced open signals (pixel fires, replies).
	OpenHits int `json:"openHits"`
}

// NormalizeAddress lowercases and trims an email address for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// OpenContribution is how many hits this recipient adds to the message's
// Opens counter. An unforced open counts once until a forced signal
// arrives, after which forced hits are counted.
func (r *RecipientStatus) OpenContribution() int {
	if r.OpenHits > 0 {
		return r.OpenHits
	}
	if r.Opened {
		return 1
	}
	return 0
}

// HasUniqueOpen reports whether addr is in the unique-open set.
func (t *TrackingRecord) HasUniqueOpen(addr string) bool {
	addr = NormalizeAddress(addr)
	for _, u := range t.UniqueOpens {
		if NormalizeAddress(u) == addr {
			return true
		}
	}
	return false
}

// AddUniqueOpen adds addr to the unique-open set if absent.
func (t *TrackingRecord) AddUniqueOpen(addr string) bool {
	if t.HasUniqueOpen(addr) {
		return false
	}
	t.UniqueOpens = append(t.UniqueOpens, NormalizeAddress(addr))
	return true
}

// IncrementClick bumps the aggregate counter for url and returns the new count.
func (t *TrackingRecord) IncrementClick(url string) int {
	for i := range t.Clicks {
		if t.Clicks[i].URL == url {
			t.Clicks[i].Count++
			return t.Clicks[i].Count
		}
	}
	t.Clicks = append(t.Clicks, LinkClick{URL: url, Count: 1})
	return 1
}

// IncrementRecipientClick bumps the (recipient, url) counter.
func (t *TrackingRecord) IncrementRecipientClick(recipient, url string) int {
	recipient = NormalizeAddress(recipient)
	for i := range t.RecipientClicks {
		rc := &t.RecipientClicks[i]
		if rc.URL == url && NormalizeAddress(rc.Recipient) == recipient {
			rc.Count++
			return rc.Count
		}
	}
	t.RecipientClicks = append(t.RecipientClicks, RecipientClick{Recipient: recipient, URL: url, Count: 1})
	return 1
}

func (t *TrackingRecord) ClickCount(url string) int {
	for _, c := range t.Clicks {
		if c.URL == url {
			return c.Count
		}
	}
	return 0
}

func (t *TrackingRecord) TotalClicks() int {
	total := 0
	for _, c := range t.Clicks {
		total += c.Count
	}
	return total
}
