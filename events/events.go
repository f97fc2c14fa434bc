// Package events fans reconciliation results out to live dashboards.
// Delivery is best effort; subscribers re-fetch authoritative state.
package events

import (
	"context"
	"time"
)

type Type string

const (
	EmailOpened  Type = "email-opened"
	EmailClicked Type = "email-clicked"
	EmailReplied Type = "email-replied"
	NewEmail     Type = "new-email"
)

// Event is a live-update notification addressed to one user.
type Event struct {
	Type    Type        `json:"type"`
	UserID  uint        `json:"userId"`
	Payload interface{} `json:"payload"`
	SentAt  time.Time   `json:"sentAt"`
}

// Publisher delivers events. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type OpenedPayload struct {
	EmailID     uint   `json:"emailId"`
	Recipient   string `json:"recipient"`
	Source      string `json:"source"`
	WasNewOpen  bool   `json:"wasNewOpen"`
	Opens       int    `json:"opens"`
	UniqueOpens int    `json:"uniqueOpens"`
	OpenedCount int    `json:"openedCount"`
}

type ClickedPayload struct {
	EmailID      uint   `json:"emailId"`
	Recipient    string `json:"recipient"`
	URL          string `json:"url"`
	URLClicks    int    `json:"urlClicks"`
	TotalClicks  int    `json:"totalClicks"`
	ClickedCount int    `json:"clickedCount"`
}

type RepliedPayload struct {
	OriginalEmailID uint      `json:"originalEmailId"`
	ReplyEmailID    uint      `json:"replyEmailId"`
	ReplyFrom       string    `json:"replyFrom"`
	ReplySubject    string    `json:"replySubject"`
	ReplySnippet    string    `json:"replySnippet"`
	ReplyTime       time.Time `json:"replyTime"`
}

type NewEmailPayload struct {
	EmailID   uint      `json:"emailId"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Time      time.Time `json:"time"`
	IsReply   bool      `json:"isReply"`
	MatchedID *uint     `json:"matchedId,omitempty"`
}

// Snippet shortens s to at most n runes.
func Snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
