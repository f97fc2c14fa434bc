package tracking

import (
	"regexp"
	"strings"
	"time"

	"mailpulse/models"
)

var (
	replyPrefix      = regexp.MustCompile(`(?i)^\s*re\s*:`)
	replyPrefixStrip = regexp.MustCompile(`(?i)^\s*re\s*:\s*`)
)

// IsReply reports whether subject carries a "Re:" / "Re :" prefix.
func IsReply(subject string) bool {
	return replyPrefix.MatchString(subject)
}

// StripReplyPrefix removes every leading reply prefix from subject.
func StripReplyPrefix(subject string) string {
	for replyPrefixStrip.MatchString(subject) {
		subject = replyPrefixStrip.ReplaceAllString(subject, "")
	}
	return strings.TrimSpace(subject)
}

// Reply is an inbound message that has been matched to a sent message.
type Reply struct {
	From    string
	Subject string
	Body    string
	Files   []string
	Time    time.Time
}

// MarkReply records reply on msg. The reply scalar fields are overwritten
// by later replies; the thread keeps every reply. A reply always counts
// as a forced open for its sender.
func (e *Engine) MarkReply(msg *models.Message, reply Reply) Result {
	if msg == nil || strings.TrimSpace(reply.From) == "" {
		return Result{}
	}
	e.EnsureInitialized(msg)

	at := reply.Time
	if at.IsZero() {
		at = e.now()
	}
	msg.Replied = true
	msg.ReplyFrom = models.NormalizeAddress(reply.From)
	msg.ReplyTime = &at
	msg.ReplyBody = reply.Body
	msg.Thread = append(msg.Thread, models.ThreadEntry{
		Sender:   reply.From,
		Body:     reply.Body,
		Time:     at,
		Files:    reply.Files,
		Category: msg.Category,
	})

	res := e.MarkOpen(msg, reply.From, models.OpenSourceReply, true)
	if owner := msg.OwnerID(); owner != 0 {
		res.addDelta(RollupDelta{
			UserID:         owner,
			RecipientEmail: msg.ReplyFrom,
			FirstEmailTime: firstEmailTime(msg, at),
			At:             e.now(),
			Replied:        true,
			ReplyTime:      &at,
		})
	}
	return res
}
