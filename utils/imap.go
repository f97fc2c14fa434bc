package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"mailpulse/config"
)

// ParsedMessage is an inbound message reduced to what reconciliation needs.
type ParsedMessage struct {
	MessageID   string
	InReplyTo   string
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	Date        time.Time
	Attachments []ParsedAttachment
}

type ParsedAttachment struct {
	Filename string
	Content  []byte
}

// Body prefers the plain-text part and falls back to HTML.
func (p ParsedMessage) Body() string {
	if strings.TrimSpace(p.Text) != "" {
		return p.Text
	}
	return p.HTML
}

// Poller fetches messages that have not been seen yet.
type Poller interface {
	FetchUnseen(ctx context.Context) ([]ParsedMessage, error)
}

// IMAPPoller reads unseen mail from one mailbox and flags it as seen.
type IMAPPoller struct {
	cfg config.IMAPConfig
}

func NewIMAPPoller(cfg config.IMAPConfig) *IMAPPoller {
	return &IMAPPoller{cfg: cfg}
}

func (p *IMAPPoller) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	tlsConfig := &tls.Config{ServerName: p.cfg.Host}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(p.cfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = 30 * time.Second
	return c, nil
}

func (p *IMAPPoller) FetchUnseen(ctx context.Context) ([]ParsedMessage, error) {
	c, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if err := c.Login(p.cfg.Username, p.cfg.Password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := p.cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var parsed []ParsedMessage
	for msg := range messages {
		pm, err := parseIMAPMessage(msg, section)
		if err != nil {
			LogError("imap_parse", err, map[string]interface{}{"seq": msg.SeqNum})
			continue
		}
		parsed = append(parsed, pm)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}

	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return parsed, fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return parsed, nil
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (ParsedMessage, error) {
	pm := ParsedMessage{}
	if env := msg.Envelope; env != nil {
		pm.MessageID = env.MessageId
		pm.InReplyTo = env.InReplyTo
		pm.From = firstAddress(env.From)
		pm.To = firstAddress(env.To)
		pm.Subject = env.Subject
		pm.Date = env.Date
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return pm, fmt.Errorf("message body not found")
	}
	if err := ParseMIME(literal, &pm); err != nil {
		return pm, err
	}
	if pm.Date.IsZero() {
		pm.Date = time.Now()
	}
	return pm, nil
}

// ParseMIME fills text, html, attachments and any missing envelope fields
// of pm from a raw RFC 5322 message.
func ParseMIME(r io.Reader, pm *ParsedMessage) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	if pm.Subject == "" {
		pm.Subject, _ = mr.Header.Subject()
	}
	if pm.From == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			pm.From = from[0].Address
		}
	}
	if pm.To == "" {
		if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
			pm.To = to[0].Address
		}
	}
	if pm.Date.IsZero() {
		pm.Date, _ = mr.Header.Date()
	}
	if pm.MessageID == "" {
		pm.MessageID, _ = mr.Header.MessageID()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}
			switch {
			case strings.Contains(contentType, "text/html"):
				pm.HTML = string(b)
			case strings.Contains(contentType, "text/plain"), contentType == "":
				pm.Text = string(b)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read attachment: %w", err)
			}
			pm.Attachments = append(pm.Attachments, ParsedAttachment{Filename: filename, Content: b})
		}
	}
	return nil
}

func firstAddress(addrs []*imap.Address) string {
	for _, a := range addrs {
		if a == nil || a.MailboxName == "" {
			continue
		}
		return a.MailboxName + "@" + a.HostName
	}
	return ""
}
